package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"flowguard/internal/command"
	"flowguard/internal/config"
	"flowguard/internal/normalize"
	"flowguard/internal/storage"
)

type statusResponse struct {
	Status       string          `json:"status"`
	Time         string          `json:"time"`
	Uptime       string          `json:"uptime"`
	Version      string          `json:"version"`
	ConfigPath   string          `json:"config_path"`
	Ingest       ingestStatus    `json:"ingest"`
	Storage      storageStatus   `json:"storage"`
	History      historyStatus   `json:"history"`
	Detection    detectionConfig `json:"detection"`
	CommandTopic string          `json:"command_topic"`
}

type ingestStatus struct {
	MQTT          bool `json:"mqtt"`
	MQTTConnected bool `json:"mqtt_connected"`
	Kafka         bool `json:"kafka"`
}

type storageStatus struct {
	Enabled bool   `json:"enabled"`
	Driver  string `json:"driver"`
}

type historyStatus struct {
	Size     int `json:"size"`
	Capacity int `json:"capacity"`
	Serials  int `json:"serials"`
}

type detectionConfig struct {
	LeakFlowThreshold float64 `json:"leak_flow_threshold"`
	LeakMinSeconds    float64 `json:"leak_min_seconds"`
	LeakMinDuration   string  `json:"leak_min_duration"`
	Enabled           bool    `json:"enabled"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	cfg := s.Config.Get()
	buf := s.Pipeline.History()
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Uptime:     time.Since(s.started).Truncate(time.Second).String(),
		Version:    s.Version,
		ConfigPath: s.Config.Path(),
		Ingest: ingestStatus{
			MQTT:  cfg.Ingest.MQTT.Enabled,
			Kafka: cfg.Ingest.Kafka.Enabled,
		},
		Storage: storageStatus{Enabled: s.Store != nil, Driver: cfg.Storage.Driver},
		History: historyStatus{
			Size:     buf.Len(),
			Capacity: buf.Cap(),
			Serials:  len(buf.Serials()),
		},
		Detection:    s.detection(),
		CommandTopic: cfg.Commands.Topic,
	}
	if s.MQTT != nil {
		resp.Ingest.MQTTConnected = s.MQTT.Connected()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.Store != nil {
		if err := s.Store.Ping(r.Context()); err != nil {
			if s.Logger != nil {
				s.Logger.Error("health check failed", "err", err)
			}
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	serial := normalize.Serial(r.URL.Query().Get("serial"))
	if serial == "" {
		if latest, ok := s.Pipeline.History().Latest(); ok {
			writeJSON(w, http.StatusOK, latest)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	if latest, _, ok := s.Pipeline.History().LatestFor(serial); ok {
		writeJSON(w, http.StatusOK, latest)
		return
	}
	if s.Latest != nil {
		latest, ok, err := s.Latest.Latest(r.Context(), serial)
		if err != nil && s.Logger != nil {
			s.Logger.Warn("latest lookup failed", "serial", serial, "err", err)
		}
		if ok {
			writeJSON(w, http.StatusOK, latest)
			return
		}
	}
	writeError(w, http.StatusNotFound, "no reading for serial")
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", s.Config.Get().History.InitSize)
	writeJSON(w, http.StatusOK, s.Pipeline.History().Snapshot(limit))
}

func (s *Server) handleHistorySize(w http.ResponseWriter, _ *http.Request) {
	buf := s.Pipeline.History()
	writeJSON(w, http.StatusOK, map[string]any{"size": buf.Len(), "capacity": buf.Cap()})
}

func (s *Server) handleLeaks(w http.ResponseWriter, _ *http.Request) {
	states := s.Pipeline.Leaks().States()
	writeJSON(w, http.StatusOK, map[string]any{"leaks": states, "count": len(states)})
}

func (s *Server) handleClearTemporary(w http.ResponseWriter, _ *http.Request) {
	n := s.Pipeline.Leaks().Reset()
	if s.Logger != nil {
		s.Logger.Info("leak state cleared", "windows", n)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "cleared": n})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if s.Store == nil {
		since, err := queryTime(r, "since")
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since")
			return
		}
		var from time.Time
		if since > 0 {
			from = time.UnixMilli(since).UTC()
		}
		list := s.Pipeline.Leaks().RecentAlerts(queryInt(r, "limit", 50), from)
		writeJSON(w, http.StatusOK, map[string]any{"alerts": list, "count": len(list), "source": "memory"})
		return
	}
	unresolved := r.URL.Query().Get("unresolved")
	list, err := s.Store.ListAlerts(r.Context(), storage.AlertQuery{
		Limit:          queryInt(r, "limit", 50),
		UnresolvedOnly: unresolved == "1" || strings.EqualFold(unresolved, "true"),
	})
	if err != nil {
		s.storeError(w, "list alerts", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": list, "count": len(list)})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	if s.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "storage disabled")
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid alert id")
		return
	}
	alert, err := s.Store.ResolveAlert(r.Context(), id)
	if errors.Is(err, storage.ErrAlertNotFound) {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	if err != nil {
		s.storeError(w, "resolve alert", err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleReadings(w http.ResponseWriter, r *http.Request) {
	if s.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "storage disabled")
		return
	}
	q := storage.ReadingQuery{
		Serial: normalize.Serial(r.URL.Query().Get("serial")),
		Limit:  queryInt(r, "limit", 0),
	}
	var err error
	if q.From, err = queryTime(r, "from"); err != nil {
		writeError(w, http.StatusBadRequest, "invalid from")
		return
	}
	if q.To, err = queryTime(r, "to"); err != nil {
		writeError(w, http.StatusBadRequest, "invalid to")
		return
	}
	rows, err := s.Store.ListReadings(r.Context(), q)
	if err != nil {
		s.storeError(w, "list readings", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"readings": rows, "count": len(rows)})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var action string
	var value any
	if r.Method == http.MethodPost {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<16))
		if err != nil {
			writeError(w, http.StatusBadRequest, "unreadable body")
			return
		}
		var req struct {
			Action string `json:"action"`
			Value  any    `json:"value"`
		}
		if len(bytes.TrimSpace(body)) > 0 {
			dec := json.NewDecoder(bytes.NewReader(body))
			dec.UseNumber()
			if err := dec.Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid json")
				return
			}
		}
		action, value = req.Action, req.Value
	} else {
		action = r.URL.Query().Get("action")
		if r.URL.Query().Has("value") {
			value = r.URL.Query().Get("value")
		}
	}
	cmd, err := command.Build(action, value)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.Relay == nil {
		writeError(w, http.StatusServiceUnavailable, command.ErrNoTransport.Error())
		return
	}
	sent, err := s.Relay.Send(cmd)
	switch {
	case errors.Is(err, command.ErrNoTransport):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "sent", "topic": s.Relay.Topic(), "cmd": sent})
}

func (s *Server) detection() detectionConfig {
	p := s.Pipeline.Leaks().Params()
	return detectionConfig{
		LeakFlowThreshold: p.Threshold,
		LeakMinSeconds:    p.MinDuration.Seconds(),
		LeakMinDuration:   p.MinDuration.String(),
		Enabled:           p.Enabled(),
	}
}

func (s *Server) handleGetDetection(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"detection": s.detection()})
}

func (s *Server) handlePutDetection(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<16))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	var req struct {
		LeakFlowThreshold *float64 `json:"leak_flow_threshold"`
		LeakMinSeconds    *float64 `json:"leak_min_seconds"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.LeakFlowThreshold != nil && *req.LeakFlowThreshold < 0 {
		writeError(w, http.StatusBadRequest, "leak_flow_threshold must be >= 0")
		return
	}
	if req.LeakMinSeconds != nil && *req.LeakMinSeconds < 0 {
		writeError(w, http.StatusBadRequest, "leak_min_seconds must be >= 0")
		return
	}
	next, err := s.Config.Update(func(c *config.Config) {
		if req.LeakFlowThreshold != nil {
			c.Detection.LeakFlowThreshold = *req.LeakFlowThreshold
		}
		if req.LeakMinSeconds != nil {
			c.Detection.LeakMinDuration = time.Duration(*req.LeakMinSeconds * float64(time.Second))
		}
	})
	if err != nil {
		if s.Logger != nil {
			s.Logger.Error("config update failed", "err", err)
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.Pipeline.Leaks().UpdateConfig(next)
	if s.Logger != nil {
		s.Logger.Info("detection config updated",
			"leak_flow_threshold", next.Detection.LeakFlowThreshold,
			"leak_min_duration", next.Detection.LeakMinDuration.String(),
		)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "detection": s.detection()})
}

func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	if s.Logger != nil {
		s.Logger.Error(op+" failed", "err", err)
	}
	writeError(w, http.StatusInternalServerError, "storage error")
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// queryTime accepts epoch milliseconds or any layout normalize.ParseTimestamp knows.
func queryTime(r *http.Request, key string) (int64, error) {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n, nil
	}
	ts, err := normalize.ParseTimestamp(v, time.UTC)
	if err != nil {
		return 0, err
	}
	return ts.UnixMilli(), nil
}
