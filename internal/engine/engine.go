package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"flowguard/internal/alerts"
	"flowguard/internal/config"
	"flowguard/internal/metrics"
	"flowguard/internal/model"
	"flowguard/internal/storage"
)

const (
	EventAlert    = "alert"
	unknownSerial = "UNKNOWN"
	recentAlerts  = 500
)

type AlertStore interface {
	FindDeviceBySerial(ctx context.Context, serial string) (model.Device, error)
	SaveAlert(ctx context.Context, alert model.Alert) (int64, error)
}

type Emitter interface {
	Emit(event string, payload any) error
}

// AlertEvent is the live notification payload for a raised alert.
type AlertEvent struct {
	ID          int64   `json:"id,omitempty"`
	Type        string  `json:"type"`
	Message     string  `json:"message"`
	Serial      string  `json:"serial"`
	FlowLmin    float64 `json:"flowLmin"`
	PeakFlow    float64 `json:"peakFlow"`
	Threshold   float64 `json:"threshold"`
	Duration    float64 `json:"duration"`
	TotalLiters float64 `json:"totalLiters"`
	TS          int64   `json:"ts"`
}

type Engine struct {
	logger *slog.Logger
	store  AlertStore
	sink   Emitter
	recent *alerts.Recent
	params atomic.Value

	mu     sync.Mutex
	states map[string]LeakState
}

// NewEngine builds a leak detector. store and sink may be nil.
func NewEngine(cfg *config.Config, logger *slog.Logger, store AlertStore, sink Emitter) *Engine {
	e := &Engine{
		logger: logger,
		store:  store,
		sink:   sink,
		recent: alerts.NewRecent(recentAlerts),
		states: make(map[string]LeakState),
	}
	e.UpdateConfig(cfg)
	return e
}

func (e *Engine) UpdateConfig(cfg *config.Config) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	e.params.Store(Params{
		Threshold:   cfg.Detection.LeakFlowThreshold,
		MinDuration: cfg.Detection.LeakMinDuration,
	})
}

func (e *Engine) Params() Params {
	if v := e.params.Load(); v != nil {
		return v.(Params)
	}
	return Params{}
}

// Process advances the serial's state with r and carries out any resulting alerts.
// It returns the alerts raised by this reading.
func (e *Engine) Process(ctx context.Context, r model.Reading) []model.Alert {
	p := e.Params()
	serial := r.Serial
	if serial == "" {
		serial = unknownSerial
	}

	e.mu.Lock()
	prev, existed := e.states[serial]
	next, effects := Step(prev, r, p, serial)
	if next.Phase == PhaseIdle {
		delete(e.states, serial)
	} else {
		e.states[serial] = next
	}
	open := len(e.states)
	e.mu.Unlock()

	metrics.LeakWindows.Set(float64(open))
	if existed && next.Phase == PhaseIdle && e.logger != nil {
		e.logger.Debug("leak window closed", "serial", serial, "peak_flow", prev.PeakFlow)
	}
	if len(effects) == 0 {
		return nil
	}
	out := make([]model.Alert, 0, len(effects))
	for _, eff := range effects {
		out = append(out, e.raise(ctx, eff.Alert))
	}
	return out
}

func (e *Engine) raise(ctx context.Context, alert model.Alert) model.Alert {
	metrics.LeakAlerts.Inc()
	if e.store != nil {
		dev, err := e.store.FindDeviceBySerial(ctx, alert.Serial)
		switch {
		case err == nil:
			id := dev.ID
			alert.DeviceID = &id
		case errors.Is(err, storage.ErrUnknownDevice):
		default:
			if e.logger != nil {
				e.logger.Warn("alert device lookup failed", "serial", alert.Serial, "err", err)
			}
		}
		id, err := e.store.SaveAlert(ctx, alert)
		if err != nil {
			metrics.PersistenceErrors.WithLabelValues("save_alert").Inc()
			if e.logger != nil {
				e.logger.Error("alert persist failed", "serial", alert.Serial, "err", err)
			}
		} else {
			alert.ID = id
		}
	}
	e.recent.Add(alert)
	if e.logger != nil {
		e.logger.Warn("leak alert",
			"serial", alert.Serial,
			"alert_id", alert.ID,
			"threshold", alert.Threshold,
			"peak_flow", alert.PeakFlow,
			"duration_seconds", alert.DurationSeconds,
		)
	}
	if e.sink != nil {
		if err := e.sink.Emit(EventAlert, NewAlertEvent(alert)); err != nil {
			metrics.NotificationErrors.WithLabelValues(EventAlert).Inc()
			if e.logger != nil {
				e.logger.Warn("alert notification failed", "serial", alert.Serial, "err", err)
			}
		}
	}
	return alert
}

func NewAlertEvent(a model.Alert) AlertEvent {
	return AlertEvent{
		ID:          a.ID,
		Type:        a.Kind,
		Message:     a.Message,
		Serial:      a.Serial,
		FlowLmin:    a.FlowLmin,
		PeakFlow:    a.PeakFlow,
		Threshold:   a.Threshold,
		Duration:    a.DurationSeconds,
		TotalLiters: a.TotalLiters,
		TS:          a.DetectedAt.UnixMilli(),
	}
}

// RecentAlerts lists alerts raised by this process, newest first. A non-zero
// since keeps only alerts detected at or after it.
func (e *Engine) RecentAlerts(limit int, since time.Time) []model.Alert {
	return e.recent.List(limit, since)
}

// Reset drops every transient leak window. Persisted alerts are untouched.
func (e *Engine) Reset() int {
	e.mu.Lock()
	n := len(e.states)
	e.states = make(map[string]LeakState)
	e.mu.Unlock()
	metrics.LeakWindows.Set(0)
	return n
}

func (e *Engine) States() map[string]LeakState {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]LeakState, len(e.states))
	for k, v := range e.states {
		out[k] = v
	}
	return out
}
