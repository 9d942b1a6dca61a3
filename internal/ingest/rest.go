package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"flowguard/internal/model"
)

const maxRESTBody = 2 << 20

// RESTHandler accepts readings over HTTP and queues them for the pipeline like any transport.
type RESTHandler struct {
	out    chan<- model.Message
	logger *slog.Logger
}

func NewRESTHandler(out chan<- model.Message, logger *slog.Logger) *RESTHandler {
	return &RESTHandler{out: out, logger: logger}
}

func (h *RESTHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRESTBody))
	if err != nil {
		writeStatus(w, http.StatusBadRequest, map[string]any{"error": "body too large or unreadable"})
		return
	}
	objs, err := DecodeObjects(SourceREST, body)
	if err != nil {
		var de *DecodeError
		if errors.As(err, &de) && h.logger != nil {
			h.logger.Warn("rest payload rejected", "err", err)
		}
		writeStatus(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	msg := model.Message{Topic: r.URL.Path, Payload: body, Source: SourceREST, Received: time.Now()}
	if !SendNonBlocking(context.Background(), h.out, msg, h.logger) {
		writeStatus(w, http.StatusServiceUnavailable, map[string]any{"error": "ingest queue full"})
		return
	}
	writeStatus(w, http.StatusAccepted, map[string]any{"status": "queued", "accepted": len(objs)})
}

func writeStatus(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
