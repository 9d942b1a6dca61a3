package command

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"

	"flowguard/internal/model"
)

var (
	ErrMissingAction = errors.New("command: action is required")
	ErrNoTransport   = errors.New("command: no publisher configured")
)

type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Relay forwards device commands onto the command topic unchanged.
type Relay struct {
	pub    Publisher
	topic  string
	logger *slog.Logger
}

func NewRelay(pub Publisher, topic string, logger *slog.Logger) *Relay {
	return &Relay{pub: pub, topic: topic, logger: logger}
}

func (r *Relay) Topic() string {
	return r.topic
}

// Build assembles a command; numeric strings become numbers, anything else is kept as given.
func Build(action string, value any) (model.Command, error) {
	action = strings.TrimSpace(action)
	if action == "" {
		return model.Command{}, ErrMissingAction
	}
	return model.Command{Action: action, Value: coerce(value)}, nil
}

func coerce(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return f
		}
		return t
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	default:
		return v
	}
}

func (r *Relay) Send(cmd model.Command) (model.Command, error) {
	if cmd.Action == "" {
		return cmd, ErrMissingAction
	}
	if r.pub == nil {
		return cmd, ErrNoTransport
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return cmd, err
	}
	if err := r.pub.Publish(r.topic, payload); err != nil {
		if r.logger != nil {
			r.logger.Error("command publish failed", "topic", r.topic, "action", cmd.Action, "err", err)
		}
		return cmd, err
	}
	if r.logger != nil {
		r.logger.Info("command sent", "topic", r.topic, "action", cmd.Action)
	}
	return cmd, nil
}
