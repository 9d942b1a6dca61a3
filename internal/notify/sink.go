package notify

import (
	"encoding/json"
	"errors"
	"time"
)

const (
	EventData        = "data"
	EventAlert       = "alert"
	EventHistoryInit = "history:init"
)

var ErrDropped = errors.New("notify: event dropped")

type Sink interface {
	Emit(event string, payload any) error
}

// Envelope is the wire shape for every live event.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	TS      int64           `json:"ts"`
}

func Encode(event string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: event, Payload: body, TS: time.Now().UnixMilli()})
}

// Multi emits to every sink and joins their errors.
type Multi []Sink

func (m Multi) Emit(event string, payload any) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Emit(event, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type nop struct{}

func (nop) Emit(string, any) error { return nil }

func Nop() Sink { return nop{} }
