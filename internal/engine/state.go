package engine

import (
	"fmt"
	"time"

	"flowguard/internal/model"
)

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseRising
	PhaseAlerted
)

func (p Phase) String() string {
	switch p {
	case PhaseRising:
		return "rising"
	case PhaseAlerted:
		return "alerted"
	default:
		return "idle"
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// LeakState is the per-serial detector state. The zero value is Idle.
// Times are reading timestamps in milliseconds.
type LeakState struct {
	Phase              Phase   `json:"phase"`
	WindowStart        int64   `json:"window_start"`
	LastSeen           int64   `json:"last_seen"`
	PeakFlow           float64 `json:"peak_flow"`
	TotalLitersAtStart float64 `json:"total_liters_at_start"`
}

func (s LeakState) Duration() time.Duration {
	return time.Duration(s.LastSeen-s.WindowStart) * time.Millisecond
}

type Params struct {
	Threshold   float64
	MinDuration time.Duration
}

func (p Params) Enabled() bool {
	return p.Threshold > 0
}

// Effect is an alert the caller must persist and broadcast.
type Effect struct {
	Alert model.Alert
}

// Step computes the next state for one reading. It performs no I/O.
func Step(st LeakState, r model.Reading, p Params, serial string) (LeakState, []Effect) {
	if !p.Enabled() || r.FlowLmin < p.Threshold {
		return LeakState{}, nil
	}
	now := r.TimestampMillis
	if st.Phase == PhaseIdle {
		st = LeakState{
			Phase:              PhaseRising,
			WindowStart:        now,
			LastSeen:           now,
			PeakFlow:           r.FlowLmin,
			TotalLitersAtStart: r.TotalLiters,
		}
	} else {
		st.LastSeen = now
		if r.FlowLmin > st.PeakFlow {
			st.PeakFlow = r.FlowLmin
		}
	}
	if st.Phase != PhaseRising || st.Duration() < p.MinDuration {
		return st, nil
	}
	st.Phase = PhaseAlerted
	return st, []Effect{{Alert: buildAlert(st, r, p, serial)}}
}

func buildAlert(st LeakState, r model.Reading, p Params, serial string) model.Alert {
	dur := st.Duration().Seconds()
	return model.Alert{
		Serial:          serial,
		Kind:            model.AlertKindLeak,
		Message:         fmt.Sprintf("leak: flow >= %.2f L/min for %.1fs (peak %.2f L/min)", p.Threshold, dur, st.PeakFlow),
		Threshold:       p.Threshold,
		FlowLmin:        r.FlowLmin,
		PeakFlow:        st.PeakFlow,
		TotalLiters:     r.TotalLiters,
		DurationSeconds: dur,
		DetectedAt:      r.Time(),
	}
}
