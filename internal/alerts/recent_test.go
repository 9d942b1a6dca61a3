package alerts

import (
	"testing"
	"time"

	"flowguard/internal/model"
)

func TestRecentKeepsNewestFirst(t *testing.T) {
	s := NewRecent(3)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		s.Add(model.Alert{Serial: "X", PeakFlow: float64(i), DetectedAt: base.Add(time.Duration(i) * time.Minute)})
	}
	if s.Len() != 3 {
		t.Fatalf("expected 3 alerts, got %d", s.Len())
	}
	got := s.List(0, time.Time{})
	if len(got) != 3 || got[0].PeakFlow != 4 || got[1].PeakFlow != 3 || got[2].PeakFlow != 2 {
		t.Fatalf("unexpected order: %+v", got)
	}
	if got := s.List(1, time.Time{}); len(got) != 1 || got[0].PeakFlow != 4 {
		t.Fatalf("unexpected limited list: %+v", got)
	}
}

func TestRecentSince(t *testing.T) {
	s := NewRecent(10)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.Add(model.Alert{Serial: "A", DetectedAt: base})
	s.Add(model.Alert{Serial: "B", DetectedAt: base.Add(time.Hour)})
	s.Add(model.Alert{Serial: "C", DetectedAt: base.Add(2 * time.Hour)})

	got := s.List(0, base.Add(time.Minute))
	if len(got) != 2 || got[0].Serial != "C" || got[1].Serial != "B" {
		t.Fatalf("unexpected since result: %+v", got)
	}
	if got := s.List(1, base.Add(time.Minute)); len(got) != 1 || got[0].Serial != "C" {
		t.Fatalf("unexpected limited since result: %+v", got)
	}
	if got := NewRecent(0).List(5, time.Time{}); got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil list, got %#v", got)
	}
}
