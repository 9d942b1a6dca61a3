package history

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowguard/internal/model"
)

func entry(i int) model.HistoryEntry {
	return model.HistoryEntry{TimestampMillis: int64(i), TotalLiters: float64(i), FlowLmin: 1}
}

func TestAppendEvictsOldest(t *testing.T) {
	const capacity = 5
	b := NewBuffer(capacity, 0)
	for i := 0; i < capacity+3; i++ {
		b.Append(entry(i))
	}
	require.Equal(t, capacity, b.Len())
	got := b.Snapshot(0)
	require.Len(t, got, capacity)
	for i, e := range got {
		assert.Equal(t, int64(i+3), e.TimestampMillis)
	}
}

func TestSnapshotLimit(t *testing.T) {
	b := NewBuffer(10, 0)
	for i := 0; i < 4; i++ {
		b.Append(entry(i))
	}
	got := b.Snapshot(2)
	require.Len(t, got, 2)
	assert.Equal(t, int64(2), got[0].TimestampMillis)
	assert.Equal(t, int64(3), got[1].TimestampMillis)

	assert.Len(t, b.Snapshot(100), 4)
	assert.Equal(t, 4, b.Len())
}

func TestSnapshotIsCopy(t *testing.T) {
	b := NewBuffer(3, 0)
	b.Append(entry(1))
	snap := b.Snapshot(0)
	snap[0].TotalLiters = 999
	assert.Equal(t, 1.0, b.Snapshot(0)[0].TotalLiters)
}

func TestDefaultCapacity(t *testing.T) {
	b := NewBuffer(0, 0)
	assert.Equal(t, DefaultCapacity, b.Cap())
}

func TestRecordUpdatesLatest(t *testing.T) {
	b := NewBuffer(3, 0)
	_, ok := b.Latest()
	assert.False(t, ok)

	b.Record(model.Reading{TimestampMillis: 10, TotalLiters: 5, FlowLmin: 1, Serial: "A"})
	b.Record(model.Reading{TimestampMillis: 20, TotalLiters: 6, FlowLmin: 2, Serial: "B"})

	latest, ok := b.Latest()
	require.True(t, ok)
	assert.Equal(t, "B", latest.Serial)
	assert.Equal(t, 2, b.Len())

	a, _, ok := b.LatestFor("A")
	require.True(t, ok)
	assert.Equal(t, 5.0, a.TotalLiters)
	assert.Len(t, b.Serials(), 2)
}

func TestSerialIndexEvictsLeastRecent(t *testing.T) {
	idx := newSerialIndex(2)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	idx.put(model.Reading{Serial: "A"}, base)
	idx.put(model.Reading{Serial: "B"}, base.Add(time.Second))
	idx.put(model.Reading{Serial: "A"}, base.Add(2*time.Second))
	idx.put(model.Reading{Serial: "C"}, base.Add(3*time.Second))

	_, _, ok := idx.get("B")
	assert.False(t, ok)
	_, _, ok = idx.get("A")
	assert.True(t, ok)
	_, _, ok = idx.get("C")
	assert.True(t, ok)
}

func TestClear(t *testing.T) {
	b := NewBuffer(3, 0)
	b.Record(model.Reading{TimestampMillis: 1, Serial: "A"})
	b.Clear()
	assert.Equal(t, 0, b.Len())
	_, ok := b.Latest()
	assert.False(t, ok)
	assert.Empty(t, b.Serials())
}

func TestConcurrentReadersSingleWriter(t *testing.T) {
	b := NewBuffer(50, 0)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			b.Record(model.Reading{TimestampMillis: int64(i), TotalLiters: float64(i), FlowLmin: float64(i)})
		}
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				snap := b.Snapshot(10)
				for j := 1; j < len(snap); j++ {
					if snap[j].TimestampMillis <= snap[j-1].TimestampMillis {
						t.Errorf("snapshot out of order: %v", snap)
						return
					}
				}
				for _, e := range snap {
					if e.TotalLiters != float64(e.TimestampMillis) || e.FlowLmin != float64(e.TimestampMillis) {
						t.Errorf("torn entry: %+v", e)
						return
					}
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, b.Len())
}
