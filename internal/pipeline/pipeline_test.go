package pipeline

import (
	"bytes"
	"context"
	"errors"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowguard/internal/config"
	"flowguard/internal/engine"
	"flowguard/internal/history"
	"flowguard/internal/ingest"
	"flowguard/internal/logging"
	"flowguard/internal/model"
	"flowguard/internal/notify"
	"flowguard/internal/storage"
)

type emitted struct {
	event   string
	payload any
	latest  model.Reading
}

// recordingSink captures events together with the history's last value at emit time.
type recordingSink struct {
	mu     sync.Mutex
	buf    *history.Buffer
	events []emitted
	err    error
}

func (s *recordingSink) Emit(event string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := emitted{event: event, payload: payload}
	if s.buf != nil {
		e.latest, _ = s.buf.Latest()
	}
	s.events = append(s.events, e)
	return s.err
}

func (s *recordingSink) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.event)
	}
	return out
}

type fixture struct {
	cfg   *config.Config
	buf   *history.Buffer
	store *storage.SQLStore
	sink  *recordingSink
	eng   *engine.Engine
	p     *Pipeline
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Detection.LeakFlowThreshold = 3
	cfg.Detection.LeakMinDuration = 0
	if mutate != nil {
		mutate(cfg)
	}
	dsn := "file:" + filepath.Join(t.TempDir(), "pipeline.db") + "?_pragma=foreign_keys(1)"
	store, err := storage.NewSQLite(dsn)
	require.NoError(t, err)
	require.NoError(t, store.Init(context.Background()))
	t.Cleanup(func() { _ = store.Close() })

	buf := history.NewBuffer(cfg.History.Limit, cfg.History.SerialLimit)
	sink := &recordingSink{buf: buf}
	logger := logging.Discard()
	eng := engine.NewEngine(cfg, logger, store, sink)
	return &fixture{
		cfg:   cfg,
		buf:   buf,
		store: store,
		sink:  sink,
		eng:   eng,
		p:     New(cfg, logger, buf, eng, store, sink),
	}
}

func (f *fixture) readings(t *testing.T) []model.StoredReading {
	t.Helper()
	rows, err := f.store.ListReadings(context.Background(), storage.ReadingQuery{})
	require.NoError(t, err)
	return rows
}

func (f *fixture) alerts(t *testing.T) []model.Alert {
	t.Helper()
	rows, err := f.store.ListAlerts(context.Background(), storage.AlertQuery{Limit: 100})
	require.NoError(t, err)
	return rows
}

func TestUnknownDeviceIsCachedNotPersisted(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Detection.LeakFlowThreshold = 0 })
	n, err := f.p.Handle(context.Background(), model.Message{
		Source:  ingest.SourceMQTT,
		Topic:   "hidrometro/leandro/dados",
		Payload: []byte(`{"numeroSerie":"X1","totalLiters":100,"flowLmin":2}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	latest, ok := f.buf.Latest()
	require.True(t, ok)
	assert.Equal(t, "X1", latest.Serial)
	assert.Equal(t, 100.0, latest.TotalLiters)
	assert.Equal(t, 1, f.buf.Len())

	assert.Empty(t, f.readings(t))
	assert.Empty(t, f.alerts(t))
	assert.Equal(t, []string{notify.EventData}, f.sink.names())
}

func TestRegisteredDeviceAlertsInSameCall(t *testing.T) {
	f := newFixture(t, nil)
	dev, err := f.store.UpsertDevice(context.Background(), model.Device{Serial: "X1"})
	require.NoError(t, err)

	_, err = f.p.Handle(context.Background(), model.Message{
		Source:  ingest.SourceMQTT,
		Payload: []byte(`{"numeroSerie":"x1","totalLiters":100,"flowLmin":5}`),
	})
	require.NoError(t, err)

	rows := f.readings(t)
	require.Len(t, rows, 1)
	assert.Equal(t, dev.ID, rows[0].DeviceID)

	alerts := f.alerts(t)
	require.Len(t, alerts, 1)
	require.NotNil(t, alerts[0].DeviceID)
	assert.Equal(t, dev.ID, *alerts[0].DeviceID)
	assert.Equal(t, 5.0, alerts[0].PeakFlow)

	assert.Equal(t, []string{notify.EventData, notify.EventAlert}, f.sink.names())
	ev, ok := f.sink.events[1].payload.(engine.AlertEvent)
	require.True(t, ok)
	assert.Equal(t, alerts[0].ID, ev.ID)

	// still above threshold: no second alert for the same window
	_, err = f.p.Handle(context.Background(), model.Message{Payload: []byte(`{"numeroSerie":"X1","flowLmin":6}`)})
	require.NoError(t, err)
	assert.Len(t, f.alerts(t), 1)
}

func TestHistoryUpdatedBeforeNotification(t *testing.T) {
	f := newFixture(t, nil)
	_, ok := f.p.Ingest(context.Background(), map[string]any{"numeroSerie": "A1", "ts": 1_700_000_000_000.0, "flowLmin": 1.0})
	require.True(t, ok)
	require.Len(t, f.sink.events, 1)
	got := f.sink.events[0]
	assert.Equal(t, notify.EventData, got.event)
	assert.Equal(t, got.payload, got.latest)
}

type failingStore struct {
	storage.Gateway
	saves int
}

func (f *failingStore) FindDeviceBySerial(context.Context, string) (model.Device, error) {
	return model.Device{ID: 1, Serial: "X1"}, nil
}

func (f *failingStore) SaveReading(context.Context, model.Reading, int64) error {
	f.saves++
	return &storage.PersistenceError{Op: "save_reading", Err: errors.New("database is locked")}
}

func TestPersistenceFailureDoesNotStopPipeline(t *testing.T) {
	cfg := config.DefaultConfig()
	buf := history.NewBuffer(10, 10)
	sink := &recordingSink{err: notify.ErrDropped}
	store := &failingStore{}
	var out bytes.Buffer
	p := New(cfg, logging.New(&out, "info", "json"), buf, engine.NewEngine(cfg, nil, nil, nil), store, sink)

	for i := 0; i < 3; i++ {
		_, ok := p.Ingest(context.Background(), map[string]any{"numeroSerie": "X1", "flowLmin": float64(i)})
		require.True(t, ok)
	}
	assert.Equal(t, 3, store.saves)
	assert.Equal(t, 3, buf.Len())
	assert.Len(t, sink.names(), 3)
	assert.Equal(t, 1, strings.Count(out.String(), "reading persist failed"))
	assert.Contains(t, out.String(), `"service":"flowguard"`)
}

func TestLogThrottle(t *testing.T) {
	th := newLogThrottle()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.True(t, th.Allow("a", now, time.Minute))
	assert.False(t, th.Allow("a", now.Add(30*time.Second), time.Minute))
	assert.True(t, th.Allow("b", now.Add(30*time.Second), time.Minute))
	assert.True(t, th.Allow("a", now.Add(time.Minute), time.Minute))
	assert.True(t, th.Allow("a", now, 0))
}

func TestLogThrottleCompactsExpiredKeys(t *testing.T) {
	th := newLogThrottle()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < throttleCompactAt; i++ {
		require.True(t, th.Allow("save_reading|S"+strconv.Itoa(i), now, time.Minute))
	}
	assert.Equal(t, throttleCompactAt, th.Len())

	assert.True(t, th.Allow("save_reading|FRESH", now.Add(time.Minute), time.Minute))
	assert.Equal(t, 1, th.Len())
}

func TestDecodeErrorDropsMessage(t *testing.T) {
	f := newFixture(t, nil)
	n, err := f.p.Handle(context.Background(), model.Message{Source: ingest.SourceMQTT, Payload: []byte("{broken")})
	var de *ingest.DecodeError
	require.ErrorAs(t, err, &de)
	assert.Zero(t, n)
	assert.Zero(t, f.buf.Len())
	assert.Empty(t, f.sink.names())
}

func TestArrayPayloadIngestsEach(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Detection.LeakFlowThreshold = 0 })
	n, err := f.p.Handle(context.Background(), model.Message{
		Source:  ingest.SourceREST,
		Payload: []byte(`[{"ts":1,"flowLmin":1},{"ts":2,"flowLmin":2},{"ts":3,"flowLmin":3}]`),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	snap := f.buf.Snapshot(0)
	require.Len(t, snap, 3)
	assert.Equal(t, int64(3), snap[2].TimestampMillis)
}

func TestCommandTopicIgnored(t *testing.T) {
	f := newFixture(t, nil)
	n, err := f.p.Handle(context.Background(), model.Message{
		Source:  ingest.SourceMQTT,
		Topic:   f.cfg.Commands.Topic,
		Payload: []byte(`{"action":"reset"}`),
	})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, f.buf.Len())
}

func TestDedupeWindow(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Ingest.DedupeWindow = time.Minute
		c.Detection.LeakFlowThreshold = 0
	})
	payload := []byte(`{"numeroSerie":"X1","ts":1700000000000,"totalLiters":5,"flowLmin":1}`)
	for i := 0; i < 3; i++ {
		_, err := f.p.Handle(context.Background(), model.Message{Payload: payload})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, f.buf.Len())

	cfg := config.DefaultConfig()
	cfg.Ingest.DedupeWindow = 0
	f.p.UpdateConfig(cfg)
	_, err := f.p.Handle(context.Background(), model.Message{Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, 2, f.buf.Len())
}

func TestDefaultSerialApplied(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Ingest.Parser.DefaultSerial = "HX-DEFAULT" })
	r, ok := f.p.Ingest(context.Background(), map[string]any{"flowLmin": 1.0})
	require.True(t, ok)
	assert.Equal(t, "HX-DEFAULT", r.Serial)
}

func TestRunDrainsUntilClosed(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Detection.LeakFlowThreshold = 0 })
	in := make(chan model.Message, 4)
	in <- model.Message{Payload: []byte(`{"flowLmin":1}`)}
	in <- model.Message{Payload: []byte(`garbage`)}
	in <- model.Message{Payload: []byte(`{"flowLmin":2}`)}
	close(in)

	done := make(chan struct{})
	go func() {
		f.p.Run(context.Background(), in)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("run did not return after channel close")
	}
	assert.Equal(t, 2, f.buf.Len())
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.p.Run(ctx, make(chan model.Message))
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("run did not stop on cancel")
	}
}

func TestDedupeCacheExpiresInArrivalOrder(t *testing.T) {
	d := newDedupeCache()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := model.Reading{Serial: "A", TimestampMillis: 1, FlowLmin: 2}
	b := model.Reading{Serial: "B", TimestampMillis: 1, FlowLmin: 2}

	assert.False(t, d.Seen(a, now, time.Minute))
	assert.False(t, d.Seen(b, now.Add(30*time.Second), time.Minute))
	assert.True(t, d.Seen(a, now.Add(59*time.Second), time.Minute))
	assert.Equal(t, 2, d.Len())

	// a expires, b is still inside its window
	assert.False(t, d.Seen(a, now.Add(61*time.Second), time.Minute))
	assert.True(t, d.Seen(b, now.Add(80*time.Second), time.Minute))

	assert.False(t, d.Seen(b, now.Add(5*time.Minute), time.Minute))
	assert.Equal(t, 1, d.Len())
}

func TestStalledRedisDoesNotSlowIngestion(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	held := make(chan net.Conn, 16)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			held <- c
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		for {
			select {
			case c := <-held:
				_ = c.Close()
			default:
				return
			}
		}
	})

	cfg := config.DefaultConfig()
	cfg.Notify.Redis.Addr = ln.Addr().String()
	redisSink := notify.NewRedisSink(cfg.Notify.Redis, nil)
	t.Cleanup(func() { _ = redisSink.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go redisSink.Run(ctx)

	buf := history.NewBuffer(10, 10)
	sinks := notify.Multi{redisSink}
	p := New(cfg, logging.Discard(), buf, engine.NewEngine(cfg, nil, nil, sinks), nil, sinks)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, ok := p.Ingest(context.Background(), map[string]any{"numeroSerie": "X1", "ts": float64(i + 1), "flowLmin": 1.0})
		require.True(t, ok)
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, 3, buf.Len())
}
