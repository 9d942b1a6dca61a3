package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"flowguard/internal/config"
	"flowguard/internal/engine"
	"flowguard/internal/history"
	"flowguard/internal/ingest"
	"flowguard/internal/metrics"
	"flowguard/internal/model"
	"flowguard/internal/normalize"
	"flowguard/internal/notify"
	"flowguard/internal/storage"
)

type Options struct {
	DefaultSerial string
	DedupeWindow  time.Duration
	CommandTopic  string
}

// Pipeline owns the per-process ingestion state. Messages are handled one at a time
// by Run; the history buffer and leak engine are safe to read from other goroutines.
type Pipeline struct {
	logger  *slog.Logger
	history *history.Buffer
	leaks   *engine.Engine
	store   storage.Gateway
	sink    notify.Sink
	dedupe  *dedupeCache
	logs    *logThrottle
	opts    atomic.Value
	now     func() time.Time
}

// New wires the pipeline. store and sink may be nil.
func New(cfg *config.Config, logger *slog.Logger, buf *history.Buffer, leaks *engine.Engine, store storage.Gateway, sink notify.Sink) *Pipeline {
	p := &Pipeline{
		logger:  logger,
		history: buf,
		leaks:   leaks,
		store:   store,
		sink:    sink,
		dedupe:  newDedupeCache(),
		logs:    newLogThrottle(),
		now:     time.Now,
	}
	p.UpdateConfig(cfg)
	return p
}

func (p *Pipeline) UpdateConfig(cfg *config.Config) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	p.opts.Store(Options{
		DefaultSerial: cfg.Ingest.Parser.DefaultSerial,
		DedupeWindow:  cfg.Ingest.DedupeWindow,
		CommandTopic:  cfg.Commands.Topic,
	})
}

func (p *Pipeline) Options() Options {
	if v := p.opts.Load(); v != nil {
		return v.(Options)
	}
	return Options{}
}

func (p *Pipeline) History() *history.Buffer {
	return p.history
}

func (p *Pipeline) Leaks() *engine.Engine {
	return p.leaks
}

// Run drains in until ctx is cancelled or in is closed. A failing message never stops the loop.
func (p *Pipeline) Run(ctx context.Context, in <-chan model.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			if _, err := p.Handle(ctx, msg); err != nil && p.logger != nil {
				p.logger.Warn("message dropped", "source", msg.Source, "topic", msg.Topic, "err", err)
			}
		}
	}
}

// Handle decodes one transport message and ingests every reading it carries.
func (p *Pipeline) Handle(ctx context.Context, msg model.Message) (int, error) {
	start := time.Now()
	defer func() { metrics.ProcessingSeconds.Observe(time.Since(start).Seconds()) }()

	opts := p.Options()
	if opts.CommandTopic != "" && msg.Topic == opts.CommandTopic {
		metrics.MessagesDropped.WithLabelValues("command_topic").Inc()
		return 0, nil
	}
	objs, err := ingest.DecodeObjects(msg.Source, msg.Payload)
	if err != nil {
		metrics.MessagesDropped.WithLabelValues("decode").Inc()
		return 0, err
	}
	n := 0
	for _, obj := range objs {
		if _, ok := p.Ingest(ctx, obj); ok {
			n++
		}
	}
	return n, nil
}

// Ingest runs one decoded object through normalize, history, persistence, notification
// and leak detection, in that order. It reports false when the reading was a duplicate.
func (p *Pipeline) Ingest(ctx context.Context, obj map[string]any) (model.Reading, bool) {
	opts := p.Options()
	r := normalize.Normalize(obj, normalize.Options{DefaultSerial: opts.DefaultSerial, Now: p.now})

	if opts.DedupeWindow > 0 && p.dedupe.Seen(r, p.now(), opts.DedupeWindow) {
		metrics.MessagesDropped.WithLabelValues("duplicate").Inc()
		return r, false
	}

	p.history.Record(r)
	metrics.ReadingsProcessed.Inc()
	metrics.HistorySize.Set(float64(p.history.Len()))

	p.persist(ctx, r)
	p.emit(notify.EventData, r)
	if p.leaks != nil {
		p.leaks.Process(ctx, r)
	}
	return r, true
}

func (p *Pipeline) persist(ctx context.Context, r model.Reading) {
	if p.store == nil {
		return
	}
	if r.Serial == "" {
		metrics.ReadingsSkipped.WithLabelValues("no_serial").Inc()
		return
	}
	dev, err := p.store.FindDeviceBySerial(ctx, r.Serial)
	if errors.Is(err, storage.ErrUnknownDevice) {
		metrics.ReadingsSkipped.WithLabelValues("unknown_device").Inc()
		if p.logger != nil {
			p.logger.Debug("reading not persisted, device not registered", "serial", r.Serial)
		}
		return
	}
	if err != nil {
		metrics.PersistenceErrors.WithLabelValues("find_device").Inc()
		if p.logger != nil && p.logs.Allow("find_device", p.now(), persistLogEvery) {
			p.logger.Warn("device lookup failed", "serial", r.Serial, "err", err)
		}
		return
	}
	if err := p.store.SaveReading(ctx, r, dev.ID); err != nil {
		metrics.PersistenceErrors.WithLabelValues("save_reading").Inc()
		if p.logger != nil && p.logs.Allow("save_reading|"+r.Serial, p.now(), persistLogEvery) {
			p.logger.Error("reading persist failed", "serial", r.Serial, "device_id", dev.ID, "err", err)
		}
		return
	}
	metrics.ReadingsPersisted.Inc()
}

func (p *Pipeline) emit(event string, payload any) {
	if p.sink == nil {
		return
	}
	if err := p.sink.Emit(event, payload); err != nil {
		metrics.NotificationErrors.WithLabelValues(event).Inc()
		if p.logger == nil {
			return
		}
		if errors.Is(err, notify.ErrDropped) {
			p.logger.Debug("live update dropped", "event", event)
			return
		}
		p.logger.Warn("live update failed", "event", event, "err", err)
	}
}
