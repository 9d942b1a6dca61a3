package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"flowguard/internal/api"
	"flowguard/internal/command"
	"flowguard/internal/config"
	"flowguard/internal/engine"
	"flowguard/internal/history"
	"flowguard/internal/ingest"
	"flowguard/internal/logging"
	"flowguard/internal/model"
	"flowguard/internal/notify"
	"flowguard/internal/pipeline"
	"flowguard/internal/storage"
)

var version = "dev"

func main() {
	configPath := flag.String("config", os.Getenv("FLOWGUARD_CONFIG"), "path to a YAML or JSON config file; environment only when empty")
	flag.Parse()

	mgr, err := config.NewManager(config.ResolvePath(*configPath))
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}
	cfg := mgr.Get()
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, mgr, logger); err != nil {
		logger.Error("startup failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, mgr *config.Manager, logger *slog.Logger) error {
	cfg := mgr.Get()
	logger.Info("flowguard starting", "version", version, "config", mgr.Path())

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
		initCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err := store.Init(initCtx)
		if err == nil {
			err = storage.Seed(initCtx, store, cfg.Storage.SeedDevices)
		}
		cancel()
		if err != nil {
			return fmt.Errorf("storage init: %w", err)
		}
		logger.Info("storage ready", "driver", cfg.Storage.Driver, "seed_devices", len(cfg.Storage.SeedDevices))
	} else {
		logger.Info("storage disabled, readings are kept in memory only")
	}

	buf := history.NewBuffer(cfg.History.Limit, cfg.History.SerialLimit)

	var sinks notify.Multi
	var hub *notify.Hub
	if cfg.Notify.WebSocket.Enabled {
		hub = notify.NewHub(logger, buf, cfg.History.InitSize, cfg.Notify.WebSocket.Buffer)
		go hub.Run(ctx)
		sinks = append(sinks, hub)
	}
	var redisSink *notify.RedisSink
	if cfg.Notify.Redis.Enabled {
		redisSink = notify.NewRedisSink(cfg.Notify.Redis, logger)
		defer redisSink.Close()
		go redisSink.Run(ctx)
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := redisSink.Ping(pingCtx); err != nil {
			logger.Warn("redis not reachable, events are dropped until it recovers", "addr", cfg.Notify.Redis.Addr, "err", err)
		}
		cancel()
		sinks = append(sinks, redisSink)
	}

	eng := engine.NewEngine(cfg, logger, store, sinks)
	p := pipeline.New(cfg, logger, buf, eng, store, sinks)

	queue := make(chan model.Message, cfg.Ingest.ChannelBuffer)
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx, queue)
	}()

	var publisher command.Publisher
	var mqttSource *ingest.MQTTSource
	if cfg.Ingest.MQTT.Enabled {
		mqttSource = ingest.NewMQTT(ctx, cfg.Ingest.MQTT, queue, logger)
		mqttSource.Start()
		defer mqttSource.Close()
		publisher = mqttSource
	} else {
		logger.Info("mqtt ingest disabled")
	}
	ingest.StartKafka(ctx, cfg.Ingest.Kafka, queue, logger)

	relay := command.NewRelay(publisher, cfg.Commands.Topic, logger)

	go mgr.Watch(3*time.Second, func(next *config.Config) {
		eng.UpdateConfig(next)
		p.UpdateConfig(next)
		logger.Info("config reloaded",
			"leak_flow_threshold", next.Detection.LeakFlowThreshold,
			"leak_min_duration", next.Detection.LeakMinDuration.String(),
		)
	}, func(err error) {
		logger.Warn("config reload failed", "err", err)
	}, ctx.Done())

	if cfg.API.Enabled {
		deps := api.Deps{
			Config:   mgr,
			Pipeline: p,
			Store:    store,
			Relay:    relay,
			Ingest:   ingest.NewRESTHandler(queue, logger),
			Logger:   logger,
			Version:  version,
		}
		if hub != nil {
			deps.Live = hub
		}
		if redisSink != nil {
			deps.Latest = redisSink
		}
		if mqttSource != nil {
			deps.MQTT = mqttSource
		}
		api.Start(ctx, cfg.API.Addr, api.NewServer(deps))
	} else {
		logger.Info("api disabled")
	}

	<-ctx.Done()
	logger.Info("shutting down")
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logger.Warn("pipeline did not drain in time")
	}
	return nil
}
