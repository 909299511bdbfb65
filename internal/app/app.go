package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/yungbote/dflow/internal/engine/backend"
	_ "github.com/yungbote/dflow/internal/engine/backend/postgres"
	_ "github.com/yungbote/dflow/internal/engine/backend/sqlite"
	"github.com/yungbote/dflow/internal/engine/descriptoroverlay"
	"github.com/yungbote/dflow/internal/engine/dispatcher"
	"github.com/yungbote/dflow/internal/engine/registry"
	"github.com/yungbote/dflow/internal/engine/wake"
	"github.com/yungbote/dflow/internal/engine/worker"
	"github.com/yungbote/dflow/internal/examples"
	"github.com/yungbote/dflow/internal/observability"
	"github.com/yungbote/dflow/internal/platform/logger"
)

// App bundles the process's wiring, mirroring the shape of the teacher's
// own App (Log/DB/Router/Cfg/...), generalized from a single HTTP server
// to a process that may run a worker pool, an admin HTTP surface, or
// both, per Config.RunServer/RunWorker.
type App struct {
	Log        *logger.Logger
	Cfg        Config
	Backend    backend.Backend
	Registry   *registry.Registry
	Dispatcher *dispatcher.Dispatcher
	Worker     *worker.Worker
	Router     *gin.Engine

	otelShutdown func(context.Context) error
	cancel       context.CancelFunc
	workerDone   chan struct{}
}

// New wires a complete App from environment configuration: logger, OTel,
// backend (sqlite or postgres, selected by DSN), registry + example
// procedures (optionally overridden by a YAML descriptor overlay), an
// optional redis-backed wake channel, the dispatcher, the worker pool,
// and the admin HTTP router.
func New() (*App, error) {
	log, err := logger.New("")
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	log.Info("loading configuration...")
	cfg := LoadConfig(log)
	if cfg.LogMode != "" {
		if l2, err := logger.New(cfg.LogMode); err == nil {
			log = l2
		}
	}

	otelShutdown := observability.InitOTel(context.Background(), log, observability.OtelConfig{
		ServiceName: "dflow",
	})
	metrics := observability.NewMetrics(log)
	observer := observability.NewObserver(metrics)

	be, err := backend.Open(cfg.DSN, backend.Options{})
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("open backend %q: %w", cfg.DSN, err)
	}
	if err := be.Init(context.Background()); err != nil {
		log.Sync()
		return nil, fmt.Errorf("backend init: %w", err)
	}

	var wakeCh *wake.Channel
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Warn("invalid DFLOW_REDIS_URL, wake channel disabled", "error", err)
		} else {
			wakeCh = wake.New(redis.NewClient(opts), "dflow:wake", log)
		}
	}

	var overlay *descriptoroverlay.Overlay
	if cfg.DescriptorOverlayPath != "" {
		overlay, err = descriptoroverlay.Load(cfg.DescriptorOverlayPath)
		if err != nil {
			log.Sync()
			return nil, fmt.Errorf("load descriptor overlay: %w", err)
		}
	}

	reg := registry.New()
	counter := examples.NewAttemptCounter()
	if err := examples.Register(reg, counter, overlay); err != nil {
		log.Sync()
		return nil, fmt.Errorf("register procedures: %w", err)
	}
	log.Info("procedures registered", "procedures", reg.Names())

	d := dispatcher.New(be, reg, observer, wakeCh)

	var w *worker.Worker
	if cfg.RunWorker {
		w = worker.New(worker.Config{
			WorkerID:       cfg.WorkerID,
			Queues:         cfg.Queues,
			Tags:           cfg.Tags,
			PollInterval:   cfg.PollInterval,
			MaxConcurrency: cfg.MaxConcurrency,
			LeaseDuration:  cfg.LeaseDuration,
		}, be, reg, observer, log, wakeCh)
	}

	var router *gin.Engine
	if cfg.RunServer {
		router = newRouter(log, cfg, d)
	}

	return &App{
		Log:        log,
		Cfg:        cfg,
		Backend:    be,
		Registry:   reg,
		Dispatcher: d,
		Worker:     w,
		Router:     router,

		otelShutdown: otelShutdown,
	}, nil
}

// Start launches the worker pool's Serve loop in the background, if
// configured. Safe to call once; a second call is a no-op.
func (a *App) Start() {
	if a == nil || a.cancel != nil || a.Worker == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.workerDone = make(chan struct{})
	go func() {
		defer close(a.workerDone)
		if err := a.Worker.Serve(ctx); err != nil && ctx.Err() == nil {
			a.Log.Error("worker stopped unexpectedly", "error", err)
		}
	}()
}

// Run starts the admin HTTP server and blocks until it exits.
func (a *App) Run(addr string) error {
	if a == nil || a.Router == nil {
		return fmt.Errorf("app: no HTTP router configured (RunServer=false)")
	}
	if !strings.HasPrefix(addr, ":") {
		addr = ":" + addr
	}
	return a.Router.Run(addr)
}

// Close stops the worker loop and flushes the logger and OTel exporters.
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.workerDone != nil {
		// Wait for in-flight tasks to reach a checkpoint and release their
		// leases before tearing down the backend under them.
		select {
		case <-a.workerDone:
		case <-time.After(30 * time.Second):
			a.Log.Warn("worker did not drain before shutdown deadline")
		}
		a.workerDone = nil
	}
	if a.Backend != nil {
		_ = a.Backend.Close()
	}
	if a.otelShutdown != nil {
		_ = a.otelShutdown(context.Background())
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
