package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ortholife/clinicsync/cmd/clinicsync-agent/handlers"
	"github.com/ortholife/clinicsync/internal/config"
	"github.com/ortholife/clinicsync/internal/crypto"
	"github.com/ortholife/clinicsync/internal/db"
	"github.com/ortholife/clinicsync/internal/models"
	"github.com/ortholife/clinicsync/internal/patientmatch"
	"github.com/ortholife/clinicsync/internal/platform/middleware"
	"github.com/ortholife/clinicsync/internal/remote"
	syncpkg "github.com/ortholife/clinicsync/internal/sync"
	"github.com/ortholife/clinicsync/internal/sync/connectivity"
	"github.com/ortholife/clinicsync/internal/sync/queue"
	"github.com/ortholife/clinicsync/internal/sync/scheduler"
	"github.com/ortholife/clinicsync/internal/timer"
)

// core is what every agent command needs: the local store, the queue and an
// engine talking to the server. It does not start any goroutines.
type core struct {
	cfg         *config.AgentConfig
	log         zerolog.Logger
	db          *db.DB
	kv          db.KVStore
	queue       *queue.Queue
	conflictLog *db.ConflictLogRepository
	client      *remote.Client
	monitor     *connectivity.Monitor
	engine      *syncpkg.Engine
}

// openCore opens the data directory and loads the queue.
func openCore(ctx context.Context, cfg *config.AgentConfig, log zerolog.Logger) (*core, error) {
	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	if err := database.Migrate(ctx); err != nil {
		database.Close()
		return nil, fmt.Errorf("migrate local store: %w", err)
	}

	cipher, err := payloadCipher(cfg, log)
	if err != nil {
		database.Close()
		return nil, err
	}

	c := &core{
		cfg:         cfg,
		log:         log,
		db:          database,
		kv:          db.NewSQLiteKV(database, db.WithCipher(cipher)),
		conflictLog: db.NewConflictLogRepository(database),
	}

	c.queue = queue.New(c.kv,
		queue.WithLogger(log.With().Str("component", "queue").Logger()),
		queue.WithMaxSize(cfg.QueueMaxSize),
	)
	if err := c.queue.Load(ctx); err != nil {
		database.Close()
		return nil, fmt.Errorf("load queue: %w", err)
	}

	c.client = remote.New(cfg.ServerURL,
		remote.WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout}),
		remote.WithToken(cfg.ServerToken),
		remote.WithLogger(log.With().Str("component", "remote").Logger()),
	)

	// Start offline; the prober or the UI reports the real state.
	c.monitor = connectivity.NewMonitor(false,
		connectivity.WithDebounce(cfg.ConnectivityDebounce),
		connectivity.WithLogger(log.With().Str("component", "connectivity").Logger()),
	)

	engineLog := log.With().Str("component", "sync").Logger()
	c.engine = syncpkg.NewEngine(c.queue, c.client, &syncpkg.Config{
		MinRetryInterval: cfg.MinRetryInterval,
		Matcher:          patientmatch.New(cfg.PatientMatchThreshold),
		ConflictLog:      c.conflictLog,
		Connectivity:     c.monitor,
		Logger:           &engineLog,
	})

	stats := c.queue.Stats()
	log.Info().
		Str("data_dir", cfg.DataDir).
		Int("queued", stats.Total).
		Int("conflicted", stats.Conflicted).
		Bool("storage_degraded", c.queue.Degraded()).
		Msg("local store opened")
	return c, nil
}

// payloadCipher returns the cipher for queued payloads. Without a configured
// key, a generated key kept in the data directory's secure storage is used.
func payloadCipher(cfg *config.AgentConfig, log zerolog.Logger) (*crypto.PayloadCipher, error) {
	secret := cfg.LocalEncryptionKey
	if secret == "" {
		generated, created, err := crypto.NewSecureStorage(cfg.DataDir).LoadOrCreateKey(crypto.LocalKeyAccount)
		if err != nil {
			return nil, fmt.Errorf("local encryption key: %w", err)
		}
		if created {
			log.Warn().Msg("LOCAL_ENCRYPTION_KEY not set; generated a machine-bound key in the data directory")
		}
		secret = generated
	}
	return crypto.NewPayloadCipher(secret)
}

func (c *core) Close() {
	c.monitor.Close()
	if err := c.queue.Flush(context.Background()); err != nil {
		c.log.Warn().Err(err).Msg("queue flush on close failed; unsaved changes stay in memory only")
	}
	if err := c.db.Close(); err != nil {
		c.log.Warn().Err(err).Msg("close local store")
	}
}

// agent is the long-running process: core plus scheduler, prober, timer and
// the local API.
type agent struct {
	*core
	scheduler *scheduler.Scheduler
	prober    *connectivity.Prober
	timer     *timer.Timer
	hub       *WSHub
	echo      *echo.Echo
}

func newAgent(c *core) *agent {
	a := &agent{core: c}

	a.hub = NewWSHub(c.log.With().Str("component", "websocket").Logger())
	c.engine.SetEventSink(a.hub)

	a.scheduler = scheduler.NewScheduler(c.engine, c.queue, &scheduler.SchedulerConfig{
		SyncInterval: c.cfg.SyncInterval,
		PassTimeout:  c.cfg.PassTimeout,
	})
	a.scheduler.SetLogger(c.log.With().Str("component", "scheduler").Logger())
	// Matches the monitor's initial state.
	a.scheduler.SetOnlineStatus(false)

	a.prober = connectivity.NewProber(c.client.HealthURL(), c.cfg.ProbeInterval, c.monitor,
		&http.Client{Timeout: c.cfg.ProbeInterval})

	a.timer = timer.New(timer.NewKVDurationStore(c.kv),
		timer.WithLogger(c.log.With().Str("component", "timer").Logger()),
		timer.WithOnTick(func(s timer.Session) { a.hub.BroadcastTimer(EventTimerTick, s) }),
		timer.WithOnPause(a.recordDuration),
	)

	a.echo = a.newEcho()
	return a
}

// recordDuration writes the paused timer's seconds into the queued edit of
// that consultation, so a reload or another device resumes from it. An edit
// waiting on a conflict decision is left as the user last saw it.
func (a *agent) recordDuration(ctx context.Context, consultationID string, seconds int) {
	a.hub.BroadcastTimer(EventTimerChanged, a.timer.Snapshot())

	change, ok := a.queue.Lookup(models.KindConsultationUpdate, consultationID)
	if !ok || change.State == models.StateConflicted {
		return
	}
	_, err := a.queue.Update(ctx, change.ID, func(c *models.QueuedChange) error {
		if c.State == models.StateConflicted {
			return queue.ErrEntityConflicted
		}
		p, err := c.ConsultationPayload()
		if err != nil {
			return err
		}
		if p.Duration == seconds {
			return nil
		}
		p.Duration = seconds
		return c.SetPayload(p)
	})
	if err != nil && !errors.Is(err, queue.ErrNotFound) && !errors.Is(err, queue.ErrEntityConflicted) {
		a.log.Warn().Err(err).Str("consultation_id", consultationID).Msg("could not record consultation duration")
	}
}

func (a *agent) newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	httpLog := a.log.With().Str("component", "http").Logger()
	e.Use(middleware.Recovery(httpLog))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(httpLog))

	e.GET("/api/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "service": "clinicsync-agent", "version": Version})
	})
	e.GET("/ws", a.hub.HandleWebSocket)

	api := e.Group("/api/v1")
	handlers.NewSyncHandler(a.engine, a.scheduler, a.monitor).RegisterRoutes(api)
	handlers.NewQueueHandler(a.queue, a.timer).RegisterRoutes(api)
	handlers.NewConflictHandler(a.engine).RegisterRoutes(api)
	handlers.NewTimerHandler(a.timer).RegisterRoutes(api)
	return e
}

// forwardConnectivity publishes settled connectivity changes to the UI.
func (a *agent) forwardConnectivity(ctx context.Context) {
	transitions, unsubscribe := a.monitor.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-transitions:
			if !ok {
				return
			}
			a.hub.BroadcastConnectivity(t.Online)
		}
	}
}

// run serves until ctx is cancelled, then shuts down in reverse order.
func (a *agent) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.scheduler.Start(ctx, a.monitor)
	go a.prober.Run(ctx)
	go a.forwardConnectivity(ctx)

	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", a.cfg.ListenAddr).Str("server", a.cfg.ServerURL).Msg("agent API listening")
		if err := a.echo.Start(a.cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		a.log.Error().Err(runErr).Msg("agent API failed")
	}

	a.log.Info().Msg("shutting down agent")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := a.echo.Shutdown(shutdownCtx); err != nil {
		a.log.Warn().Err(err).Msg("agent API shutdown")
	}
	a.scheduler.Stop()
	a.timer.Clear(shutdownCtx)
	a.hub.Close()
	return runErr
}
