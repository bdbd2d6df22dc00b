// Package gateway implements the bridge service: one device link shared by
// the event monitor, the recorder and the HTTP API.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/impuls42/ats-mini/internal/api"
	"github.com/impuls42/ats-mini/internal/config"
	"github.com/impuls42/ats-mini/internal/monitor"
	"github.com/impuls42/ats-mini/internal/radio"
	"github.com/impuls42/ats-mini/internal/recorder"
	"github.com/impuls42/ats-mini/internal/rpc"
	"github.com/impuls42/ats-mini/internal/state"
	"github.com/impuls42/ats-mini/internal/store"
	"github.com/impuls42/ats-mini/internal/transport"
)

// TransportFactory builds the device transport from configuration.
type TransportFactory func(cfg *config.Config, log *zap.Logger) (transport.Transport, error)

// Open builds the configured transport and returns a connected engine with
// the device in RPC mode.
func Open(ctx context.Context, cfg *config.Config, log *zap.Logger) (*rpc.Engine, error) {
	t, err := transport.New(cfg, log)
	if err != nil {
		return nil, err
	}
	return Connect(ctx, t, log)
}

// Connect wraps t in an engine, connects it and performs the mode switch
// when t supports one. The engine is closed on failure.
func Connect(ctx context.Context, t transport.Transport, log *zap.Logger) (*rpc.Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	e := rpc.New(t, rpc.WithLogger(log))
	if err := e.Connect(ctx); err != nil {
		return nil, err
	}
	if err := transport.SwitchMode(ctx, t); err != nil {
		return nil, multierr.Append(fmt.Errorf("gateway: mode switch: %w", err), e.Close())
	}
	return e, nil
}

// Gateway is the central application service.
type Gateway struct {
	cfg          *config.Config
	log          *zap.Logger
	newTransport TransportFactory

	initialBackoff time.Duration
	maxBackoff     time.Duration

	ready     chan struct{}
	readyOnce sync.Once
	addr      atomic.Pointer[net.Addr]
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithTransportFactory replaces transport.New.
func WithTransportFactory(f TransportFactory) Option {
	return func(g *Gateway) { g.newTransport = f }
}

// New constructs a Gateway without starting it.
func New(cfg *config.Config, log *zap.Logger, opts ...Option) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	g := &Gateway{
		cfg:            cfg,
		log:            log.Named("gateway"),
		newTransport:   transport.New,
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
		ready:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Ready is closed once the HTTP listener is first bound.
func (g *Gateway) Ready() <-chan struct{} { return g.ready }

// Addr returns the bound listen address of the current session. Valid after Ready.
func (g *Gateway) Addr() net.Addr {
	if a := g.addr.Load(); a != nil {
		return *a
	}
	return nil
}

// Start connects to the device, launches all subsystems and blocks until
// ctx is cancelled or one of them fails. Losing the device link is a failure.
func (g *Gateway) Start(ctx context.Context) error {
	cfg := g.cfg

	// Device link
	t, err := g.newTransport(cfg, g.log)
	if err != nil {
		return fmt.Errorf("gateway: transport init: %w", err)
	}
	e, err := Connect(ctx, t, g.log)
	if err != nil {
		return fmt.Errorf("gateway: connect %s: %w", cfg.TransportKind(), err)
	}
	defer func() {
		if cerr := e.Close(); cerr != nil {
			g.log.Debug("close link", zap.Error(cerr))
		}
	}()
	g.log.Info("device connected", zap.String("transport", cfg.TransportKind()))

	bus := monitor.NewEventBus(cfg.Monitor.BusBuffer)
	mon := monitor.New(e, bus, cfg.Monitor.PollInterval, g.log)
	dev := radio.New(mon, radio.WithTimeout(cfg.RPC.Timeout))

	if cfg.Monitor.SubscribeStats {
		if _, err := dev.SubscribeEvents(ctx, radio.StatsEvent); err != nil {
			g.log.Warn("stats subscription failed", zap.Error(err))
		} else {
			defer g.unsubscribe(dev)
		}
	}

	// Recording
	var db *store.DB
	if cfg.Store.Record && cfg.Store.Path != "" {
		db, err = store.Open(cfg.Store.Path)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := store.Migrate(db); err != nil {
			return err
		}
	}
	st, err := state.New(ctx, db, g.log)
	if err != nil {
		return err
	}

	router := api.NewRouter(api.Options{
		Device:     mon,
		Link:       e,
		Bus:        bus,
		DB:         db,
		State:      st,
		Transport:  cfg.TransportKind(),
		RPCTimeout: cfg.RPC.Timeout,
		Log:        g.log,
	})
	server := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Subscribe before the link is read so no event is missed.
	stateCh, unsubState := bus.Subscribe()
	defer unsubState()
	var recCh <-chan monitor.Event
	if db != nil {
		ch, unsubRec := bus.Subscribe()
		defer unsubRec()
		recCh = ch
	}

	ln, err := net.Listen("tcp", cfg.Gateway.ListenAddr)
	if err != nil {
		return fmt.Errorf("gateway: listen %s: %w", cfg.Gateway.ListenAddr, err)
	}
	addr := ln.Addr()
	g.addr.Store(&addr)
	g.log.Info("HTTP gateway listening", zap.String("addr", addr.String()))
	g.readyOnce.Do(func() { close(g.ready) })

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error { return st.Run(gctx, stateCh) })
	if recCh != nil {
		rec := recorder.New(db, g.log)
		grp.Go(func() error { return rec.Start(gctx, recCh) })
	}

	grp.Go(func() error {
		if err := mon.Run(gctx); err != nil {
			return fmt.Errorf("gateway: device link: %w", err)
		}
		return nil
	})

	grp.Go(func() error {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	grp.Go(func() error {
		<-gctx.Done()
		g.log.Info("shutting down gateway")
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutCtx)
	})

	return grp.Wait()
}

func (g *Gateway) unsubscribe(dev *radio.Radio) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := dev.UnsubscribeEvents(ctx, radio.StatsEvent); err != nil {
		g.log.Debug("stats unsubscribe", zap.Error(err))
	}
}
