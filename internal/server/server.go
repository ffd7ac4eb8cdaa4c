package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/Radhika1502/renexus-sub006/internal/auth"
	"github.com/Radhika1502/renexus-sub006/internal/dispatch"
	"github.com/Radhika1502/renexus-sub006/internal/heartbeat"
	"github.com/Radhika1502/renexus-sub006/internal/metrics"
	"github.com/Radhika1502/renexus-sub006/internal/server/middleware"
	"github.com/Radhika1502/renexus-sub006/pkg/config"
	"github.com/Radhika1502/renexus-sub006/pkg/protocol"
	"github.com/Radhika1502/renexus-sub006/pkg/state"
	"github.com/Radhika1502/renexus-sub006/pkg/state/registry"
	"github.com/Radhika1502/renexus-sub006/pkg/transport"
)

type App struct {
	logger       *slog.Logger
	stateManager state.Manager
	dispatcher   *dispatch.Dispatcher
	supervisor   *heartbeat.Supervisor
	metrics      *metrics.Metrics
	wg           sync.WaitGroup
	http         *http.Server
	config       *config.Config

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config) *App {
	m := metrics.New()

	stateManager := registry.NewInMemory(logger, registry.Options{
		AuthTimeout: cfg.Server.Auth.Timeout,
		OnUserOffline: func(userID string) {
			logger.Info("User offline", slog.String("userID", userID))
		},
		OnEviction: m.ConnectionEvicted,
	})

	verifier := auth.NewJWTVerifier(cfg.Server.Auth.JWTSecret)
	dispatcher := dispatch.New(logger, stateManager, verifier, m)
	supervisor := heartbeat.New(logger, stateManager, m, heartbeat.Config{
		Interval:    cfg.Heartbeat.Interval,
		PongTimeout: cfg.Heartbeat.PongTimeout,
	})

	app := &App{
		logger:       logger,
		stateManager: stateManager,
		dispatcher:   dispatcher,
		supervisor:   supervisor,
		metrics:      m,
		config:       cfg,
		ctx:          rootCtx,
	}

	// Cycler closes the IP's oldest connection to make room for a new one.
	connCycler := func(ipAddr string) {
		oldest, found := stateManager.FindOldestConnectionForIP(ipAddr)
		if found {
			logger.Info("Cycling connection: closing oldest",
				slog.String("ip", ipAddr),
				slog.String("connID", oldest.ID.String()),
			)
			stateManager.Terminate(oldest.ID, protocol.CloseGoingAway, "connection cycled by new connection")
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/ws",
		middleware.Chain(http.HandlerFunc(app.upgradeHandler),
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(app.logger),
			middleware.NewConnectionLimiter(
				logger,
				stateManager.ConnectionCountForIP,
				connCycler,
				cfg.Server.ConnectionLimit,
			),
		),
	)
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	app.http = &http.Server{Addr: cfg.Server.Address, Handler: mux, BaseContext: func(l net.Listener) context.Context {
		return app.ctx
	}}

	return app
}

func (a *App) Run() error {
	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()
	go a.supervisor.Run(a.ctx)

	<-a.ctx.Done()
	return a.Shutdown()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	connLogger := a.logger.With(slog.String("remoteAddr", reqMeta.IP))

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	// The connection lifecycle is detached from the root context: shutdown
	// terminates each connection explicitly with a 1001 close code instead of
	// relying on context cancellation, which would close with 1000.
	conn := transport.NewConnection(
		context.Background(),
		&a.wg,
		wsConn,
		transport.ConnectionConfig{
			ReadTimeout:     a.config.Transport.ReadTimeout,
			MaxMessageBytes: a.config.Transport.MaxMessageBytes,
		},
		nil,
		nil,
		a.logger,
	)

	// Registering starts the authentication deadline; the connection stays
	// unauthenticated until a successful AUTHENTICATE message.
	if _, err := a.stateManager.RegisterConnection(conn, reqMeta.IP); err != nil {
		connLogger.Error("Failed to register connection state", slog.Any("error", err))
		conn.Close(err)
		return
	}
	a.metrics.ConnectionOpened()

	conn.SetOnMessageHandler(a.dispatcher.HandleMessage)
	conn.SetOnCloseHandler(func(id uuid.UUID, err error) {
		connLogger.Info("Deregistering connection due to closure", slog.String("connID", id.String()))
		if dErr := a.stateManager.DeregisterConnection(id); dErr != nil {
			connLogger.Error("Failed to deregister connection from state", slog.Any("error", dErr))
		}
		a.metrics.ConnectionClosed()
		a.metrics.SetGauges(a.stateManager.UserCount(), a.stateManager.RoomCount())
	})

	connLogger.Info("Connection accepted", slog.String("connID", conn.ID().String()))
	conn.Run()
	<-conn.Done()
}

// graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// close all active WebSocket connections.
	a.logger.Info("Closing all active connections...")
	for _, conn := range a.stateManager.Connections() {
		a.stateManager.Terminate(conn.ID, protocol.CloseGoingAway, "server shutdown")
	}

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()
	a.logger.Info("Server shut down gracefully.")
	return nil
}
