// Package app wires every component together and owns the supervisor
// lifecycle: Store client start, keyspace-event enablement, presence
// and group background loops, the websocket accept path, the HTTP
// listener, and a deterministic graceful-shutdown sequence.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"pttrouter/config"
	"pttrouter/internal/auth"
	"pttrouter/internal/group"
	"pttrouter/internal/httpapi"
	"pttrouter/internal/mirror"
	"pttrouter/internal/presence"
	"pttrouter/internal/router"
	"pttrouter/internal/store"
)

// App owns every long-lived component and the HTTP listener that serves
// both the REST surface and the websocket accept path.
type App struct {
	cfg *config.Config
	log *zap.Logger

	store    *store.Store
	presence *presence.Manager
	group    *group.State
	router   *router.Router
	mirror   *mirror.Sink

	httpServer *http.Server
}

// New constructs every component in dependency order: store first (it
// backs everything else), then presence/group (both need the store),
// then auth and the router (needs presence+group), then the HTTP/ws
// surface (needs the router and presence).
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}

	st := store.New(store.Config{Host: cfg.RedisHost, Port: cfg.RedisPort, Password: cfg.RedisPassword}, log)
	if err := st.Ping(ctx); err != nil {
		return nil, fmt.Errorf("store unavailable at startup: %w", err)
	}
	if err := st.EnableKeyspaceEvents(ctx); err != nil {
		log.Warn("failed to enable keyspace events; expiry-driven offline transitions are disabled", zap.Error(err))
	}

	var mirrorSink *mirror.Sink
	var mirrorIface presence.Mirror
	if cfg.MirrorEnabled {
		sink, err := mirror.New(ctx, mirror.Config{
			Region:      cfg.S3Region,
			Bucket:      cfg.S3Bucket,
			AccessKeyID: cfg.S3AccessKeyID,
			SecretKey:   cfg.S3SecretKey,
			Endpoint:    cfg.S3Endpoint,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("failed to construct status mirror: %w", err)
		}
		mirrorSink = sink
		mirrorIface = sink
	}

	presenceMgr := presence.New(st, cfg.PresenceTTL, mirrorIface, log)
	groupState := group.New(st, log)
	resolver := auth.NewResolver(cfg.SecretKey, cfg.UseAuthentication)

	rt := router.New(resolver, presenceMgr, groupState, router.Config{
		PingInterval:      cfg.PingInterval,
		MessageMaxIdleDur: cfg.MessageMaxIdleDuration,
		UseAuthentication: cfg.UseAuthentication,
	}, log)

	engine := httpapi.NewRouter(presenceMgr, log)
	engine.GET("/ws", gin.WrapF(rt.Accept))

	return &App{
		cfg:      cfg,
		log:      log,
		store:    st,
		presence: presenceMgr,
		group:    groupState,
		router:   rt,
		mirror:   mirrorSink,
		httpServer: &http.Server{
			Addr:    ":" + cfg.Port,
			Handler: engine,
		},
	}, nil
}

// Run starts every background loop and blocks serving HTTP until ctx is
// canceled, then runs the deterministic shutdown sequence: HTTP listener
// → accept path (no new websocket upgrades once the listener is closed)
// → active Connections → Store subscriptions → Store command connection.
func (a *App) Run(ctx context.Context) error {
	bgCtx, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()

	go a.presence.Run(bgCtx)
	go a.router.RunPresenceBridge()
	go a.group.PeriodicJanitor(bgCtx, a.cfg.RedisCleanInterval, a.cfg.RedisCleanGroupsSize)
	go a.router.RunIdleWatcher(bgCtx, a.cfg.GroupInspectInterval)

	serveErr := make(chan error, 1)
	go func() {
		a.log.Info("http listener starting", zap.String("addr", a.httpServer.Addr))
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case err := <-serveErr:
		cancelBg()
		return err
	case <-ctx.Done():
	}

	a.log.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("http server shutdown error", zap.Error(err))
	}

	a.router.Shutdown()
	cancelBg()

	if a.mirror != nil {
		a.mirror.Close()
	}
	if err := a.store.CloseSubscriptions(); err != nil {
		a.log.Warn("closing store subscriptions failed", zap.Error(err))
	}
	if err := a.store.CloseCommands(); err != nil {
		a.log.Warn("closing store commands failed", zap.Error(err))
	}

	<-serveErr
	return nil
}
