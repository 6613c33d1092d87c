// Package client assembles the daemon: every component is constructed
// through fx and talks to the others over the bus or through the narrow
// interfaces declared at each consumer.
package client

import (
	"context"
	"time"

	"github.com/gridhq/gridclient/internal/activity"
	"github.com/gridhq/gridclient/internal/auth"
	"github.com/gridhq/gridclient/internal/bus"
	"github.com/gridhq/gridclient/internal/config"
	"github.com/gridhq/gridclient/internal/lock"
	"github.com/gridhq/gridclient/internal/logging"
	"github.com/gridhq/gridclient/internal/notify"
	"github.com/gridhq/gridclient/internal/outbound"
	"github.com/gridhq/gridclient/internal/presence"
	"github.com/gridhq/gridclient/internal/rest"
	"github.com/gridhq/gridclient/internal/session"
	"github.com/gridhq/gridclient/internal/status"
	"github.com/gridhq/gridclient/internal/store"
	gridsync "github.com/gridhq/gridclient/internal/sync"
	"github.com/gridhq/gridclient/internal/ws"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params carries the CLI-resolved inputs into the dependency graph.
type Params struct {
	Profile string
}

// Module wires the full daemon for one profile.
func Module(p Params) fx.Option {
	return fx.Options(
		fx.Supply(p),
		fx.Provide(
			newLogger,
			newConfig,
			newLock,
			newCredentials,
			newStore,
			newDraftSaver,
			bus.New,
			status.NewConnMachine,
			status.NewIdleTracker,
			newStream,
			newManager,
			newRESTClient,
			newDispatcher,
			newNotifyManager,
			newPresenceTracker,
			newEngine,
			newMonitor,
		),
		fx.Invoke(run),
	)
}

func newLogger(p Params) (*zap.Logger, error) {
	if err := session.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	return logging.New(session.LogPath(p.Profile), p.Profile)
}

func newConfig() (*config.Config, error) {
	return config.Load(session.ConfigPath())
}

func newLock(p Params) (*lock.Lock, error) {
	return lock.Acquire(session.Dir(p.Profile))
}

func newCredentials(p Params) (*auth.File, error) {
	return auth.NewFile(session.CredentialsPath(p.Profile))
}

func newStore(p Params, logger *zap.Logger) (*store.DB, error) {
	return store.Open(session.StorePath(p.Profile), logger.Named("store"))
}

func newDraftSaver(db *store.DB) *store.DraftSaver {
	return store.NewDraftSaver(db, 0)
}

func newStream(b *bus.Bus, logger *zap.Logger) *ws.Stream {
	return ws.NewStream(b, logger.Named("stream"))
}

func newManager(cfg *config.Config, creds *auth.File, machine *status.ConnMachine, b *bus.Bus, stream *ws.Stream, logger *zap.Logger) *ws.Manager {
	return ws.NewManager(cfg.WSURL, creds, machine, b, stream, logger.Named("ws"), ws.Options{})
}

func newRESTClient(cfg *config.Config, creds *auth.File, logger *zap.Logger) *rest.Client {
	return rest.NewClient(cfg.APIURL, creds, logger.Named("rest"))
}

func newDispatcher(m *ws.Manager, r *rest.Client, logger *zap.Logger) *outbound.Dispatcher {
	return outbound.NewDispatcher(m, r, logger.Named("outbound"))
}

func newNotifyManager(db *store.DB, idle *status.IdleTracker, b *bus.Bus, creds *auth.File, logger *zap.Logger) (*notify.Manager, error) {
	prefs, err := db.NotificationPrefs()
	if err != nil {
		return nil, err
	}
	return notify.NewManager(prefs, idle, notify.BusSink{Bus: b}, b, creds.CurrentUserID(), logger.Named("notify")), nil
}

func newPresenceTracker(r *rest.Client, b *bus.Bus, logger *zap.Logger) *presence.Tracker {
	return presence.NewTracker(r, b, logger.Named("presence"))
}

func newEngine(m *ws.Manager, d *outbound.Dispatcher, r *rest.Client, b *bus.Bus, idle *status.IdleTracker, creds *auth.File, logger *zap.Logger) *gridsync.Engine {
	return gridsync.NewEngine(m, d, r, b, idle, creds.CurrentUserID(), logger.Named("sync"), gridsync.Options{})
}

func newMonitor(m *ws.Manager, idle *status.IdleTracker, nm *notify.Manager, b *bus.Bus, logger *zap.Logger) *activity.Monitor {
	return activity.NewMonitor(m, idle, nm, b, logger.Named("activity"), activity.Options{})
}

type runDeps struct {
	fx.In

	Params     Params
	Logger     *zap.Logger
	Lock       *lock.Lock
	Bus        *bus.Bus
	DB         *store.DB
	Drafts     *store.DraftSaver
	Manager    *ws.Manager
	Engine     *gridsync.Engine
	Monitor    *activity.Monitor
	Notify     *notify.Manager
	Presence   *presence.Tracker
	Shutdowner fx.Shutdowner
}

func run(lc fx.Lifecycle, d runDeps) {
	var stopFatalWatch func()

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			d.Logger.Info("starting", zap.String("profile", d.Params.Profile))

			if _, err := d.DB.SweepDrafts(time.Now()); err != nil {
				d.Logger.Warn("draft sweep failed", zap.Error(err))
			}
			d.Monitor.Start()

			// Reconnect exhaustion is terminal for a daemon; exit and let
			// the supervisor restart with fresh credentials.
			ch, unsub := d.Bus.Subscribe("conn.fatal", 1)
			stopFatalWatch = unsub
			go func() {
				if _, ok := <-ch; ok {
					d.Logger.Error("connection permanently lost, shutting down")
					_ = d.Shutdowner.Shutdown()
				}
			}()

			if err := d.Manager.Connect(ctx); err != nil {
				// The manager keeps retrying with backoff; startup
				// proceeds on local state.
				d.Logger.Warn("initial connect failed", zap.Error(err))
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			d.Logger.Info("stopping")
			if stopFatalWatch != nil {
				stopFatalWatch()
			}
			d.Monitor.Stop()
			d.Manager.Shutdown()
			d.Engine.Shutdown()
			d.Presence.Shutdown(ctx)
			d.Notify.Close()
			d.Drafts.Close()
			if err := d.DB.Close(); err != nil {
				d.Logger.Warn("store close failed", zap.Error(err))
			}
			if err := d.Lock.Release(); err != nil {
				d.Logger.Warn("lock release failed", zap.Error(err))
			}
			_ = d.Logger.Sync()
			return nil
		},
	})
}
