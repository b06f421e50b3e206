// Package daemon composes the sync engine with fx and owns its lifecycle.
package daemon

import (
	"context"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/dlemos/pchat/internal/bus"
	"github.com/dlemos/pchat/internal/config"
	"github.com/dlemos/pchat/internal/logging"
	"github.com/dlemos/pchat/internal/profile"
	"github.com/dlemos/pchat/internal/remote"
	"github.com/dlemos/pchat/internal/remote/litestore"
	"github.com/dlemos/pchat/internal/remote/natstore"
	"github.com/dlemos/pchat/internal/roster"
	"github.com/dlemos/pchat/internal/session"
	"github.com/dlemos/pchat/internal/status"
	"github.com/dlemos/pchat/internal/suggest"
	"github.com/dlemos/pchat/internal/thread"
)

// Params holds the resolved configuration passed to the fx module.
type Params struct {
	Cfg     *config.Config
	DBPath  string
	LogPath string
}

// Backend is the document plus blob store a configured backend provides.
type Backend interface {
	remote.Store
	remote.Blob
	Close() error
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideTracker,
			provideBackend,
			provideStore,
			provideBlob,
			provideSuggester,
			provideLoop,
			provideAuthenticator,
			provideManager,
			provideSession,
			provideProfile,
			provideRoster,
			provideResolver,
			provideThread,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(p.LogPath)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideTracker(b *bus.Bus) *status.Tracker {
	return status.NewTracker(b)
}

func provideBackend(p Params, logger *zap.Logger) (Backend, error) {
	switch p.Cfg.Backend {
	case config.BackendNATS:
		s, err := natstore.Open(context.Background(), p.Cfg.NATSURL, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("nats store initialized", zap.String("url", p.Cfg.NATSURL))
		return s, nil
	case config.BackendLite:
		s, err := litestore.Open(p.DBPath)
		if err != nil {
			return nil, err
		}
		logger.Info("lite store initialized", zap.String("path", p.DBPath))
		return s, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", p.Cfg.Backend)
	}
}

func provideStore(b Backend) remote.Store { return b }

func provideBlob(b Backend) remote.Blob { return b }

func provideSuggester(p Params, logger *zap.Logger) suggest.Service {
	if p.Cfg.SuggestURL == "" {
		logger.Info("smart replies disabled")
		return suggest.Disabled{}
	}
	return suggest.NewClient(p.Cfg.SuggestURL)
}

func provideLoop() *session.Loop {
	return session.NewLoop()
}

func provideAuthenticator(store remote.Store) *session.Authenticator {
	return session.NewAuthenticator(store)
}

func provideManager(auth *session.Authenticator, loop *session.Loop, tracker *status.Tracker, b *bus.Bus, logger *zap.Logger) *session.Manager {
	return session.NewManager(auth, loop, tracker, b, logger)
}

func provideSession(m *session.Manager) *session.Session {
	return m.Session()
}

func provideProfile(store remote.Store, blob remote.Blob, sess *session.Session, loop *session.Loop, tracker *status.Tracker, b *bus.Bus, logger *zap.Logger) *profile.Synchronizer {
	return profile.New(store, blob, sess, loop, tracker, b, logger)
}

func provideRoster(store remote.Store, sess *session.Session, loop *session.Loop, tracker *status.Tracker, b *bus.Bus, profiles *profile.Synchronizer, logger *zap.Logger) *roster.Synchronizer {
	return roster.New(store, sess, loop, tracker, b, profiles, logger)
}

func provideResolver(store remote.Store, sess *session.Session, ros *roster.Synchronizer, tracker *status.Tracker, logger *zap.Logger) *roster.Resolver {
	return roster.NewResolver(store, sess, ros, tracker, logger)
}

func provideThread(store remote.Store, sess *session.Session, loop *session.Loop, tracker *status.Tracker, b *bus.Bus, suggester suggest.Service, logger *zap.Logger) *thread.Synchronizer {
	return thread.New(store, sess, loop, tracker, b, suggester, logger)
}

func registerLifecycle(lc fx.Lifecycle, manager *session.Manager, prof *profile.Synchronizer, ros *roster.Synchronizer, thr *thread.Synchronizer, loop *session.Loop, backend Backend, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Synchronizers run only while a session is live; the manager
			// starts them on login and stops them on logout.
			manager.Attach(prof, ros, thr)
			logger.Info("engine started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			manager.Logout()
			loop.Close()
			if err := backend.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
