// Package sigauth assembles the wallet signature login service from its
// configuration.
package sigauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/redis/go-redis/v9"

	"github.com/layer-3/sigauth/adapters/chain"
	"github.com/layer-3/sigauth/adapters/events"
	"github.com/layer-3/sigauth/adapters/store"
	"github.com/layer-3/sigauth/adapters/tokenizer"
	"github.com/layer-3/sigauth/config"
	"github.com/layer-3/sigauth/instrumentation"
	"github.com/layer-3/sigauth/ports"
	"github.com/layer-3/sigauth/service"
	transport "github.com/layer-3/sigauth/transport/http"
)

type stateStore interface {
	ports.ChallengeStore
	ports.CounterStore
	ports.SessionStore
}

// App is a fully wired service ready to serve HTTP
type App struct {
	logger  *slog.Logger
	service *service.AuthService
	handler http.Handler

	closers []func() error
}

// Option configures New
type Option func(*options)

type options struct {
	inst *instrumentation.Instrumentation
}

// WithInstrumentation replaces the otel globals
func WithInstrumentation(inst *instrumentation.Instrumentation) Option {
	return func(o *options) { o.inst = inst }
}

// New wires the stores, event publisher, chain reader, service and router
// described by cfg. Redis backs state and events when configured, otherwise
// both are kept in process.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	app := &App{logger: logger}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	signKey, err := LoadSigningKey(cfg.Session.SigningKeyPath)
	if err != nil {
		return nil, err
	}
	if cfg.Session.SigningKeyPath == "" {
		logger.Warn("No session signing key configured, sessions will not survive a restart")
	}

	inst := o.inst
	if inst == nil {
		inst, err = instrumentation.New(nil, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create instrumentation: %w", err)
		}
	}

	st, publisher, err := app.setupState(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	svcOpts := []service.Option{
		service.WithLogger(logger),
		service.WithInstrumentation(inst),
	}
	if cfg.EthRPCURL != "" {
		reader, err := chain.DialEthReader(ctx, cfg.EthRPCURL, cfg.ChainTimeout)
		if err != nil {
			return nil, err
		}
		app.onClose(func() error { reader.Close(); return nil })
		svcOpts = append(svcOpts, service.WithChainReader(reader))
	}

	app.service = service.NewAuthService(
		serviceConfig(cfg),
		st, st, st,
		tokenizer.NewJWTTokenizer(signKey),
		events.NewWatermillPublisher(publisher),
		svcOpts...,
	)

	throttle := transport.NewIPThrottle(cfg.Throttle.RequestsPerSecond, cfg.Throttle.Burst, cfg.Throttle.MaxEntries, logger)
	app.onClose(func() error { throttle.Stop(); return nil })

	app.handler = transport.SetupRouter(app.service, transport.RouterConfig{
		CookieSecure: cfg.Session.CookieSecure,
		TrustProxy:   cfg.Throttle.TrustProxy,
		Throttle:     throttle,
		Logger:       logger,
	})
	return app, nil
}

func (a *App) setupState(ctx context.Context, cfg config.Config, logger *slog.Logger) (stateStore, message.Publisher, error) {
	wmLogger := watermill.NewSlogLogger(logger)

	if cfg.RedisURL == "" {
		mem := store.NewMemoryStore(store.WithLogger(logger))
		mem.StartCleanup(cfg.CleanupInterval)
		a.onClose(mem.Close)

		pubSub := gochannel.NewGoChannel(gochannel.Config{}, wmLogger)
		a.onClose(pubSub.Close)

		logger.Info("Using in-memory state")
		return mem, pubSub, nil
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(redisOpts)
	a.onClose(client.Close)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	publisher, err := redisstream.NewPublisher(
		redisstream.PublisherConfig{
			Client: client,
		},
		wmLogger,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create Redis publisher: %w", err)
	}
	a.onClose(publisher.Close)

	logger.Info("Using Redis state", "addr", redisOpts.Addr, "db", redisOpts.DB)
	return store.NewRedisStore(client), publisher, nil
}

func serviceConfig(cfg config.Config) service.Config {
	return service.Config{
		ChallengeTTL:    cfg.Nonce.TTL,
		NonceBytes:      cfg.Nonce.Bytes,
		MessageTemplate: cfg.Nonce.MessageTemplate,
		RateWindow:      cfg.RateLimit.Window,
		Limits:          cfg.RateLimit.Limits(),
		SessionTTL:      cfg.Session.TTL,
		StoreTimeout:    cfg.StoreTimeout,
	}
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Handler returns the HTTP handler of the service
func (a *App) Handler() http.Handler {
	return a.handler
}

// Service returns the authentication service
func (a *App) Service() *service.AuthService {
	return a.service
}

// Close releases every resource in reverse order of acquisition
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
