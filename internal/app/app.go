package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/shhac/scout/internal/domain"
	"github.com/shhac/scout/internal/endpoint"
	apperrors "github.com/shhac/scout/internal/errors"
	"github.com/shhac/scout/internal/grpc"
	"github.com/shhac/scout/internal/storage"
)

// Option customizes App wiring, mostly for tests.
type Option func(*App)

// WithCache replaces the cache chosen from the config.
func WithCache(c storage.Cache) Option {
	return func(a *App) { a.cache = c }
}

// WithEndpointManager replaces the endpoint manager built from the config.
func WithEndpointManager(m *endpoint.Manager) Option {
	return func(a *App) { a.endpoints = m }
}

// WithRegistryOptions adds options to every registry the app creates.
func WithRegistryOptions(opts ...grpc.Option) Option {
	return func(a *App) { a.registryOpts = append(a.registryOpts, opts...) }
}

// WithClock overrides the time source used for cache timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// App is the main application coordinator, responsible for wiring
// together all components and managing their lifecycle.
type App struct {
	config       *Config
	logger       *slog.Logger
	connManager  *grpc.ConnectionManager
	invoker      *grpc.Invoker
	endpoints    *endpoint.Manager
	cache        storage.Cache
	registryOpts []grpc.Option
	now          func() time.Time

	mu         sync.Mutex
	registries map[domain.Endpoint]*grpc.Registry
}

// New creates a new App instance with the given configuration.
// This performs all dependency injection and wiring.
func New(cfg *Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &App{
		config:     cfg,
		logger:     logger,
		now:        time.Now,
		registries: make(map[domain.Endpoint]*grpc.Registry),
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.cache == nil {
		cache, err := newCache(cfg, logger)
		if err != nil {
			return nil, err
		}
		a.cache = cache
	}
	if a.endpoints == nil {
		a.endpoints = endpoint.NewManager(logger, endpoint.WithProviderBonus(cfg.ProviderBonus))
	}

	a.connManager = grpc.NewConnectionManager(logger)
	a.connManager.SetStateCallback(func(ep domain.Endpoint, state grpc.ConnectionState, message string) {
		logger.Debug("connection state changed",
			slog.String("endpoint", ep.String()),
			slog.String("state", state.String()),
			slog.String("message", message))
	})
	a.invoker = grpc.NewInvoker(logger)
	if cfg.KeepaliveTime > 0 {
		a.registryOpts = append([]grpc.Option{grpc.WithKeepalive(cfg.KeepaliveTime, cfg.KeepaliveTimeout)}, a.registryOpts...)
	}

	logger.Info("scout initialized",
		slog.Bool("debug", cfg.Debug),
		slog.Duration("timeout", cfg.Timeout),
		slog.Duration("cache_ttl", cfg.CacheTTL))
	return a, nil
}

func newCache(cfg *Config, logger *slog.Logger) (storage.Cache, error) {
	if cfg.MemoryCache {
		return storage.NewMemoryCache(0), nil
	}
	path := cfg.CachePath
	if path == "" {
		var err error
		path, err = storage.DefaultCachePath()
		if err != nil {
			return nil, fmt.Errorf("failed to determine cache path: %w", err)
		}
	}
	return storage.NewFileCache(path, logger), nil
}

// registry returns the initialized registry for ep, creating it on first use.
// A failed initialization leaves the registry in place so a later call retries.
func (a *App) registry(ctx context.Context, ep domain.Endpoint) (*grpc.Registry, error) {
	a.mu.Lock()
	r, ok := a.registries[ep]
	if !ok {
		r = grpc.NewRegistry(a.connManager, a.logger, a.registryOpts...)
		a.registries[ep] = r
	}
	a.mu.Unlock()

	if err := r.Initialize(ctx, ep, a.config.Timeout); err != nil {
		return nil, err
	}
	return r, nil
}

func servicesKey(ep domain.Endpoint) string {
	return fmt.Sprintf("services:%s:tls=%t", ep.Address, ep.TLS)
}

// DiscoverServices lists the services of ep, served from the cache while the
// cached result is fresh.
func (a *App) DiscoverServices(ctx context.Context, ep domain.Endpoint) ([]domain.ServiceDescriptor, error) {
	key := servicesKey(ep)
	if entry, ok := a.cache.Get(key); ok && storage.Fresh(entry, a.config.CacheTTL, a.now()) {
		var services []domain.ServiceDescriptor
		if err := json.Unmarshal(entry.Data, &services); err == nil {
			a.logger.Debug("discovery served from cache",
				slog.String("endpoint", ep.String()),
				slog.Int("services", len(services)))
			return services, nil
		}
		a.logger.Warn("ignoring unreadable cached discovery", slog.String("key", key))
	}
	return a.RefreshServices(ctx, ep)
}

// RefreshServices discovers the services of ep over reflection and rewrites
// the cached result.
func (a *App) RefreshServices(ctx context.Context, ep domain.Endpoint) ([]domain.ServiceDescriptor, error) {
	r, err := a.registry(ctx, ep)
	if err != nil {
		return nil, err
	}
	services := r.Services()

	data, err := json.Marshal(services)
	if err != nil {
		return nil, fmt.Errorf("marshal services: %w", err)
	}
	if err := a.cache.Set(servicesKey(ep), data, a.now()); err != nil {
		a.logger.Warn("failed to cache discovery", slog.String("endpoint", ep.String()), slog.Any("error", err))
	}
	return services, nil
}

// DescribeMethod returns the descriptor of service/method on ep.
func (a *App) DescribeMethod(ctx context.Context, ep domain.Endpoint, service, method string) (*domain.MethodDescriptor, error) {
	r, err := a.registry(ctx, ep)
	if err != nil {
		return nil, err
	}
	return lookupMethod(r, service, method)
}

func lookupMethod(r *grpc.Registry, service, method string) (*domain.MethodDescriptor, error) {
	if m, ok := r.FindMethod(service, method); ok {
		return m, nil
	}
	for _, svc := range r.Services() {
		if svc.FullName != service {
			continue
		}
		if svc.Err != nil {
			return nil, fmt.Errorf("%w: %s.%s: service unavailable: %w", apperrors.ErrMethodNotFound, service, method, svc.Err)
		}
		if svc.Error != "" {
			return nil, fmt.Errorf("%w: %s.%s: service unavailable: %s", apperrors.ErrMethodNotFound, service, method, svc.Error)
		}
	}
	return nil, fmt.Errorf("%w: %s.%s", apperrors.ErrMethodNotFound, service, method)
}

// InvokeMethod calls a unary method on ep with a JSON request. A zero timeout
// uses the configured one.
func (a *App) InvokeMethod(ctx context.Context, ep domain.Endpoint, service, method string, jsonParams []byte, timeout time.Duration) (map[string]any, error) {
	r, err := a.registry(ctx, ep)
	if err != nil {
		return nil, err
	}
	m, err := lookupMethod(r, service, method)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = a.config.Timeout
	}
	return a.invoker.Invoke(ctx, r, m, jsonParams, timeout)
}

// StreamMethod calls a server-streaming method on ep.
func (a *App) StreamMethod(ctx context.Context, ep domain.Endpoint, service, method string, jsonParams []byte) (<-chan map[string]any, <-chan error, error) {
	r, err := a.registry(ctx, ep)
	if err != nil {
		return nil, nil, err
	}
	m, err := lookupMethod(r, service, method)
	if err != nil {
		return nil, nil, err
	}
	msgs, errs := a.invoker.InvokeServerStream(ctx, r, m, jsonParams)
	return msgs, errs, nil
}

// RaceEndpoints runs op across candidates and returns the fastest success.
func (a *App) RaceEndpoints(ctx context.Context, candidates []domain.Endpoint, op endpoint.Operation, opts endpoint.RaceOptions) (domain.InvocationResult, error) {
	return a.endpoints.Race(ctx, candidates, op, opts)
}

// RaceInvoke normalizes raw candidates and races a unary call across them.
// Each attempt initializes its endpoint's registry if needed, so the measured
// response time of a cold endpoint includes discovery.
func (a *App) RaceInvoke(ctx context.Context, rawCandidates []string, service, method string, jsonParams []byte, opts endpoint.RaceOptions) (domain.InvocationResult, error) {
	candidates := endpoint.NormalizeAll(rawCandidates)

	op := func(ctx context.Context, ep domain.Endpoint) (domain.InvocationResult, error) {
		start := time.Now()
		out, err := a.InvokeMethod(ctx, ep, service, method, jsonParams, 0)
		if err != nil {
			return domain.InvocationResult{}, err
		}
		return domain.InvocationResult{
			EndpointAddress: ep.Address,
			JSON:            out,
			ResponseTimeMs:  float64(time.Since(start)) / float64(time.Millisecond),
			TLSUsed:         ep.TLS,
		}, nil
	}

	a.logger.Info("racing invocation",
		slog.String("method", service+"/"+method),
		slog.Int("candidates", len(candidates)))
	return a.endpoints.Race(ctx, candidates, op, opts)
}

// Stats returns a copy of every tracked endpoint's health stats.
func (a *App) Stats() map[string]domain.EndpointStats {
	return a.endpoints.Stats()
}

// Blacklist returns the currently excluded endpoint addresses.
func (a *App) Blacklist() []string {
	return a.endpoints.Blacklist()
}

// Endpoints returns the endpoint manager.
func (a *App) Endpoints() *endpoint.Manager {
	return a.endpoints
}

// Close closes every registry and the connections behind them.
func (a *App) Close() error {
	a.mu.Lock()
	registries := a.registries
	a.registries = make(map[domain.Endpoint]*grpc.Registry)
	a.mu.Unlock()

	keys := make([]domain.Endpoint, 0, len(registries))
	for ep := range registries {
		keys = append(keys, ep)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	var errs error
	for _, ep := range keys {
		errs = multierr.Append(errs, registries[ep].Close())
	}
	errs = multierr.Append(errs, a.connManager.CloseAll())

	a.logger.Info("scout closed", slog.Int("registries", len(keys)))
	return errs
}
