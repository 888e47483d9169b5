package grpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/grpcreflect"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"

	"github.com/shhac/scout/internal/domain"
	apperrors "github.com/shhac/scout/internal/errors"
	"github.com/shhac/scout/internal/retry"
	"github.com/shhac/scout/internal/schema"
)

// DefaultMaxDependencyDepth bounds the import chain followed by the lenient
// descriptor fallback.
const DefaultMaxDependencyDepth = 32

var reflectionServices = map[string]bool{
	"grpc.reflection.v1.ServerReflection":      true,
	"grpc.reflection.v1alpha.ServerReflection": true,
}

// Registry discovers the services of one endpoint through server reflection
// and owns the resulting method descriptors and message schemas.
type Registry struct {
	conns    *ConnectionManager
	logger   *slog.Logger
	policy   retry.Policy
	maxDepth int
	schemas  *schema.Set

	keepaliveTime    time.Duration
	keepaliveTimeout time.Duration

	initMu sync.Mutex // serializes Initialize and Close

	mu          sync.RWMutex
	initialized bool
	endpoint    domain.Endpoint
	conn        *grpc.ClientConn
	client      *grpcreflect.Client
	services    []domain.ServiceDescriptor
	methods     map[string]domain.MethodDescriptor
}

// Option configures a Registry.
type Option func(*Registry)

// WithRetryPolicy overrides the policy used for reflection round trips.
func WithRetryPolicy(p retry.Policy) Option {
	return func(r *Registry) { r.policy = p }
}

// WithMaxDependencyDepth overrides DefaultMaxDependencyDepth.
func WithMaxDependencyDepth(n int) Option {
	return func(r *Registry) { r.maxDepth = n }
}

// WithKeepalive enables keepalive pings on the registry's connection.
func WithKeepalive(interval, timeout time.Duration) Option {
	return func(r *Registry) {
		r.keepaliveTime = interval
		r.keepaliveTimeout = timeout
	}
}

// NewRegistry creates a Registry drawing connections from conns.
func NewRegistry(conns *ConnectionManager, logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		conns:    conns,
		logger:   logger,
		policy:   retry.DefaultPolicy(),
		maxDepth: DefaultMaxDependencyDepth,
		schemas:  schema.NewSet(),
		methods:  make(map[string]domain.MethodDescriptor),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.policy.Retryable == nil {
		r.policy.Retryable = func(err error) bool { return !apperrors.IsPermanent(err) }
	}
	return r
}

// Initialize connects to ep and materializes every service it exposes.
// Services whose descriptors cannot be resolved are kept with an Error and no
// methods. An error is returned only when the service list itself cannot be
// fetched, in which case the session is released.
func (r *Registry) Initialize(ctx context.Context, ep domain.Endpoint, timeout time.Duration) error {
	r.initMu.Lock()
	defer r.initMu.Unlock()

	r.mu.RLock()
	initialized, current := r.initialized, r.endpoint
	r.mu.RUnlock()
	if initialized {
		if current == ep {
			return nil
		}
		return fmt.Errorf("registry already initialized for %s", current)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, err := r.conns.Acquire(ctx, domain.Connection{
		Endpoint:         ep,
		Timeout:          timeout,
		KeepaliveTime:    r.keepaliveTime,
		KeepaliveTimeout: r.keepaliveTimeout,
	})
	if err != nil {
		return &apperrors.ReflectionFetchError{Address: ep.Address, Err: err}
	}

	client := grpcreflect.NewClientAuto(ctx, conn)
	client.AllowMissingFileDescriptors()
	client.AllowFallbackResolver(protoregistry.GlobalFiles, protoregistry.GlobalTypes)

	r.logger.Debug("listing services via reflection", slog.String("address", ep.Address))

	names, err := retry.Do(ctx, r.policy, r.logger, "list services", func(context.Context) ([]string, error) {
		return client.ListServices()
	})
	if err != nil {
		r.logger.Error("failed to list services",
			slog.String("address", ep.Address),
			slog.Any("error", err),
		)
		client.Reset()
		if relErr := r.conns.Release(ep); relErr != nil {
			r.logger.Warn("failed to release connection", slog.Any("error", relErr))
		}
		r.schemas.Reset()
		return &apperrors.ReflectionFetchError{Address: ep.Address, Err: err}
	}

	services := r.discover(ctx, client, conn, names)

	// A discovery cut short by the caller's context is incomplete, not a set
	// of broken services. Leave the registry uninitialized so the next call
	// starts over.
	if err := interrupted(ctx, services); err != nil {
		r.logger.Warn("discovery interrupted",
			slog.String("address", ep.Address),
			slog.Any("error", err),
		)
		client.Reset()
		if relErr := r.conns.Release(ep); relErr != nil {
			r.logger.Warn("failed to release connection", slog.Any("error", relErr))
		}
		r.schemas.Reset()
		return &apperrors.ReflectionFetchError{Address: ep.Address, Err: err}
	}

	methods := make(map[string]domain.MethodDescriptor)
	errorCount := 0
	for _, svc := range services {
		if svc.Error != "" {
			errorCount++
		}
		for _, m := range svc.Methods {
			methods[m.FullName] = m
		}
	}
	if errorCount > 0 {
		r.logger.Warn("some services failed descriptor resolution",
			slog.String("address", ep.Address),
			slog.Int("total", len(services)),
			slog.Int("errors", errorCount),
		)
	}
	r.logger.Info("discovered services via reflection",
		slog.String("address", ep.Address),
		slog.Int("service_count", len(services)),
		slog.Int("method_count", len(methods)),
		slog.Int("schema_count", r.schemas.Len()),
	)

	r.mu.Lock()
	r.initialized = true
	r.endpoint = ep
	r.conn = conn
	r.client = client
	r.services = services
	r.methods = methods
	r.mu.Unlock()

	return nil
}

// discover resolves each listed service. A file backing several services is
// fetched and processed once.
func (r *Registry) discover(ctx context.Context, client *grpcreflect.Client, conn grpc.ClientConnInterface, names []string) []domain.ServiceDescriptor {
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		if !reflectionServices[name] {
			wanted[name] = true
		}
	}

	resolved := make(map[string]protoreflect.ServiceDescriptor)
	processedFiles := make(map[string]bool)
	var services []domain.ServiceDescriptor

	for _, name := range sortedKeys(wanted) {
		sd, ok := resolved[name]
		if !ok {
			var err error
			sd, err = r.resolveService(ctx, client, conn, name, resolved, processedFiles)
			if err != nil {
				r.logger.Warn("failed to resolve service",
					slog.String("service", name),
					slog.Any("error", err),
				)
				services = append(services, failedService(name, err))
				continue
			}
		}

		svc, err := r.describe(sd)
		if err != nil {
			r.logger.Warn("failed to build message schemas",
				slog.String("service", name),
				slog.Any("error", err),
			)
			services = append(services, failedService(name, err))
			continue
		}
		services = append(services, svc)
	}

	sort.Slice(services, func(i, j int) bool { return services[i].FullName < services[j].FullName })
	return services
}

func (r *Registry) resolveService(
	ctx context.Context,
	client *grpcreflect.Client,
	conn grpc.ClientConnInterface,
	name string,
	resolved map[string]protoreflect.ServiceDescriptor,
	processedFiles map[string]bool,
) (protoreflect.ServiceDescriptor, error) {
	fd, err := retry.Do(ctx, r.policy, r.logger, "file containing "+name, func(context.Context) (*desc.FileDescriptor, error) {
		fd, err := client.FileContainingSymbol(name)
		if err != nil && grpcreflect.IsElementNotFoundError(err) {
			return nil, &apperrors.TypeResolutionError{Kind: apperrors.MissingType, Symbol: name, Err: err}
		}
		return fd, err
	})
	if err == nil {
		if !processedFiles[fd.GetName()] {
			processedFiles[fd.GetName()] = true
			for _, s := range fd.GetServices() {
				resolved[s.GetFullyQualifiedName()] = s.UnwrapService()
			}
		}
		if sd, ok := resolved[name]; ok {
			return sd, nil
		}
		return nil, &apperrors.TypeResolutionError{
			Kind:   apperrors.MissingType,
			Symbol: name,
			Err:    fmt.Errorf("file %s does not declare the service", fd.GetName()),
		}
	}

	r.logger.Warn("standard resolution failed, trying lenient resolve",
		slog.String("service", name),
		slog.Any("error", err),
	)
	sd, lenientErr := r.lenientResolve(ctx, conn, name)
	if lenientErr != nil {
		r.logger.Warn("lenient resolution also failed",
			slog.String("service", name),
			slog.Any("error", lenientErr),
		)
		// structural problems found by the fallback are more specific
		var tre *apperrors.TypeResolutionError
		if errors.As(lenientErr, &tre) && tre.Kind != apperrors.MissingType {
			return nil, lenientErr
		}
		return nil, err
	}
	r.logger.Info("lenient resolution succeeded", slog.String("service", name))
	return sd, nil
}

// describe converts a service descriptor and builds the schemas of every
// request and response type it uses.
func (r *Registry) describe(sd protoreflect.ServiceDescriptor) (domain.ServiceDescriptor, error) {
	builder := schema.NewBuilder(r.schemas)
	methods := sd.Methods()
	svc := domain.ServiceDescriptor{
		Name:     string(sd.Name()),
		FullName: string(sd.FullName()),
		Methods:  make([]domain.MethodDescriptor, 0, methods.Len()),
	}

	for i := range methods.Len() {
		md := methods.Get(i)
		if _, err := builder.Build(md.Input()); err != nil {
			return domain.ServiceDescriptor{}, fmt.Errorf("method %s request: %w", md.Name(), err)
		}
		if _, err := builder.Build(md.Output()); err != nil {
			return domain.ServiceDescriptor{}, fmt.Errorf("method %s response: %w", md.Name(), err)
		}
		svc.Methods = append(svc.Methods, domain.NewMethodDescriptor(
			svc.FullName,
			string(md.Name()),
			string(md.Input().FullName()),
			string(md.Output().FullName()),
			md.IsStreamingClient(),
			md.IsStreamingServer(),
		))
	}
	return svc, nil
}

// interrupted returns the context error that made discovery incomplete, if any.
func interrupted(ctx context.Context, services []domain.ServiceDescriptor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, svc := range services {
		if errors.Is(svc.Err, context.Canceled) || errors.Is(svc.Err, context.DeadlineExceeded) {
			return fmt.Errorf("service %s: %w", svc.FullName, svc.Err)
		}
	}
	return nil
}

func failedService(fullName string, err error) domain.ServiceDescriptor {
	name := fullName
	if i := strings.LastIndex(fullName, "."); i >= 0 {
		name = fullName[i+1:]
	}
	return domain.ServiceDescriptor{
		Name:     name,
		FullName: fullName,
		Methods:  []domain.MethodDescriptor{},
		Error:    err.Error(),
		Err:      err,
	}
}

// Services returns the discovered services sorted by full name.
func (r *Registry) Services() []domain.ServiceDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ServiceDescriptor, len(r.services))
	copy(out, r.services)
	return out
}

// FindMethod looks up a method by service full name and method name.
func (r *Registry) FindMethod(service, method string) (*domain.MethodDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.methods[service+"."+method]
	if !ok {
		return nil, false
	}
	return &m, true
}

// Schemas returns the message schemas built during discovery.
func (r *Registry) Schemas() *schema.Set {
	return r.schemas
}

// Conn returns the session's connection, nil before Initialize.
func (r *Registry) Conn() grpc.ClientConnInterface {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.conn == nil {
		return nil
	}
	return r.conn
}

// Endpoint returns the endpoint the registry was initialized for.
func (r *Registry) Endpoint() domain.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.endpoint
}

// Initialized reports whether discovery has completed.
func (r *Registry) Initialized() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.initialized
}

// Close releases the connection and clears every cache. It is safe to call
// more than once.
func (r *Registry) Close() error {
	r.initMu.Lock()
	defer r.initMu.Unlock()

	r.mu.Lock()
	if !r.initialized {
		r.mu.Unlock()
		return nil
	}
	ep, client := r.endpoint, r.client
	r.initialized = false
	r.conn = nil
	r.client = nil
	r.services = nil
	r.methods = make(map[string]domain.MethodDescriptor)
	r.endpoint = domain.Endpoint{}
	r.mu.Unlock()

	client.Reset()
	r.schemas.Reset()
	return r.conns.Release(ep)
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
