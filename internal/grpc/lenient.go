package grpc

import (
	"context"
	"fmt"
	"log/slog"

	"google.golang.org/grpc"
	reflectionpb "google.golang.org/grpc/reflection/grpc_reflection_v1"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"

	apperrors "github.com/shhac/scout/internal/errors"
)

// lenientResolve uses the raw reflection protocol with protodesc.AllowUnresolvable
// to build service descriptors even when some type dependencies can't be resolved.
func (r *Registry) lenientResolve(ctx context.Context, conn grpc.ClientConnInterface, serviceName string) (protoreflect.ServiceDescriptor, error) {
	stream, err := reflectionpb.NewServerReflectionClient(conn).ServerReflectionInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open reflection stream: %w", err)
	}
	defer func() { _ = stream.CloseSend() }()

	roots, err := requestFiles(stream, &reflectionpb.ServerReflectionRequest{
		MessageRequest: &reflectionpb.ServerReflectionRequest_FileContainingSymbol{
			FileContainingSymbol: serviceName,
		},
	})
	if err != nil {
		return nil, err
	}
	if len(roots) == 0 {
		return nil, fmt.Errorf("no file descriptors returned for %s", serviceName)
	}

	g := newDepGraph(r.maxDepth, r.logger, func(name string) ([]*descriptorpb.FileDescriptorProto, error) {
		return requestFiles(stream, &reflectionpb.ServerReflectionRequest{
			MessageRequest: &reflectionpb.ServerReflectionRequest_FileByFilename{
				FileByFilename: name,
			},
		})
	})
	g.add(roots)

	root := roots[0].GetName()
	if err := g.walk(root, 0); err != nil {
		return nil, err
	}

	fd, err := g.build().FindFileByPath(root)
	if err != nil {
		return nil, fmt.Errorf("file %s not built: %w", root, err)
	}
	sd := fd.Services().ByName(protoreflect.FullName(serviceName).Name())
	if sd == nil || string(sd.FullName()) != serviceName {
		return nil, fmt.Errorf("service %s not found after lenient parsing", serviceName)
	}
	return sd, nil
}

func requestFiles(stream reflectionpb.ServerReflection_ServerReflectionInfoClient, req *reflectionpb.ServerReflectionRequest) ([]*descriptorpb.FileDescriptorProto, error) {
	if err := stream.Send(req); err != nil {
		return nil, fmt.Errorf("failed to send reflection request: %w", err)
	}
	resp, err := stream.Recv()
	if err != nil {
		return nil, fmt.Errorf("failed to receive reflection response: %w", err)
	}

	fdResp := resp.GetFileDescriptorResponse()
	if fdResp == nil {
		if errResp := resp.GetErrorResponse(); errResp != nil {
			return nil, fmt.Errorf("reflection error: %s", errResp.GetErrorMessage())
		}
		return nil, fmt.Errorf("unexpected reflection response type")
	}

	out := make([]*descriptorpb.FileDescriptorProto, 0, len(fdResp.GetFileDescriptorProto()))
	for _, raw := range fdResp.GetFileDescriptorProto() {
		fd := &descriptorpb.FileDescriptorProto{}
		if err := proto.Unmarshal(raw, fd); err != nil {
			return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidDescriptor, err)
		}
		out = append(out, fd)
	}
	return out, nil
}

// depGraph collects file descriptor protos and orders them dependencies first.
// Files missing on the server and absent locally are left out; the lenient
// build turns references into them into placeholders.
type depGraph struct {
	fetch    func(name string) ([]*descriptorpb.FileDescriptorProto, error)
	local    *protoregistry.Files
	maxDepth int
	logger   *slog.Logger

	protos   map[string]*descriptorpb.FileDescriptorProto
	visiting map[string]bool
	done     map[string]bool
	order    []*descriptorpb.FileDescriptorProto
}

func newDepGraph(maxDepth int, logger *slog.Logger, fetch func(string) ([]*descriptorpb.FileDescriptorProto, error)) *depGraph {
	return &depGraph{
		fetch:    fetch,
		local:    protoregistry.GlobalFiles,
		maxDepth: maxDepth,
		logger:   logger,
		protos:   make(map[string]*descriptorpb.FileDescriptorProto),
		visiting: make(map[string]bool),
		done:     make(map[string]bool),
	}
}

func (g *depGraph) add(fds []*descriptorpb.FileDescriptorProto) {
	for _, fd := range fds {
		if _, ok := g.protos[fd.GetName()]; !ok {
			g.protos[fd.GetName()] = fd
		}
	}
}

// walk visits name and its imports depth first, appending files to order
// after their dependencies.
func (g *depGraph) walk(name string, depth int) error {
	if g.done[name] {
		return nil
	}
	if g.visiting[name] {
		return &apperrors.TypeResolutionError{Kind: apperrors.CircularDependency, Symbol: name}
	}
	if depth > g.maxDepth {
		return &apperrors.TypeResolutionError{
			Kind:   apperrors.DepthExceeded,
			Symbol: name,
			Err:    fmt.Errorf("import chain longer than %d", g.maxDepth),
		}
	}

	fd, ok := g.protos[name]
	if !ok {
		if _, err := g.local.FindFileByPath(name); err == nil {
			g.done[name] = true
			return nil
		}
		fetched, err := g.fetch(name)
		if err != nil {
			g.logger.Debug("failed to fetch dependency file",
				slog.String("dep", name), slog.Any("error", err))
			g.done[name] = true
			return nil
		}
		g.add(fetched)
		if fd, ok = g.protos[name]; !ok {
			g.done[name] = true
			return nil
		}
	}

	g.visiting[name] = true
	for _, dep := range fd.GetDependency() {
		if err := g.walk(dep, depth+1); err != nil {
			return err
		}
	}
	g.visiting[name] = false
	g.done[name] = true
	g.order = append(g.order, fd)
	return nil
}

// build parses the ordered files with unresolvable references allowed. The
// returned resolver also sees files already registered locally.
func (g *depGraph) build() *combinedResolver {
	opts := protodesc.FileOptions{AllowUnresolvable: true}
	files := new(protoregistry.Files)
	resolver := &combinedResolver{local: files, global: g.local}

	for _, fdp := range g.order {
		if _, err := g.local.FindFileByPath(fdp.GetName()); err == nil {
			continue
		}
		parsed, err := opts.New(fdp, resolver)
		if err != nil {
			g.logger.Debug("failed to build lenient file",
				slog.String("file", fdp.GetName()),
				slog.Any("error", err),
			)
			continue
		}
		if err := files.RegisterFile(parsed); err != nil {
			g.logger.Debug("failed to register lenient file",
				slog.String("file", fdp.GetName()),
				slog.Any("error", err),
			)
		}
	}
	return resolver
}

// combinedResolver tries local files first, then falls back to global registry.
type combinedResolver struct {
	local  *protoregistry.Files
	global *protoregistry.Files
}

func (r *combinedResolver) FindFileByPath(path string) (protoreflect.FileDescriptor, error) {
	if fd, err := r.local.FindFileByPath(path); err == nil {
		return fd, nil
	}
	return r.global.FindFileByPath(path)
}

func (r *combinedResolver) FindDescriptorByName(name protoreflect.FullName) (protoreflect.Descriptor, error) {
	if d, err := r.local.FindDescriptorByName(name); err == nil {
		return d, nil
	}
	return r.global.FindDescriptorByName(name)
}
