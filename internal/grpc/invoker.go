package grpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/shhac/scout/internal/domain"
	apperrors "github.com/shhac/scout/internal/errors"
	"github.com/shhac/scout/internal/schema"
)

// maxLogBodyLen caps request bodies written to debug logs.
const maxLogBodyLen = 1024

// Session is a discovered endpoint: a connection plus the schemas of the
// messages its methods exchange. *Registry satisfies it.
type Session interface {
	Conn() grpc.ClientConnInterface
	Schemas() *schema.Set
}

// Invoker calls methods without generated code by encoding JSON against the
// session's schemas and passing raw wire bytes through gRPC. It never mutates
// the session.
type Invoker struct {
	logger *slog.Logger
}

// NewInvoker creates a new dynamic gRPC invoker.
func NewInvoker(logger *slog.Logger) *Invoker {
	return &Invoker{logger: logger}
}

// Invoke calls a unary method with a JSON request and returns the decoded
// response. A positive timeout bounds the call; exceeding it cancels the call
// and returns a *TimeoutError.
func (i *Invoker) Invoke(
	ctx context.Context,
	session Session,
	method *domain.MethodDescriptor,
	jsonParams []byte,
	timeout time.Duration,
) (map[string]any, error) {
	if method.RequestStreaming || method.ResponseStreaming {
		return nil, apperrors.ValidationError{
			Field:   "method",
			Message: fmt.Sprintf("%s is a %s method; only unary calls are supported", method.FullName, method.MethodType()),
		}
	}
	conn := session.Conn()
	if conn == nil {
		return nil, fmt.Errorf("%w: session has no connection", apperrors.ErrConnectionFailed)
	}

	path := method.Path()
	i.logger.Debug("invoking unary RPC",
		slog.String("method", path),
		slog.String("request", truncateForLog(string(jsonParams))),
	)

	req, err := schema.EncodeJSON(session.Schemas(), method.RequestTypeName, jsonParams)
	if err != nil {
		i.logger.Error("failed to encode request",
			slog.String("method", path),
			slog.Any("error", err),
		)
		return nil, err
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var resp rawFrame
	start := time.Now()
	err = conn.Invoke(ctx, path, rawFrame(req), &resp, grpc.ForceCodec(rawCodec{}))
	if err != nil {
		err = callError(ctx, err, timeout)
		i.logger.Error("RPC invocation failed",
			slog.String("method", path),
			slog.Duration("elapsed", time.Since(start)),
			slog.Any("error", err),
		)
		return nil, err
	}

	out, err := schema.DecodeType(session.Schemas(), method.ResponseTypeName, resp)
	if err != nil {
		i.logger.Error("failed to decode response",
			slog.String("method", path),
			slog.Any("error", err),
		)
		return nil, err
	}

	i.logger.Debug("unary RPC completed",
		slog.String("method", path),
		slog.Duration("elapsed", time.Since(start)),
		slog.Int("response_bytes", len(resp)),
	)
	return out, nil
}

// InvokeServerStream calls a server streaming method and relays each decoded
// response.
//
// The caller should drain msgChan until it is closed and then read errChan:
// io.EOF means normal completion, anything else is the failure. Both channels
// are closed when the stream ends.
func (i *Invoker) InvokeServerStream(
	ctx context.Context,
	session Session,
	method *domain.MethodDescriptor,
	jsonParams []byte,
) (<-chan map[string]any, <-chan error) {
	msgChan := make(chan map[string]any, 10)
	errChan := make(chan error, 1)

	path := method.Path()
	i.logger.Debug("invoking server streaming RPC",
		slog.String("method", path),
		slog.String("request", truncateForLog(string(jsonParams))),
	)

	go func() {
		defer close(msgChan)
		defer close(errChan)

		if method.RequestStreaming || !method.ResponseStreaming {
			errChan <- apperrors.ValidationError{
				Field:   "method",
				Message: fmt.Sprintf("%s is a %s method, not a server stream", method.FullName, method.MethodType()),
			}
			return
		}
		conn := session.Conn()
		if conn == nil {
			errChan <- fmt.Errorf("%w: session has no connection", apperrors.ErrConnectionFailed)
			return
		}

		req, err := schema.EncodeJSON(session.Schemas(), method.RequestTypeName, jsonParams)
		if err != nil {
			errChan <- err
			return
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := conn.NewStream(ctx, &grpc.StreamDesc{ServerStreams: true}, path, grpc.ForceCodec(rawCodec{}))
		if err != nil {
			i.logger.Error("failed to start server stream",
				slog.String("method", path),
				slog.Any("error", err),
			)
			errChan <- err
			return
		}
		if err := stream.SendMsg(rawFrame(req)); err != nil {
			errChan <- err
			return
		}
		if err := stream.CloseSend(); err != nil {
			errChan <- err
			return
		}

		messageCount := 0
		for {
			var frame rawFrame
			err := stream.RecvMsg(&frame)
			if err == io.EOF {
				i.logger.Debug("server stream completed",
					slog.String("method", path),
					slog.Int("message_count", messageCount),
				)
				errChan <- io.EOF
				return
			}
			if err != nil {
				i.logger.Error("stream receive error",
					slog.String("method", path),
					slog.Int("message_count", messageCount),
					slog.Any("error", err),
				)
				errChan <- err
				return
			}

			msg, err := schema.DecodeType(session.Schemas(), method.ResponseTypeName, frame)
			if err != nil {
				errChan <- err
				return
			}
			messageCount++

			select {
			case msgChan <- msg:
			case <-ctx.Done():
				i.logger.Info("server stream cancelled by context",
					slog.String("method", path),
					slog.Int("message_count", messageCount),
				)
				errChan <- ctx.Err()
				return
			}
		}
	}()

	return msgChan, errChan
}

// callError maps a failed call onto a *TimeoutError when it ran out of time.
func callError(ctx context.Context, err error, timeout time.Duration) error {
	if status.Code(err) == codes.DeadlineExceeded || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &apperrors.TimeoutError{Timeout: timeout, Err: err}
	}
	return err
}

// rawFrame is an already-encoded protobuf message.
type rawFrame []byte

// rawCodec passes wire bytes through unchanged. It registers under the
// "proto" name so servers see the usual content subtype.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	switch f := v.(type) {
	case rawFrame:
		return f, nil
	case *rawFrame:
		return *f, nil
	}
	return nil, fmt.Errorf("raw codec: cannot marshal %T", v)
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*rawFrame)
	if !ok {
		return fmt.Errorf("raw codec: cannot unmarshal into %T", v)
	}
	*f = append((*f)[:0], data...)
	return nil
}

func (rawCodec) Name() string { return "proto" }

// truncateForLog shortens s to maxLogBodyLen bytes, noting the full size.
func truncateForLog(s string) string {
	if len(s) <= maxLogBodyLen {
		return s
	}
	return fmt.Sprintf("%s... (%d bytes total)", s[:maxLogBodyLen], len(s))
}
