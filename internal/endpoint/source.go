package endpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/shhac/scout/internal/domain"
)

// maxSourceBody bounds how much of a registry document is read.
const maxSourceBody = 4 << 20

// Source supplies candidate endpoints for one logical target.
type Source interface {
	Endpoints(ctx context.Context) ([]domain.Endpoint, error)
}

// Listing is an endpoint-list document in the chain registry shape.
type Listing struct {
	APIs struct {
		GRPC []ListedEndpoint `json:"grpc"`
	} `json:"apis"`
}

// ListedEndpoint is one advertised gRPC endpoint.
type ListedEndpoint struct {
	Address  string `json:"address"`
	Provider string `json:"provider,omitempty"`
}

// HTTPSource fetches a Listing over HTTP. Fetches are rate limited so a
// retry loop cannot hammer the registry.
type HTTPSource struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// HTTPSourceOption configures an HTTPSource.
type HTTPSourceOption func(*HTTPSource)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) HTTPSourceOption {
	return func(s *HTTPSource) {
		s.client = c
	}
}

// WithRateLimit allows one fetch per interval with the given burst.
func WithRateLimit(interval time.Duration, burst int) HTTPSourceOption {
	return func(s *HTTPSource) {
		s.limiter = rate.NewLimiter(rate.Every(interval), burst)
	}
}

// NewHTTPSource creates a source reading the document at url.
func NewHTTPSource(url string, logger *slog.Logger, opts ...HTTPSourceOption) *HTTPSource {
	s := &HTTPSource{
		url:     url,
		client:  &http.Client{Timeout: 15 * time.Second},
		limiter: rate.NewLimiter(rate.Every(time.Second), 2),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Endpoints fetches the document and returns its normalized, deduplicated
// gRPC endpoints in document order.
func (s *HTTPSource) Endpoints(ctx context.Context) ([]domain.Endpoint, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for registry rate limit: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("building registry request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching endpoint registry %s: %w", s.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("endpoint registry %s returned %s", s.url, resp.Status)
	}

	var listing Listing
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxSourceBody)).Decode(&listing); err != nil {
		return nil, fmt.Errorf("parsing endpoint registry: %w", err)
	}

	raws := make([]string, 0, len(listing.APIs.GRPC))
	for _, e := range listing.APIs.GRPC {
		raws = append(raws, e.Address)
	}
	eps := NormalizeAll(raws)

	s.logger.Debug("fetched endpoint registry",
		slog.String("url", s.url),
		slog.Int("listed", len(listing.APIs.GRPC)),
		slog.Int("endpoints", len(eps)))
	return eps, nil
}

// StaticSource is a fixed endpoint list.
type StaticSource []domain.Endpoint

// Endpoints returns a copy of the list.
func (s StaticSource) Endpoints(context.Context) ([]domain.Endpoint, error) {
	return append([]domain.Endpoint(nil), s...), nil
}
