package endpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/shhac/scout/internal/domain"
)

func TestNormalizeEndpoint(t *testing.T) {
	tests := []struct {
		raw  string
		want domain.Endpoint
	}{
		{"host", domain.Endpoint{Address: "host:9090"}},
		{"host:443", domain.Endpoint{Address: "host:443", TLS: true}},
		{"host:9091", domain.Endpoint{Address: "host:9091"}},
		{"https://host", domain.Endpoint{Address: "host:9090"}},
		{"http://host:443", domain.Endpoint{Address: "host:443", TLS: true}},
		{"HTTPS://grpc.example.com:443/cosmos/v1?x=1", domain.Endpoint{Address: "grpc.example.com:443", TLS: true}},
		{"  grpc.example.com:14990/  ", domain.Endpoint{Address: "grpc.example.com:14990"}},
		{"host:", domain.Endpoint{Address: "host:9090"}},
		{"127.0.0.1", domain.Endpoint{Address: "127.0.0.1:9090"}},
		{"[::1]:443", domain.Endpoint{Address: "[::1]:443", TLS: true}},
		{"::1", domain.Endpoint{Address: "[::1]:9090"}},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeEndpoint(tt.raw))
		})
	}
}

func TestNormalizeEndpoint_Idempotent(t *testing.T) {
	for _, raw := range []string{"host", "https://host:443", "a.b:8080/path"} {
		once := NormalizeEndpoint(raw)
		assert.Equal(t, once, NormalizeEndpoint(once.Address), raw)
	}
}

func TestNormalizeAll(t *testing.T) {
	got := NormalizeAll([]string{"b", "", "a:443", "http://b:9090", "  "})
	assert.Equal(t, []domain.Endpoint{
		{Address: "b:9090"},
		{Address: "a:443", TLS: true},
	}, got)
}
