package grpc

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncateForLog(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantFull bool
	}{
		{"empty", "", true},
		{"short string unchanged", `{"id": 1}`, true},
		{"exactly at limit", strings.Repeat("x", maxLogBodyLen), true},
		{"one over limit is truncated", strings.Repeat("x", maxLogBodyLen+1), false},
		{"large string is truncated", strings.Repeat("a", 10000), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := truncateForLog(tt.input)
			if tt.wantFull {
				assert.Equal(t, tt.input, result)
				return
			}
			assert.True(t, strings.HasPrefix(result, tt.input[:maxLogBodyLen]))
			assert.True(t, strings.HasSuffix(result, fmt.Sprintf("... (%d bytes total)", len(tt.input))))
		})
	}
}
