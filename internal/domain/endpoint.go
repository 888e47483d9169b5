package domain

import "time"

// EndpointStats holds health counters for one endpoint address.
type EndpointStats struct {
	Address               string     `json:"address"`
	Failures              uint       `json:"failures"`
	Timeouts              uint       `json:"timeouts"`
	SuccessCount          uint       `json:"successCount"`
	AverageResponseTimeMs *float64   `json:"averageResponseTimeMs,omitempty"`
	LastFailureAt         *time.Time `json:"lastFailureAt,omitempty"`
}

// Clone returns a deep copy safe to hand out of a lock.
func (s EndpointStats) Clone() EndpointStats {
	out := s
	if s.AverageResponseTimeMs != nil {
		v := *s.AverageResponseTimeMs
		out.AverageResponseTimeMs = &v
	}
	if s.LastFailureAt != nil {
		t := *s.LastFailureAt
		out.LastFailureAt = &t
	}
	return out
}

// InvocationResult is the unit raced across endpoints.
type InvocationResult struct {
	EndpointAddress string         `json:"endpointAddress"`
	JSON            map[string]any `json:"json"`
	ResponseTimeMs  float64        `json:"responseTimeMs"`
	TLSUsed         bool           `json:"tlsUsed"`
}
