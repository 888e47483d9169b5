package endpoint

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shhac/scout/internal/domain"
	apperrors "github.com/shhac/scout/internal/errors"
)

const (
	// BlacklistThreshold is the failure count at which an address is excluded.
	BlacklistThreshold = 5
	// BlacklistQuietPeriod evicts a blacklisted address with no newer failures.
	BlacklistQuietPeriod = time.Hour
	// RecoverySuccesses is the success count an address must exceed to leave
	// the blacklist early.
	RecoverySuccesses = 3
)

const (
	baseScore          = 100.0
	failurePenalty     = 10.0
	timeoutPenalty     = 5.0
	successReward      = 2.0
	fastResponseBonus  = 20.0
	fastResponseMs     = 500.0
	blacklistedPenalty = 1000.0
	defaultAdaptivePct = 0.2
	defaultMaxAttempts = 5
)

// BonusRule adds Points to the score of every address containing Substring.
type BonusRule struct {
	Substring string
	Points    float64
}

// Operation is one attempt against a single endpoint. Implementations must
// return promptly once ctx is done. A zero ResponseTimeMs in the result is
// replaced with the measured wall time of the attempt.
type Operation func(ctx context.Context, ep domain.Endpoint) (domain.InvocationResult, error)

// RaceOptions tunes Race.
type RaceOptions struct {
	// AdaptiveTimeoutPercent widens the winner's latency into the cutoff
	// after which slower attempts are abandoned.
	AdaptiveTimeoutPercent float64
	// MaxAttempts caps how many candidates are launched.
	MaxAttempts int
	// WaitForAll lets every attempt settle instead of cancelling the ones
	// still running past the cutoff.
	WaitForAll bool
}

// DefaultRaceOptions returns a 20% adaptive cutoff over at most 5 candidates.
func DefaultRaceOptions() RaceOptions {
	return RaceOptions{
		AdaptiveTimeoutPercent: defaultAdaptivePct,
		MaxAttempts:            defaultMaxAttempts,
	}
}

func (o RaceOptions) withDefaults() RaceOptions {
	if o.AdaptiveTimeoutPercent < 0 {
		o.AdaptiveTimeoutPercent = 0
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	return o
}

// Option configures a Manager.
type Option func(*Manager)

// WithProviderBonus replaces the provider bonus table.
func WithProviderBonus(rules []BonusRule) Option {
	return func(m *Manager) {
		m.bonus = append([]BonusRule(nil), rules...)
	}
}

// WithClock overrides the time source used for failure stamps and eviction.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithMetrics overrides the metric instruments.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// Manager tracks per-endpoint health and races operations across candidates.
// All stats and the blacklist sit behind one mutex that is never held while
// an operation runs.
type Manager struct {
	logger  *slog.Logger
	bonus   []BonusRule
	now     func() time.Time
	metrics *Metrics

	mu        sync.Mutex
	stats     map[string]*domain.EndpointStats
	blacklist map[string]struct{}
}

// NewManager creates an endpoint manager with empty stats.
func NewManager(logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		logger:    logger,
		now:       time.Now,
		stats:     make(map[string]*domain.EndpointStats),
		blacklist: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = NewMetrics(DefaultMetricPrefix)
	}
	return m
}

// statsLocked returns the stats entry for address, creating it on first use.
func (m *Manager) statsLocked(address string) *domain.EndpointStats {
	s, ok := m.stats[address]
	if !ok {
		s = &domain.EndpointStats{Address: address}
		m.stats[address] = s
	}
	return s
}

// evictQuietLocked drops blacklisted addresses whose last failure is older
// than the quiet period.
func (m *Manager) evictQuietLocked(now time.Time) {
	for addr := range m.blacklist {
		s := m.stats[addr]
		if s == nil || s.LastFailureAt == nil || now.Sub(*s.LastFailureAt) >= BlacklistQuietPeriod {
			delete(m.blacklist, addr)
			m.logger.Info("endpoint left blacklist after quiet period", slog.String("address", addr))
		}
	}
}

// RecordSuccess counts a success and folds rt into the smoothed average.
func (m *Manager) RecordSuccess(address string, rt time.Duration) {
	sample := durMs(rt)

	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.statsLocked(address)
	s.SuccessCount++
	avg := sample
	if s.AverageResponseTimeMs != nil {
		avg = (*s.AverageResponseTimeMs + sample) / 2
	}
	s.AverageResponseTimeMs = &avg

	if _, listed := m.blacklist[address]; listed && s.SuccessCount > RecoverySuccesses {
		delete(m.blacklist, address)
		m.logger.Info("endpoint recovered from blacklist",
			slog.String("address", address),
			slog.Int("successes", int(s.SuccessCount)))
	}
}

// RecordFailure counts a failure, and a timeout when isTimeout is set.
// Reaching the failure threshold blacklists the address.
func (m *Manager) RecordFailure(address string, isTimeout bool) {
	now := m.now()

	m.mu.Lock()
	s := m.statsLocked(address)
	s.Failures++
	if isTimeout {
		s.Timeouts++
	}
	s.LastFailureAt = &now

	entered := false
	if _, listed := m.blacklist[address]; !listed && s.Failures >= BlacklistThreshold {
		m.blacklist[address] = struct{}{}
		entered = true
	}
	failures := s.Failures
	m.mu.Unlock()

	if entered {
		m.logger.Warn("endpoint blacklisted",
			slog.String("address", address),
			slog.Int("failures", int(failures)))
		m.metrics.recordBlacklisted(context.Background(), address)
	}
}

// Score ranks an address; higher is better. Blacklisted addresses are
// always negative.
func (m *Manager) Score(address string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictQuietLocked(m.now())
	return m.scoreLocked(address)
}

func (m *Manager) scoreLocked(address string) float64 {
	score := baseScore + m.providerBonus(address)
	if s, ok := m.stats[address]; ok {
		score -= failurePenalty * float64(s.Failures)
		score -= timeoutPenalty * float64(s.Timeouts)
		score += successReward * float64(s.SuccessCount)
		if s.AverageResponseTimeMs != nil && *s.AverageResponseTimeMs < fastResponseMs {
			score += fastResponseBonus
		}
	}
	if _, listed := m.blacklist[address]; listed {
		score -= blacklistedPenalty
	}
	return score
}

// providerBonus returns the points of the first matching rule.
func (m *Manager) providerBonus(address string) float64 {
	for _, r := range m.bonus {
		if r.Substring != "" && strings.Contains(address, r.Substring) {
			return r.Points
		}
	}
	return 0
}

// Prioritize returns a copy of candidates sorted by score, highest first.
// Equal scores keep their input order.
func (m *Manager) Prioritize(candidates []domain.Endpoint) []domain.Endpoint {
	m.mu.Lock()
	m.evictQuietLocked(m.now())
	scores := make(map[string]float64, len(candidates))
	for _, c := range candidates {
		scores[c.Address] = m.scoreLocked(c.Address)
	}
	m.mu.Unlock()

	out := append([]domain.Endpoint(nil), candidates...)
	sort.SliceStable(out, func(i, j int) bool {
		return scores[out[i].Address] > scores[out[j].Address]
	})
	return out
}

// IsBlacklisted reports whether address is currently excluded.
func (m *Manager) IsBlacklisted(address string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictQuietLocked(m.now())
	_, listed := m.blacklist[address]
	return listed
}

// Stats returns a copy of every tracked endpoint's stats.
func (m *Manager) Stats() map[string]domain.EndpointStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]domain.EndpointStats, len(m.stats))
	for addr, s := range m.stats {
		out[addr] = s.Clone()
	}
	return out
}

// Blacklist returns the blacklisted addresses in sorted order.
func (m *Manager) Blacklist() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictQuietLocked(m.now())
	out := make([]string, 0, len(m.blacklist))
	for addr := range m.blacklist {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// eligible prioritizes candidates, drops blacklisted ones and caps the list.
func (m *Manager) eligible(candidates []domain.Endpoint, max int) []domain.Endpoint {
	ordered := m.Prioritize(candidates)

	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Endpoint, 0, len(ordered))
	for _, c := range ordered {
		if _, listed := m.blacklist[c.Address]; listed {
			m.logger.Debug("skipping blacklisted endpoint", slog.String("address", c.Address))
			continue
		}
		out = append(out, c)
		if len(out) == max {
			break
		}
	}
	return out
}

type attemptResult struct {
	idx     int
	ep      domain.Endpoint
	res     domain.InvocationResult
	err     error
	elapsed time.Duration
}

// Race runs op concurrently against the best candidates and returns the
// lowest-latency success. Every settled attempt is recorded in the stats.
// Unless opts.WaitForAll is set, attempts still running once the adaptive
// cutoff after the best success passes are cancelled and left unrecorded.
func (m *Manager) Race(ctx context.Context, candidates []domain.Endpoint, op Operation, opts RaceOptions) (domain.InvocationResult, error) {
	opts = opts.withDefaults()

	eligible := m.eligible(candidates, opts.MaxAttempts)
	if len(eligible) == 0 {
		m.logger.Warn("no endpoints to race", slog.Int("candidates", len(candidates)))
		return domain.InvocationResult{}, &apperrors.AllEndpointsFailedError{Reason: apperrors.ErrNoEndpoints}
	}

	raceCtx, cancelRace := context.WithCancel(ctx)
	defer cancelRace()

	start := time.Now()
	results := make(chan attemptResult, len(eligible))
	for i, ep := range eligible {
		go func(i int, ep domain.Endpoint) {
			began := time.Now()
			res, err := op(raceCtx, ep)
			results <- attemptResult{idx: i, ep: ep, res: res, err: err, elapsed: time.Since(began)}
		}(i, ep)
	}

	m.logger.Debug("race started",
		slog.Int("candidates", len(eligible)),
		slog.Float64("adaptive_pct", opts.AdaptiveTimeoutPercent),
		slog.Bool("wait_for_all", opts.WaitForAll))

	var (
		winner    = -1
		successes []domain.InvocationResult
		failures  []apperrors.AttemptError
		settled   = make(map[int]bool, len(eligible))
		cutoff    *time.Timer
		cutoffC   <-chan time.Time
	)
	defer func() {
		if cutoff != nil {
			cutoff.Stop()
		}
	}()

	for len(settled) < len(eligible) {
		select {
		case r := <-results:
			settled[r.idx] = true
			if r.err != nil {
				failures = append(failures, m.settleFailure(ctx, r))
				continue
			}
			res := m.settleSuccess(ctx, r)
			successes = append(successes, res)
			if winner >= 0 && res.ResponseTimeMs >= successes[winner].ResponseTimeMs {
				continue
			}
			winner = len(successes) - 1
			if opts.WaitForAll {
				continue
			}
			wait := time.Until(start.Add(threshold(res.ResponseTimeMs, opts.AdaptiveTimeoutPercent)))
			if cutoff == nil {
				cutoff = time.NewTimer(wait)
				cutoffC = cutoff.C
			} else {
				if !cutoff.Stop() {
					select {
					case <-cutoff.C:
					default:
					}
				}
				cutoff.Reset(wait)
			}

		case <-cutoffC:
			for i, ep := range eligible {
				if settled[i] {
					continue
				}
				m.logger.Info("cancelling attempt past adaptive cutoff",
					slog.String("address", ep.Address),
					slog.Float64("winner_ms", successes[winner].ResponseTimeMs))
				m.metrics.recordAttempt(ctx, ep.Address, outcomeCancelled, 0)
			}
			cancelRace()
			return m.finish(winner, successes, opts), nil
		}
	}

	if winner < 0 {
		sort.Slice(failures, func(i, j int) bool {
			return indexOf(eligible, failures[i].Address) < indexOf(eligible, failures[j].Address)
		})
		m.logger.Warn("all endpoints failed", slog.Int("attempts", len(failures)))
		return domain.InvocationResult{}, &apperrors.AllEndpointsFailedError{Attempts: failures}
	}
	return m.finish(winner, successes, opts), nil
}

func (m *Manager) settleSuccess(ctx context.Context, r attemptResult) domain.InvocationResult {
	res := r.res
	if res.ResponseTimeMs <= 0 {
		res.ResponseTimeMs = durMs(r.elapsed)
	}
	if res.EndpointAddress == "" {
		res.EndpointAddress = r.ep.Address
		res.TLSUsed = r.ep.TLS
	}
	rt := time.Duration(res.ResponseTimeMs * float64(time.Millisecond))
	m.RecordSuccess(r.ep.Address, rt)
	m.metrics.recordAttempt(ctx, r.ep.Address, outcomeSuccess, rt)
	m.logger.Debug("attempt succeeded",
		slog.String("address", r.ep.Address),
		slog.Float64("response_ms", res.ResponseTimeMs))
	return res
}

func (m *Manager) settleFailure(ctx context.Context, r attemptResult) apperrors.AttemptError {
	attempt := apperrors.AttemptError{Address: r.ep.Address, Err: r.err}

	// The caller gave up; the endpoint is not at fault.
	if ctx.Err() != nil {
		m.metrics.recordAttempt(ctx, r.ep.Address, outcomeCancelled, 0)
		return attempt
	}

	timeout := apperrors.IsTimeout(r.err)
	m.RecordFailure(r.ep.Address, timeout)
	outcome := outcomeFailure
	if timeout {
		outcome = outcomeTimeout
	}
	m.metrics.recordAttempt(ctx, r.ep.Address, outcome, 0)
	m.logger.Info("attempt failed",
		slog.String("address", r.ep.Address),
		slog.Bool("timeout", timeout),
		slog.String("error", r.err.Error()))
	return attempt
}

// finish logs the successes that lost by more than the adaptive margin.
func (m *Manager) finish(winner int, successes []domain.InvocationResult, opts RaceOptions) domain.InvocationResult {
	best := successes[winner]
	limit := best.ResponseTimeMs * (1 + opts.AdaptiveTimeoutPercent)
	for _, s := range successes {
		if s.ResponseTimeMs > limit {
			m.logger.Info("dropping slow response",
				slog.String("address", s.EndpointAddress),
				slog.Float64("response_ms", s.ResponseTimeMs),
				slog.Float64("threshold_ms", limit))
			m.metrics.recordAttempt(context.Background(), s.EndpointAddress, outcomeDropped, 0)
		}
	}
	m.logger.Info("race won",
		slog.String("address", best.EndpointAddress),
		slog.Float64("response_ms", best.ResponseTimeMs))
	return best
}

func threshold(winnerMs, pct float64) time.Duration {
	return time.Duration(winnerMs * (1 + pct) * float64(time.Millisecond))
}

func indexOf(eps []domain.Endpoint, address string) int {
	for i, ep := range eps {
		if ep.Address == address {
			return i
		}
	}
	return len(eps)
}
