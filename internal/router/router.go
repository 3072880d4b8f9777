// Package router selects executor candidates for task dispatch.
//
// Distribution picks who gets a new task (weighted, round-robin, or
// primary-only); the failover strategy orders the remaining profiles for use
// after the first candidate fails. Profiles that crossed the consecutive
// failure threshold cool down and are skipped entirely.
package router

import (
	"math/rand/v2"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/harrison/bosun/internal/models"
	"github.com/harrison/bosun/internal/registry"
)

// Distribution modes.
const (
	DistributionWeighted    = "weighted"
	DistributionRoundRobin  = "round-robin"
	DistributionPrimaryOnly = "primary-only"
)

// Failover strategies.
const (
	FailoverNextInLine     = "next-in-line"
	FailoverWeightedRandom = "weighted-random"
	FailoverRoundRobin     = "round-robin"
)

// Policy bounds retries and failure-driven cooldowns.
type Policy struct {
	MaxRetries                   int
	CooldownMinutes              int
	DisableOnConsecutiveFailures int
}

// DefaultPolicy matches the documented defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:                   3,
		CooldownMinutes:              5,
		DisableOnConsecutiveFailures: 3,
	}
}

// Router builds ordered executor candidate lists.
type Router struct {
	reg          *registry.Registry
	distribution string
	failover     string
	policy       Policy

	mu     sync.Mutex
	cursor int
	rand   *rand.Rand
	now    func() time.Time
}

// Option configures a Router.
type Option func(*Router)

// WithRand injects a deterministic random source (tests).
func WithRand(r *rand.Rand) Option {
	return func(rt *Router) { rt.rand = r }
}

// WithClock injects a clock (tests).
func WithClock(now func() time.Time) Option {
	return func(rt *Router) { rt.now = now }
}

// New creates a Router. Unknown mode strings fall back to the defaults
// (primary-only distribution, next-in-line failover).
func New(reg *registry.Registry, distribution, failover string, policy Policy, opts ...Option) *Router {
	switch distribution {
	case DistributionWeighted, DistributionRoundRobin, DistributionPrimaryOnly:
	default:
		distribution = DistributionPrimaryOnly
	}
	switch failover {
	case FailoverNextInLine, FailoverWeightedRandom, FailoverRoundRobin:
	default:
		failover = FailoverNextInLine
	}
	rt := &Router{
		reg:          reg,
		distribution: distribution,
		failover:     failover,
		policy:       policy,
		rand:         rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// Pick returns the ordered candidate list for a task, capped at
// MaxRetries+1 entries (the initial pick plus retries). An empty list means
// every profile is disabled or cooling down.
func (rt *Router) Pick(task *models.Task) []models.ExecutorProfile {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	available := rt.reg.Available(rt.now())
	if len(available) == 0 {
		return nil
	}

	first := rt.pickFirst(task, available)
	rest := remove(available, first.Name)
	ordered := append([]models.ExecutorProfile{first}, rt.orderFailover(rest)...)

	limit := rt.policy.MaxRetries + 1
	if limit > 0 && len(ordered) > limit {
		ordered = ordered[:limit]
	}
	return ordered
}

// pickFirst applies scope matching, then the distribution mode.
func (rt *Router) pickFirst(task *models.Task, available []models.ExecutorProfile) models.ExecutorProfile {
	// A profile named after the task's conventional-commit scope takes the
	// task regardless of distribution mode.
	if task != nil {
		if _, scope, ok := models.ParseTitleScope(task.Title); ok {
			if p, found := matchScope(available, scope); found {
				return p
			}
		}
	}

	switch rt.distribution {
	case DistributionWeighted:
		return rt.weightedSample(available)
	case DistributionRoundRobin:
		p := available[rt.cursor%len(available)]
		rt.cursor++
		return p
	default: // primary-only
		for _, p := range available {
			if p.Role == models.RolePrimary {
				return p
			}
		}
		return available[0]
	}
}

// matchScope finds a profile dedicated to the scope: exact name match or a
// "{scope}-" name prefix.
func matchScope(available []models.ExecutorProfile, scope string) (models.ExecutorProfile, bool) {
	scope = strings.ToLower(scope)
	for _, p := range available {
		name := strings.ToLower(p.Name)
		if name == scope || strings.HasPrefix(name, scope+"-") {
			return p, true
		}
	}
	return models.ExecutorProfile{}, false
}

// orderFailover orders the remaining candidates per the failover strategy.
func (rt *Router) orderFailover(rest []models.ExecutorProfile) []models.ExecutorProfile {
	switch rt.failover {
	case FailoverWeightedRandom:
		return rt.weightedShuffle(rest)
	case FailoverRoundRobin:
		if len(rest) == 0 {
			return rest
		}
		offset := rt.cursor % len(rest)
		rt.cursor++
		return append(append([]models.ExecutorProfile{}, rest[offset:]...), rest[:offset]...)
	default: // next-in-line
		sorted := append([]models.ExecutorProfile{}, rest...)
		sort.SliceStable(sorted, func(i, j int) bool {
			return rolePriority(sorted[i].Role) < rolePriority(sorted[j].Role)
		})
		return sorted
	}
}

// rolePriority maps roles to a sort key: primary, backup, tertiary, then
// executor-N by N.
func rolePriority(role string) int {
	switch role {
	case models.RolePrimary:
		return 0
	case models.RoleBackup:
		return 1
	case models.RoleTertiary:
		return 2
	}
	if n, err := strconv.Atoi(strings.TrimPrefix(role, "executor-")); err == nil {
		return n
	}
	return 1 << 20
}

// weightedSample draws one profile with probability proportional to weight.
func (rt *Router) weightedSample(profiles []models.ExecutorProfile) models.ExecutorProfile {
	total := 0
	for _, p := range profiles {
		total += p.Weight
	}
	n := rt.rand.IntN(total)
	for _, p := range profiles {
		n -= p.Weight
		if n < 0 {
			return p
		}
	}
	return profiles[len(profiles)-1]
}

// weightedShuffle orders profiles by repeated weighted sampling without
// replacement.
func (rt *Router) weightedShuffle(profiles []models.ExecutorProfile) []models.ExecutorProfile {
	pool := append([]models.ExecutorProfile{}, profiles...)
	out := make([]models.ExecutorProfile, 0, len(pool))
	for len(pool) > 0 {
		p := rt.weightedSample(pool)
		out = append(out, p)
		pool = remove(pool, p.Name)
	}
	return out
}

// remove filters one profile out by name.
func remove(profiles []models.ExecutorProfile, name string) []models.ExecutorProfile {
	out := make([]models.ExecutorProfile, 0, len(profiles))
	for _, p := range profiles {
		if p.Name != name {
			out = append(out, p)
		}
	}
	return out
}

// ReportFailure records a failed dispatch on the named profile, applying the
// cooldown policy. Returns true when the profile was disabled by this call.
func (rt *Router) ReportFailure(name string) bool {
	cooldown := time.Duration(rt.policy.CooldownMinutes) * time.Minute
	return rt.reg.RecordFailure(name, rt.policy.DisableOnConsecutiveFailures, cooldown, rt.now())
}

// ReportSuccess resets the profile's failure state.
func (rt *Router) ReportSuccess(name string) {
	rt.reg.RecordSuccess(name)
}
