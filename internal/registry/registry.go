// Package registry normalizes executor profile configuration and indexes it
// for the router.
package registry

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harrison/bosun/internal/config"
	"github.com/harrison/bosun/internal/models"
)

// Registry holds the normalized executor profiles. Mutations of failure
// counters go through the registry so the router and gate observe one state.
type Registry struct {
	mu       sync.Mutex
	profiles []*models.ExecutorProfile
	byName   map[string]*models.ExecutorProfile
	byRole   map[string]*models.ExecutorProfile
}

// roleForIndex returns the default role for the profile at position i.
func roleForIndex(i int) string {
	switch i {
	case 0:
		return models.RolePrimary
	case 1:
		return models.RoleBackup
	case 2:
		return models.RoleTertiary
	default:
		return fmt.Sprintf("executor-%d", i+1)
	}
}

// New normalizes the configured executors:
// non-positive weights coerce to 1, missing roles default by position,
// and exactly one profile ends up primary (first occurrence wins).
func New(entries []config.ExecutorConfig) (*Registry, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("no executors configured")
	}

	r := &Registry{
		byName: make(map[string]*models.ExecutorProfile),
		byRole: make(map[string]*models.ExecutorProfile),
	}

	primarySeen := false
	for i, e := range entries {
		kind := models.ExecutorKind(strings.ToUpper(strings.TrimSpace(e.Executor)))
		if !kind.IsValid() {
			return nil, fmt.Errorf("executor %q: unknown kind %q", e.Name, e.Executor)
		}

		weight := e.Weight
		if weight < 1 {
			weight = 1
		}

		role := strings.TrimSpace(e.Role)
		if role == "" {
			role = roleForIndex(i)
		}
		if role == models.RolePrimary {
			if primarySeen {
				// First primary wins; later claimants fall back to their
				// positional default.
				role = roleForIndex(i)
				if role == models.RolePrimary {
					role = models.RoleBackup
				}
			} else {
				primarySeen = true
			}
		}

		enabled := true
		if e.Enabled != nil {
			enabled = *e.Enabled
		}

		p := &models.ExecutorProfile{
			Name:     e.Name,
			Executor: kind,
			Variant:  e.Variant,
			Weight:   weight,
			Role:     role,
			Enabled:  enabled,
		}
		r.profiles = append(r.profiles, p)
		r.byName[p.Name] = p
		if _, exists := r.byRole[p.Role]; !exists {
			r.byRole[p.Role] = p
		}
	}

	if !primarySeen {
		// No explicit primary anywhere: promote the first profile.
		r.profiles[0].Role = models.RolePrimary
		r.byRole[models.RolePrimary] = r.profiles[0]
	}

	return r, nil
}

// Profiles returns a snapshot copy of all profiles in config order.
func (r *Registry) Profiles() []models.ExecutorProfile {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.ExecutorProfile, len(r.profiles))
	for i, p := range r.profiles {
		out[i] = *p
	}
	return out
}

// ByName returns a copy of the named profile.
func (r *Registry) ByName(name string) (models.ExecutorProfile, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byName[name]
	if !ok {
		return models.ExecutorProfile{}, false
	}
	return *p, true
}

// ByRole returns a copy of the profile holding the given role.
func (r *Registry) ByRole(role string) (models.ExecutorProfile, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byRole[role]
	if !ok {
		return models.ExecutorProfile{}, false
	}
	return *p, true
}

// Primary returns the primary profile.
func (r *Registry) Primary() models.ExecutorProfile {
	p, _ := r.ByRole(models.RolePrimary)
	return p
}

// RecordFailure increments the profile's consecutive failure counter. When it
// reaches threshold, the profile is disabled until now+cooldown and the
// counter resets. Returns true when the call disabled the profile.
func (r *Registry) RecordFailure(name string, threshold int, cooldown time.Duration, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byName[name]
	if !ok {
		return false
	}
	p.ConsecutiveFailures++
	if threshold > 0 && p.ConsecutiveFailures >= threshold {
		p.DisabledUntil = now.Add(cooldown)
		p.ConsecutiveFailures = 0
		return true
	}
	return false
}

// RecordSuccess resets the profile's failure counter and cooldown.
func (r *Registry) RecordSuccess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.byName[name]; ok {
		p.ConsecutiveFailures = 0
		p.DisabledUntil = time.Time{}
	}
}

// Available returns copies of the profiles that may receive work now, in
// config order.
func (r *Registry) Available(now time.Time) []models.ExecutorProfile {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.ExecutorProfile
	for _, p := range r.profiles {
		if p.Available(now) {
			out = append(out, *p)
		}
	}
	return out
}

// Statuses returns executor status snapshots for observers.
func (r *Registry) Statuses(now time.Time) []models.ExecutorStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.ExecutorStatus, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, models.ExecutorStatus{
			Name:                p.Name,
			Executor:            p.Executor,
			Role:                p.Role,
			Enabled:             p.Enabled,
			CoolingDown:         !p.DisabledUntil.IsZero() && now.Before(p.DisabledUntil),
			ConsecutiveFailures: p.ConsecutiveFailures,
		})
	}
	return out
}
