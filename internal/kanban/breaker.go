package kanban

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/harrison/bosun/internal/models"
)

// breakerBackend wraps a Backend with a circuit breaker so a flapping board
// API fails fast for the rest of the sweep instead of stalling every call.
type breakerBackend struct {
	inner Backend
	cb    *gobreaker.CircuitBreaker
}

// WithBreaker decorates a backend with a circuit breaker. The breaker opens
// after five consecutive failures and probes again after 30 seconds.
func WithBreaker(inner Backend) Backend {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "kanban-" + inner.Name(),
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &breakerBackend{inner: inner, cb: cb}
}

func (b *breakerBackend) Name() string {
	return b.inner.Name()
}

// call funnels one backend operation through the breaker.
func (b *breakerBackend) call(op func() (interface{}, error)) (interface{}, error) {
	out, err := b.cb.Execute(op)
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, fmt.Errorf("%w: circuit open for %s", ErrBackendUnavailable, b.inner.Name())
	}
	return out, err
}

func (b *breakerBackend) List(ctx context.Context) ([]Item, error) {
	out, err := b.call(func() (interface{}, error) {
		return b.inner.List(ctx)
	})
	if err != nil {
		return nil, err
	}
	return out.([]Item), nil
}

func (b *breakerBackend) Create(ctx context.Context, item Item) (ExternalRef, error) {
	out, err := b.call(func() (interface{}, error) {
		return b.inner.Create(ctx, item)
	})
	if err != nil {
		return ExternalRef{}, err
	}
	return out.(ExternalRef), nil
}

func (b *breakerBackend) SetStatus(ctx context.Context, ref ExternalRef, status models.TaskStatus) error {
	_, err := b.call(func() (interface{}, error) {
		return nil, b.inner.SetStatus(ctx, ref, status)
	})
	return err
}

func (b *breakerBackend) EnsureLabels(ctx context.Context, ref ExternalRef, labels []string) error {
	_, err := b.call(func() (interface{}, error) {
		return nil, b.inner.EnsureLabels(ctx, ref, labels)
	})
	return err
}

func (b *breakerBackend) WriteSharedState(ctx context.Context, ref ExternalRef, state models.SharedState) error {
	_, err := b.call(func() (interface{}, error) {
		return nil, b.inner.WriteSharedState(ctx, ref, state)
	})
	return err
}

func (b *breakerBackend) Comment(ctx context.Context, ref ExternalRef, body, correlationID string) error {
	_, err := b.call(func() (interface{}, error) {
		return nil, b.inner.Comment(ctx, ref, body, correlationID)
	})
	return err
}
