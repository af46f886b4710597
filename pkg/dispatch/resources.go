package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/imgjobd/pkg/operation"
)

// ErrResourceInit is returned when a resource could not be built within the
// configured number of attempts.
var ErrResourceInit = errors.New("resource initialization failed")

const (
	// DefaultInitAttempts is the number of factory calls per Get.
	DefaultInitAttempts = 3
	// DefaultInitRetryDelay separates two factory calls.
	DefaultInitRetryDelay = time.Second
)

type resourceSlot struct {
	mu  sync.Mutex
	res operation.Resource
}

// ResourceCache holds at most one resource per kind, built on first use.
//
// A failed build leaves the slot empty so the next job starts over.
type ResourceCache struct {
	attempts int
	delay    time.Duration
	log      *zap.Logger

	mu    sync.Mutex
	slots map[operation.Kind]*resourceSlot
}

// NewResourceCache creates an empty cache.
func NewResourceCache(attempts int, delay time.Duration, logger *zap.Logger) *ResourceCache {
	if attempts <= 0 {
		attempts = DefaultInitAttempts
	}
	if delay < 0 {
		delay = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResourceCache{
		attempts: attempts,
		delay:    delay,
		log:      logger,
		slots:    make(map[operation.Kind]*resourceSlot),
	}
}

func (c *ResourceCache) slot(kind operation.Kind) *resourceSlot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[kind]
	if !ok {
		s = &resourceSlot{}
		c.slots[kind] = s
	}
	return s
}

// Get returns the resource for kind, building it with factory if needed.
// Concurrent callers for the same kind wait for a single build. A nil factory
// yields a nil resource.
func (c *ResourceCache) Get(ctx context.Context, kind operation.Kind, factory operation.ResourceFactory) (operation.Resource, error) {
	if factory == nil {
		return nil, nil
	}
	s := c.slot(kind)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.res != nil {
		return s.res, nil
	}

	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		res, err := factory(ctx)
		if err == nil && res != nil {
			s.res = res
			c.log.Info("Resource initialized", zap.String("kind", string(kind)), zap.Int("attempt", attempt))
			return res, nil
		}
		if err == nil {
			err = fmt.Errorf("factory returned no resource")
		}
		lastErr = err
		c.log.Warn("Resource initialization attempt failed",
			zap.String("kind", string(kind)),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.attempts),
			zap.Error(err))

		if attempt == c.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w for %s: %w", ErrResourceInit, kind, ctx.Err())
		case <-time.After(c.delay):
		}
	}
	return nil, fmt.Errorf("%w for %s after %d attempts: %w", ErrResourceInit, kind, c.attempts, lastErr)
}

// Loaded reports whether kind currently has a resource.
func (c *ResourceCache) Loaded(kind operation.Kind) bool {
	c.mu.Lock()
	s, ok := c.slots[kind]
	c.mu.Unlock()
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.res != nil
}

// Close releases every built resource.
func (c *ResourceCache) Close() error {
	c.mu.Lock()
	slots := make(map[operation.Kind]*resourceSlot, len(c.slots))
	for k, s := range c.slots {
		slots[k] = s
	}
	c.mu.Unlock()

	var errs []error
	for kind, s := range slots {
		s.mu.Lock()
		if s.res != nil {
			if err := s.res.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s resource: %w", kind, err))
			}
			s.res = nil
		}
		s.mu.Unlock()
	}
	return errors.Join(errs...)
}
