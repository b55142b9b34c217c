package authstore

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/pkg/errors"
)

// ErrThrottled is returned without consulting the wrapped validator once a
// user has failed too often.
var ErrThrottled = errors.New("authstore: too many failed logins")

// Throttle counts failed logins per user in a ristretto cache and refuses
// further attempts until the window since the first failure has passed.
// Counting is best effort: ristretto may refuse to admit a new counter
// when the cache is under pressure, in which case that user starts over.
type Throttle struct {
	mu       sync.Mutex // serializes counter creation
	next     Validator
	cache    *ristretto.Cache
	max      int32
	window   time.Duration
	disabled bool
}

// NewThrottle wraps next. A max of zero or less disables throttling.
func NewThrottle(next Validator, max int, window time.Duration) (*Throttle, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,     // number of keys to track frequency of (100k).
		MaxCost:     1 << 14, // one unit per tracked user.
		BufferItems: 64,      // number of keys per Get buffer.

		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, errors.WithMessage(err, "NewCache")
	}
	return &Throttle{
		next:     next,
		cache:    cache,
		max:      int32(max),
		window:   window,
		disabled: max <= 0,
	}, nil
}

// Login implements the AUTH validator contract.
func (t *Throttle) Login(ctx context.Context, username, password string) error {
	if t.disabled {
		return t.next.Login(ctx, username, password)
	}

	key := strings.ToLower(username)
	if failures := t.failures(key); failures != nil && failures.Load() >= t.max {
		return ErrThrottled
	}

	if err := t.next.Login(ctx, username, password); err != nil {
		t.recordFailure(key)
		return err
	}
	t.cache.Del(key)
	return nil
}

// Failures returns the failures counted for username in the current window.
func (t *Throttle) Failures(username string) int {
	if f := t.failures(strings.ToLower(username)); f != nil {
		return int(f.Load())
	}
	return 0
}

// Close releases the cache.
func (t *Throttle) Close() {
	t.cache.Close()
}

func (t *Throttle) failures(key string) *atomic.Int32 {
	v, ok := t.cache.Get(key)
	if !ok {
		return nil
	}
	return v.(*atomic.Int32)
}

func (t *Throttle) recordFailure(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if f := t.failures(key); f != nil {
		f.Add(1)
		return
	}
	f := new(atomic.Int32)
	f.Store(1)
	t.cache.SetWithTTL(key, f, 1, t.window)
	// Sets are buffered; make the counter visible to the next attempt.
	t.cache.Wait()
}
