package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/latitude-dev/latitude-llm-sub007/pkg/kv"
)

// ErrLockAcquisitionTimeout is matched (errors.Is) by every acquisition
// failure caused by contention outlasting the retry budget.
var ErrLockAcquisitionTimeout = errors.New("Failed to acquire lock")

// errLockHeld marks a single failed SET NX attempt; it is retried.
var errLockHeld = errors.New("lock held by another owner")

// releaseTimeout bounds the compare-and-delete issued after the callback.
const releaseTimeout = 5 * time.Second

// releaseScript deletes the marker only while it still holds our token, so a
// marker that expired and was re-acquired by someone else is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// AcquisitionTimeoutError is returned when the lock could not be acquired
// within the configured timeout and retry budget. The callback never ran.
type AcquisitionTimeoutError struct {
	Key      string
	Attempts int
	Waited   time.Duration
}

func (e *AcquisitionTimeoutError) Error() string {
	return fmt.Sprintf("%s: key=%s attempts=%d waited=%s", ErrLockAcquisitionTimeout, e.Key, e.Attempts, e.Waited)
}

// Is lets errors.Is(err, ErrLockAcquisitionTimeout) match.
func (e *AcquisitionTimeoutError) Is(target error) bool {
	return target == ErrLockAcquisitionTimeout
}

// Func is the work executed while the lock is held. It receives the shared
// store handle so it can read or write coordinated state directly.
type Func func(ctx context.Context, rdb redis.Cmdable) error

// Locker hands out short-lived mutual exclusion keyed by arbitrary strings.
// Calls with different keys never wait on each other; calls with the same
// key run strictly one after another across every process sharing the store.
type Locker struct {
	client   *kv.Client
	defaults Options
	logger   log.FieldLogger
}

// NewLocker creates a Locker. Zero fields of defaults are filled from
// DefaultOptions.
func NewLocker(client *kv.Client, defaults Options, logger log.FieldLogger) *Locker {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Locker{
		client:   client,
		defaults: defaults.withDefaults(),
		logger:   logger.WithField("component", "lock"),
	}
}

// Do acquires lockKey, runs fn and releases the lock on every exit path,
// including panics. Errors from fn are returned after the release.
func (l *Locker) Do(ctx context.Context, lockKey string, fn Func, opts ...Option) error {
	if lockKey == "" {
		return errors.New("lock key cannot be empty")
	}
	o := l.defaults
	for _, opt := range opts {
		opt(&o)
	}

	key := kv.LockKey(lockKey)
	token := uuid.New().String()

	if err := l.acquire(ctx, key, token, o); err != nil {
		return err
	}
	defer l.release(ctx, key, token)

	return fn(ctx, l.client.Redis())
}

// WithLock is Do for callbacks that produce a value.
func WithLock[T any](ctx context.Context, l *Locker, lockKey string, fn func(ctx context.Context, rdb redis.Cmdable) (T, error), opts ...Option) (T, error) {
	var result T
	err := l.Do(ctx, lockKey, func(ctx context.Context, rdb redis.Cmdable) error {
		var err error
		result, err = fn(ctx, rdb)
		return err
	}, opts...)
	return result, err
}

func (l *Locker) acquire(ctx context.Context, key, token string, o Options) error {
	rdb := l.client.Redis()
	started := time.Now()

	acquireCtx, cancel := context.WithTimeout(ctx, o.Timeout)
	defer cancel()

	attempts := 0
	err := retry.Do(
		func() error {
			attempts++
			ok, err := rdb.SetNX(acquireCtx, key, token, o.Timeout).Result()
			if err != nil {
				return err
			}
			if !ok {
				return errLockHeld
			}
			return nil
		},
		retry.Context(acquireCtx),
		retry.Attempts(uint(o.MaxRetries)+1),
		retry.Delay(o.RetryDelay),
		retry.MaxDelay(o.MaxRetryDelay),
		retry.MaxJitter(o.RetryDelay),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, errLockHeld)
		}),
	)
	waited := time.Since(started)

	if err == nil {
		observeAcquisition(outcomeAcquired, waited)
		if attempts > 1 {
			l.logger.WithFields(log.Fields{
				"key":      key,
				"attempts": attempts,
				"waited":   waited,
			}).Debug("lock acquired after contention")
		}
		return nil
	}

	// The caller gave up; report that rather than a timeout.
	if ctx.Err() != nil {
		observeAcquisition(outcomeCancelled, waited)
		return ctx.Err()
	}

	if errors.Is(err, errLockHeld) || acquireCtx.Err() != nil {
		observeAcquisition(outcomeTimeout, waited)
		l.logger.WithFields(log.Fields{
			"key":      key,
			"attempts": attempts,
			"waited":   waited,
		}).Warn("lock acquisition timed out")
		return &AcquisitionTimeoutError{Key: key, Attempts: attempts, Waited: waited}
	}

	observeAcquisition(outcomeError, waited)
	return errors.Wrapf(err, "failed to acquire lock %s", key)
}

func (l *Locker) release(ctx context.Context, key, token string) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	deleted, err := releaseScript.Run(releaseCtx, l.client.Redis(), []string{key}, token).Int64()
	if err != nil {
		// The marker still expires on its own after the lock timeout.
		l.logger.WithError(err).WithField("key", key).Error("failed to release lock")
		return
	}
	if deleted == 0 {
		l.logger.WithField("key", key).Warn("lock expired before release; callback outlived the lock timeout")
	}
}
