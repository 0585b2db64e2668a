package budget

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// StatusCoder is implemented by errors that carry an HTTP status code.
type StatusCoder interface {
	HTTPStatus() int
}

// retryableStatus lists provider responses worth another attempt.
var retryableStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// IsRetryable classifies err as transient: timeouts, connection resets and
// 429/5xx responses. Anything unrecognized is treated as permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var perm *PermanentError
	if errors.As(err, &perm) || errors.Is(err, context.Canceled) || errors.Is(err, ErrBudgetExceeded) {
		return false
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		return retryableStatus[sc.HTTPStatus()]
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

// RetryPolicy bounds the number of extra attempts and the delay between them.
// The n-th retry waits min(BaseDelay * 2^(n-1), MaxDelay).
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy matches the provider defaults: 3 retries, 1s doubling to 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

// Retrier wraps network-calling operations with capped exponential backoff.
type Retrier struct {
	policy RetryPolicy
	logger *zap.Logger
}

// NewRetrier creates a Retrier. Zero delays fall back to the defaults.
func NewRetrier(policy RetryPolicy, logger *zap.Logger) *Retrier {
	def := DefaultRetryPolicy()
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = def.BaseDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = def.MaxDelay
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	return &Retrier{policy: policy, logger: logger.Named("retry")}
}

// Policy returns the effective policy.
func (r *Retrier) Policy() RetryPolicy { return r.policy }

// Do runs op up to MaxRetries+1 times. Non-retryable errors return after the
// first call; once retries are exhausted the last error is returned as is.
func (r *Retrier) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.BaseDelay
	b.MaxInterval = r.policy.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	attempt := 0
	operation := func() error {
		attempt++
		err := op(ctx)
		if err != nil && !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Warn("Transient failure, retrying",
			zap.String("operation", name),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.policy.MaxRetries)), ctx)
	return backoff.RetryNotify(operation, bo, notify)
}

// Retry is the generic form of Do for operations that produce a value.
func Retry[T any](ctx context.Context, r *Retrier, name string, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := r.Do(ctx, name, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}
