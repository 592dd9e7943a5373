package blocking

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/isometry/ldapsync/internal/ldap"
)

// Driver runs one asynchronous session step at a time on behalf of blocking
// callers. A second caller never waits for the first: it is refused with
// ldap.ErrExclusiveAccess.
type Driver struct {
	sem     *semaphore.Weighted
	busy    atomic.Bool
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

// NewDriver creates a driver whose operations are bounded by timeout unless
// a call overrides it. Zero means no default deadline.
func NewDriver(timeout time.Duration) *Driver {
	ctx, cancel := context.WithCancel(context.Background())
	return &Driver{
		sem:     semaphore.NewWeighted(1),
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Timeout returns the default deadline applied to every call.
func (d *Driver) Timeout() time.Duration {
	return d.timeout
}

// InUse reports whether a call currently holds the driver.
func (d *Driver) InUse() bool {
	return d.busy.Load()
}

// Closed reports whether Close has been called.
func (d *Driver) Closed() bool {
	return d.closed.Load()
}

// Close releases the driver. Calls waiting on it return ldap.ErrSessionClosed
// and later calls are refused. Close is idempotent.
func (d *Driver) Close() {
	if d.closed.CompareAndSwap(false, true) {
		d.cancel()
	}
}

func (d *Driver) acquire() error {
	if d.closed.Load() {
		return ldap.ErrSessionClosed
	}
	if !d.sem.TryAcquire(1) {
		return ldap.ErrExclusiveAccess
	}
	d.busy.Store(true)
	return nil
}

func (d *Driver) release() {
	d.busy.Store(false)
	d.sem.Release(1)
}

// Exclusive runs fn while holding the driver.
func (d *Driver) Exclusive(fn func()) error {
	if err := d.acquire(); err != nil {
		return err
	}
	defer d.release()

	fn()
	return nil
}

// Run checks the driver out, starts the step built by work and blocks until
// it completes. work returns the Future of the step and the request id it
// issued, which is reported in a *ldap.TimeoutError when the deadline
// elapses. timeout overrides the driver default when positive.
//
// The Future of a timed out or cancelled step keeps running; its result is
// dropped.
func Run[T any](ctx context.Context, d *Driver, operation string, timeout time.Duration, work func(ctx context.Context) (*ldap.Future[T], ldap.RequestID)) (T, error) {
	var zero T

	if err := d.acquire(); err != nil {
		return zero, err
	}
	defer d.release()

	if timeout <= 0 {
		timeout = d.timeout
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		callCtx, cancelTimeout = context.WithTimeout(callCtx, timeout)
		defer cancelTimeout()
	}

	stop := context.AfterFunc(d.ctx, cancel)
	defer stop()

	future, id := work(callCtx)
	v, err := future.Await(callCtx)
	if err == nil {
		return v, nil
	}

	switch {
	case ctx.Err() != nil:
		return zero, ctx.Err()
	case d.closed.Load() && errors.Is(err, context.Canceled):
		return zero, ldap.ErrSessionClosed
	case timeout > 0 && errors.Is(err, context.DeadlineExceeded) && callCtx.Err() != nil:
		return zero, &ldap.TimeoutError{Operation: operation, RequestID: id, After: timeout}
	}

	// A step may fail with a partial value, such as the entries a search
	// collected before a size limit.
	return v, err
}
