package blocking

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/isometry/ldapsync/internal/ldap"
)

// fakeSession is an in-memory Session that records every issued step and
// flags steps that run concurrently.
type fakeSession struct {
	mu        sync.Mutex
	lastID    ldap.RequestID
	calls     []string
	opts      []*ldap.OpOptions
	abandoned map[ldap.RequestID]bool
	resolved  []ldap.RequestID
	closed    bool
	unbound   bool

	active  atomic.Int32
	overlap atomic.Bool

	// gate, when set, holds every step until it is closed.
	gate chan struct{}

	bindErr   error
	unbindErr error
	entries   []*ldap.Entry
	finishErr error
	referrals []string
}

func newFakeSession() *fakeSession {
	return &fakeSession{abandoned: make(map[ldap.RequestID]bool)}
}

func (f *fakeSession) issue(op string, opts *ldap.OpOptions) ldap.RequestID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastID++
	f.calls = append(f.calls, op)
	f.opts = append(f.opts, opts)
	return f.lastID
}

func (f *fakeSession) getGate() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gate
}

func (f *fakeSession) setBindErr(err error) {
	f.mu.Lock()
	f.bindErr = err
	f.mu.Unlock()
}

func (f *fakeSession) getBindErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bindErr
}

func (f *fakeSession) isAbandoned(id ldap.RequestID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.abandoned[id]
}

func (f *fakeSession) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeSession) lastOpts() *ldap.OpOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.opts) == 0 {
		return nil
	}
	return f.opts[len(f.opts)-1]
}

func (f *fakeSession) resolvedIDs() []ldap.RequestID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ldap.RequestID(nil), f.resolved...)
}

// step runs fn as one asynchronous step, waiting on the gate first.
func step[T any](f *fakeSession, ctx context.Context, fn func() (T, error)) *ldap.Future[T] {
	gate := f.getGate()
	return ldap.Go(func() (T, error) {
		if f.active.Add(1) > 1 {
			f.overlap.Store(true)
		}
		defer f.active.Add(-1)

		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				var zero T
				return zero, ctx.Err()
			}
		}
		return fn()
	})
}

func (f *fakeSession) bind(ctx context.Context, op string, opts *ldap.OpOptions) *ldap.Future[*ldap.Result] {
	f.issue(op, opts)
	return step(f, ctx, func() (*ldap.Result, error) {
		if err := f.getBindErr(); err != nil {
			return nil, err
		}
		return &ldap.Result{}, nil
	})
}

func (f *fakeSession) SimpleBind(ctx context.Context, _, _ string, opts *ldap.OpOptions) *ldap.Future[*ldap.Result] {
	return f.bind(ctx, "simple_bind", opts)
}

func (f *fakeSession) UnauthenticatedBind(ctx context.Context, _ string) *ldap.Future[*ldap.Result] {
	return f.bind(ctx, "unauthenticated_bind", nil)
}

func (f *fakeSession) ExternalBind(ctx context.Context) *ldap.Future[*ldap.Result] {
	return f.bind(ctx, "external_bind", nil)
}

func (f *fakeSession) NTLMBind(ctx context.Context, _, _, _ string) *ldap.Future[*ldap.Result] {
	return f.bind(ctx, "ntlm_bind", nil)
}

func (f *fakeSession) GSSAPIBind(ctx context.Context, _ *ldap.Credentials) *ldap.Future[*ldap.Result] {
	return f.bind(ctx, "gssapi_bind", nil)
}

func (f *fakeSession) Search(ctx context.Context, _ string, _ ldap.Scope, _ string, _ []string, opts *ldap.OpOptions) *ldap.Future[*ldap.SearchResult] {
	f.issue("search", opts)
	return step(f, ctx, func() (*ldap.SearchResult, error) {
		return &ldap.SearchResult{Entries: f.entries}, nil
	})
}

func (f *fakeSession) StartSearch(ctx context.Context, _ string, _ ldap.Scope, _ string, _ []string, opts *ldap.OpOptions) *ldap.Future[Cursor] {
	id := f.issue("streaming_search", opts)
	return step(f, ctx, func() (Cursor, error) {
		return &fakeCursor{session: f, id: id, entries: f.entries}, nil
	})
}

func (f *fakeSession) result(ctx context.Context, op string, opts *ldap.OpOptions) *ldap.Future[*ldap.Result] {
	f.issue(op, opts)
	return step(f, ctx, func() (*ldap.Result, error) {
		return &ldap.Result{}, nil
	})
}

func (f *fakeSession) Add(ctx context.Context, _ string, _ []ldap.Attribute, opts *ldap.OpOptions) *ldap.Future[*ldap.Result] {
	return f.result(ctx, "add", opts)
}

func (f *fakeSession) Delete(ctx context.Context, _ string, opts *ldap.OpOptions) *ldap.Future[*ldap.Result] {
	return f.result(ctx, "delete", opts)
}

func (f *fakeSession) Modify(ctx context.Context, _ string, _ []ldap.Mod, opts *ldap.OpOptions) *ldap.Future[*ldap.Result] {
	return f.result(ctx, "modify", opts)
}

func (f *fakeSession) ModifyDN(ctx context.Context, _, _ string, _ bool, _ string, opts *ldap.OpOptions) *ldap.Future[*ldap.Result] {
	return f.result(ctx, "modify_dn", opts)
}

func (f *fakeSession) Compare(ctx context.Context, _, _, value string) *ldap.Future[*ldap.CompareResult] {
	f.issue("compare", nil)
	return step(f, ctx, func() (*ldap.CompareResult, error) {
		return &ldap.CompareResult{Equal: value == "yes"}, nil
	})
}

func (f *fakeSession) Extended(ctx context.Context, op *ldap.ExtendedOp, opts *ldap.OpOptions) *ldap.Future[*ldap.ExtendedResult] {
	f.issue("extended", opts)
	return step(f, ctx, func() (*ldap.ExtendedResult, error) {
		return &ldap.ExtendedResult{Name: op.Name, Value: op.Value}, nil
	})
}

func (f *fakeSession) WhoAmI(ctx context.Context, opts *ldap.OpOptions) *ldap.Future[*ldap.WhoAmIResult] {
	f.issue("whoami", opts)
	return step(f, ctx, func() (*ldap.WhoAmIResult, error) {
		return &ldap.WhoAmIResult{AuthzID: "dn:cn=admin,dc=example,dc=com", Format: "dn"}, nil
	})
}

func (f *fakeSession) Abandon(_ context.Context, id ldap.RequestID) *ldap.Future[struct{}] {
	f.issue("abandon", nil)
	f.mu.Lock()
	f.abandoned[id] = true
	f.mu.Unlock()
	return ldap.Ready(struct{}{})
}

func (f *fakeSession) Unbind(_ context.Context) *ldap.Future[struct{}] {
	f.issue("unbind", nil)
	f.mu.Lock()
	f.unbound = true
	err := f.unbindErr
	f.mu.Unlock()
	if err != nil {
		return ldap.Failed[struct{}](err)
	}
	return ldap.Ready(struct{}{})
}

func (f *fakeSession) ResolveTimeout(id ldap.RequestID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved = append(f.resolved, id)
	f.abandoned[id] = true
}

func (f *fakeSession) LastID() ldap.RequestID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastID
}

func (f *fakeSession) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

// fakeCursor replays the session's entries.
type fakeCursor struct {
	session *fakeSession
	id      ldap.RequestID
	entries []*ldap.Entry
	pos     int
	done    bool
	nexts   atomic.Int32
}

func (c *fakeCursor) ID() ldap.RequestID {
	return c.id
}

func (c *fakeCursor) Next(ctx context.Context) *ldap.Future[*ldap.Entry] {
	c.nexts.Add(1)
	return step(c.session, ctx, func() (*ldap.Entry, error) {
		if c.session.isAbandoned(c.id) {
			return nil, ldap.ErrAbandoned
		}
		if c.pos >= len(c.entries) {
			c.done = true
			return nil, nil
		}
		entry := c.entries[c.pos]
		c.pos++
		return entry, nil
	})
}

func (c *fakeCursor) Finish() (*ldap.Result, error) {
	if !c.done {
		return nil, ldap.ErrProtocolSequence
	}
	result := &ldap.Result{Referrals: c.session.referrals}
	if c.session.finishErr != nil {
		result.Code = 32
		return result, c.session.finishErr
	}
	return result, nil
}

func testEntries(dns ...string) []*ldap.Entry {
	entries := make([]*ldap.Entry, 0, len(dns))
	for _, dn := range dns {
		entries = append(entries, &ldap.Entry{DN: dn})
	}
	return entries
}
