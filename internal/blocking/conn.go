package blocking

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/ldapsync/internal/ldap"
	"github.com/isometry/ldapsync/internal/metrics"
)

// Session is the asynchronous directory session driven by a Conn.
// *ldap.Session satisfies it through Wrap.
type Session interface {
	SimpleBind(ctx context.Context, dn, password string, opts *ldap.OpOptions) *ldap.Future[*ldap.Result]
	UnauthenticatedBind(ctx context.Context, username string) *ldap.Future[*ldap.Result]
	ExternalBind(ctx context.Context) *ldap.Future[*ldap.Result]
	NTLMBind(ctx context.Context, domain, username, password string) *ldap.Future[*ldap.Result]
	GSSAPIBind(ctx context.Context, creds *ldap.Credentials) *ldap.Future[*ldap.Result]
	Search(ctx context.Context, base string, scope ldap.Scope, filter string, attrs []string, opts *ldap.OpOptions) *ldap.Future[*ldap.SearchResult]
	StartSearch(ctx context.Context, base string, scope ldap.Scope, filter string, attrs []string, opts *ldap.OpOptions) *ldap.Future[Cursor]
	Add(ctx context.Context, dn string, attrs []ldap.Attribute, opts *ldap.OpOptions) *ldap.Future[*ldap.Result]
	Delete(ctx context.Context, dn string, opts *ldap.OpOptions) *ldap.Future[*ldap.Result]
	Modify(ctx context.Context, dn string, mods []ldap.Mod, opts *ldap.OpOptions) *ldap.Future[*ldap.Result]
	ModifyDN(ctx context.Context, dn, newRDN string, deleteOld bool, newSuperior string, opts *ldap.OpOptions) *ldap.Future[*ldap.Result]
	Compare(ctx context.Context, dn, attr, value string) *ldap.Future[*ldap.CompareResult]
	Extended(ctx context.Context, op *ldap.ExtendedOp, opts *ldap.OpOptions) *ldap.Future[*ldap.ExtendedResult]
	WhoAmI(ctx context.Context, opts *ldap.OpOptions) *ldap.Future[*ldap.WhoAmIResult]
	Abandon(ctx context.Context, id ldap.RequestID) *ldap.Future[struct{}]
	Unbind(ctx context.Context) *ldap.Future[struct{}]
	ResolveTimeout(id ldap.RequestID)
	LastID() ldap.RequestID
	Close()
}

// Cursor is the asynchronous side of a streaming search.
type Cursor interface {
	Next(ctx context.Context) *ldap.Future[*ldap.Entry]
	Finish() (*ldap.Result, error)
	ID() ldap.RequestID
}

type asyncSession struct {
	*ldap.Session
}

func (s asyncSession) StartSearch(ctx context.Context, base string, scope ldap.Scope, filter string, attrs []string, opts *ldap.OpOptions) *ldap.Future[Cursor] {
	return ldap.Then(s.Session.StartSearch(ctx, base, scope, filter, attrs, opts), func(stream *ldap.SearchStream) Cursor {
		return stream
	})
}

// Wrap adapts an established *ldap.Session for use with New.
func Wrap(session *ldap.Session) Session {
	return asyncSession{session}
}

// dialSession establishes the asynchronous session for Connect.
var dialSession = func(ctx context.Context, url string, settings *ldap.Settings) *ldap.Future[Session] {
	return ldap.Then(ldap.Connect(ctx, url, settings), Wrap)
}

// noCopy may be embedded into structs which must not be copied after first use.
// See https://golang.org/issues/8005#issuecomment-190753527 for details.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Option configures a Conn.
type Option func(*Conn)

// WithCollector reports operation metrics to collector.
func WithCollector(collector metrics.Collector) Option {
	return func(c *Conn) {
		if collector != nil {
			c.collector = collector
		}
	}
}

// WithDefaultTimeout bounds every operation of the Conn. With Connect it
// takes precedence over ldap.Settings.Timeout once the dial has completed.
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(c *Conn) {
		c.driver.timeout = timeout
	}
}

// nextOp holds configuration consumed by the next operation.
type nextOp struct {
	controls []ldap.Control
	search   *ldap.SearchOptions
	timeout  time.Duration
}

func (n nextOp) options() *ldap.OpOptions {
	return &ldap.OpOptions{Controls: n.controls, Search: n.search}
}

// Conn is a blocking directory connection. Each method issues one operation
// and waits for its outcome. Only one call may be in progress at a time;
// overlapping calls fail with ldap.ErrExclusiveAccess.
//
// A Conn must not be copied.
type Conn struct {
	noCopy noCopy

	id        uuid.UUID
	driver    *Driver
	session   Session
	collector metrics.Collector
	logCtx    context.Context

	mu   sync.Mutex
	next nextOp

	bindRequired atomic.Bool
	closed       atomic.Bool
}

// Connect dials url and returns a connection ready for binding.
// settings.Timeout becomes the default deadline of every operation.
func Connect(ctx context.Context, url string, settings *ldap.Settings, opts ...Option) (*Conn, error) {
	if settings == nil {
		settings = ldap.DefaultSettings()
	}

	logCtx := ldap.NewLoggingContext(context.WithoutCancel(ctx))
	driver := NewDriver(settings.Timeout)

	// The dial sees the call's cancellation so that a session completing
	// after Connect has returned is closed instead of leaked.
	session, err := Run(ctx, driver, "connect", 0, func(ctx context.Context) (*ldap.Future[Session], ldap.RequestID) {
		return dialSession(ldap.NewLoggingContext(ctx), url, settings), 0
	})
	if err != nil {
		driver.Close()
		ldap.LogLDAPError(logCtx, "connect", err, map[string]any{"url": url})
		return nil, err
	}

	c := newConn(logCtx, session, append([]Option{func(c *Conn) { c.driver = driver }}, opts...)...)
	return c, nil
}

// New returns a blocking connection driving an established session.
func New(ctx context.Context, session Session, opts ...Option) *Conn {
	return newConn(ldap.NewLoggingContext(context.WithoutCancel(ctx)), session, opts...)
}

func newConn(logCtx context.Context, session Session, opts ...Option) *Conn {
	c := &Conn{
		id:        uuid.New(),
		session:   session,
		collector: metrics.Noop(),
		driver:    NewDriver(0),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.logCtx = tflog.SubsystemSetField(logCtx, ldap.Subsystem, "conn_id", c.id.String())

	tflog.SubsystemDebug(c.logCtx, ldap.Subsystem, "Blocking connection ready", map[string]any{
		"default_timeout": c.driver.Timeout().String(),
	})

	return c
}

// ID returns the identifier attached to every log line of this connection.
func (c *Conn) ID() uuid.UUID {
	return c.id
}

// WithSearchOptions sets search options for the next operation only.
func (c *Conn) WithSearchOptions(opts *ldap.SearchOptions) *Conn {
	c.mu.Lock()
	c.next.search = opts
	c.mu.Unlock()
	return c
}

// WithControls sets request controls for the next operation only.
func (c *Conn) WithControls(controls ...ldap.Control) *Conn {
	c.mu.Lock()
	c.next.controls = controls
	c.mu.Unlock()
	return c
}

// WithTimeout overrides the default deadline for the next operation only.
func (c *Conn) WithTimeout(timeout time.Duration) *Conn {
	c.mu.Lock()
	c.next.timeout = timeout
	c.mu.Unlock()
	return c
}

// takeNext returns and clears the one-shot configuration.
func (c *Conn) takeNext() nextOp {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.next
	c.next = nextOp{}
	return next
}

type callKind int

const (
	regularCall callKind = iota
	bindCall
	sessionCall // permitted while a bind is required
)

// call runs one session step through the driver with logging and metrics.
func call[T any](ctx context.Context, c *Conn, operation string, kind callKind, work func(ctx context.Context, opts *ldap.OpOptions) *ldap.Future[T]) (T, error) {
	var v T
	start := time.Now()
	next := c.takeNext()
	fields := make(map[string]any)

	err := ldap.LogOperation(c.logCtx, operation, fields, func() error {
		if c.closed.Load() {
			return ldap.ErrSessionClosed
		}

		if kind == regularCall && c.bindRequired.Load() {
			return ldap.ErrBindRequired
		}

		var err error
		v, err = Run(ctx, c.driver, operation, next.timeout, func(ctx context.Context) (*ldap.Future[T], ldap.RequestID) {
			future := work(ctx, next.options())
			return future, c.session.LastID()
		})
		fields["request_id"] = int64(c.session.LastID())

		if kind == bindCall && !isRefusal(err) {
			c.bindRequired.Store(err != nil)
		}
		return err
	})

	c.finishCall(operation, start, err)
	return v, err
}

// finishCall resolves timed out requests and records the outcome.
func (c *Conn) finishCall(operation string, start time.Time, err error) {
	var timeoutErr *ldap.TimeoutError
	if errors.As(err, &timeoutErr) {
		c.session.ResolveTimeout(timeoutErr.RequestID)
		c.collector.IncAbandoned()
	}

	c.observe(operation, start, err)
}

func (c *Conn) observe(operation string, start time.Time, err error) {
	c.collector.ObserveOperation(operation, outcome(err), time.Since(start))
}

// isRefusal reports whether err means the call never reached the session.
func isRefusal(err error) bool {
	return errors.Is(err, ldap.ErrExclusiveAccess) || errors.Is(err, ldap.ErrSessionClosed)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, ldap.ErrExclusiveAccess):
		return metrics.OutcomeExclusiveAccess
	case errors.Is(err, ldap.ErrSessionClosed):
		return metrics.OutcomeClosed
	case errors.Is(err, ldap.ErrTimeout):
		return metrics.OutcomeTimeout
	default:
		return metrics.OutcomeError
	}
}

// Bind authenticates with the strategy selected by creds.Method.
func (c *Conn) Bind(ctx context.Context, creds *ldap.Credentials) (*ldap.Result, error) {
	if creds == nil {
		creds = &ldap.Credentials{Method: ldap.AuthMethodUnauthenticated}
	}

	tflog.SubsystemDebug(c.logCtx, ldap.Subsystem, "Binding", ldap.SanitizeFields(map[string]any{
		"method":   creds.Method.String(),
		"username": creds.Username,
		"password": creds.Password,
	}))

	switch creds.Method {
	case ldap.AuthMethodSimpleBind:
		return c.SimpleBind(ctx, creds.Username, creds.Password)
	case ldap.AuthMethodUnauthenticated:
		return call(ctx, c, "unauthenticated_bind", bindCall, func(ctx context.Context, _ *ldap.OpOptions) *ldap.Future[*ldap.Result] {
			return c.session.UnauthenticatedBind(ctx, creds.Username)
		})
	case ldap.AuthMethodExternal:
		return c.ExternalBind(ctx)
	case ldap.AuthMethodNTLM:
		return call(ctx, c, "ntlm_bind", bindCall, func(ctx context.Context, _ *ldap.OpOptions) *ldap.Future[*ldap.Result] {
			return c.session.NTLMBind(ctx, creds.Domain, creds.Username, creds.Password)
		})
	case ldap.AuthMethodKerberos:
		return call(ctx, c, "gssapi_bind", bindCall, func(ctx context.Context, _ *ldap.OpOptions) *ldap.Future[*ldap.Result] {
			return c.session.GSSAPIBind(ctx, creds)
		})
	default:
		return nil, errors.New("unsupported authentication method: " + creds.Method.String())
	}
}

// SimpleBind performs a simple bind.
func (c *Conn) SimpleBind(ctx context.Context, dn, password string) (*ldap.Result, error) {
	return call(ctx, c, "simple_bind", bindCall, func(ctx context.Context, opts *ldap.OpOptions) *ldap.Future[*ldap.Result] {
		return c.session.SimpleBind(ctx, dn, password, opts)
	})
}

// ExternalBind performs a SASL EXTERNAL bind.
func (c *Conn) ExternalBind(ctx context.Context) (*ldap.Result, error) {
	return call(ctx, c, "external_bind", bindCall, func(ctx context.Context, _ *ldap.OpOptions) *ldap.Future[*ldap.Result] {
		return c.session.ExternalBind(ctx)
	})
}

// SASLSpnegoBind performs a GSSAPI bind with a principal and password.
// An empty password uses the default credential cache or keytab.
func (c *Conn) SASLSpnegoBind(ctx context.Context, username, password string) (*ldap.Result, error) {
	return c.Bind(ctx, &ldap.Credentials{
		Method:   ldap.AuthMethodKerberos,
		Username: username,
		Password: password,
	})
}

// Search performs a search and returns every entry at once.
func (c *Conn) Search(ctx context.Context, base string, scope ldap.Scope, filter string, attrs ...string) (*ldap.SearchResult, error) {
	res, err := call(ctx, c, "search", regularCall, func(ctx context.Context, opts *ldap.OpOptions) *ldap.Future[*ldap.SearchResult] {
		return c.session.Search(ctx, base, scope, filter, attrs, opts)
	})
	if res != nil {
		c.collector.AddSearchEntries(len(res.Entries))
	}
	return res, err
}

// StreamingSearch starts a search whose entries are read one at a time from
// the returned stream.
func (c *Conn) StreamingSearch(ctx context.Context, base string, scope ldap.Scope, filter string, attrs ...string) (*EntryStream, error) {
	cursor, err := call(ctx, c, "streaming_search", regularCall, func(ctx context.Context, opts *ldap.OpOptions) *ldap.Future[Cursor] {
		return c.session.StartSearch(ctx, base, scope, filter, attrs, opts)
	})
	if err != nil {
		return nil, err
	}

	return &EntryStream{conn: c, cursor: cursor, id: cursor.ID()}, nil
}

// Add creates an entry.
func (c *Conn) Add(ctx context.Context, dn string, attrs []ldap.Attribute) (*ldap.Result, error) {
	return call(ctx, c, "add", regularCall, func(ctx context.Context, opts *ldap.OpOptions) *ldap.Future[*ldap.Result] {
		return c.session.Add(ctx, dn, attrs, opts)
	})
}

// Delete removes an entry.
func (c *Conn) Delete(ctx context.Context, dn string) (*ldap.Result, error) {
	return call(ctx, c, "delete", regularCall, func(ctx context.Context, opts *ldap.OpOptions) *ldap.Future[*ldap.Result] {
		return c.session.Delete(ctx, dn, opts)
	})
}

// Modify applies mods to an entry in order.
func (c *Conn) Modify(ctx context.Context, dn string, mods []ldap.Mod) (*ldap.Result, error) {
	return call(ctx, c, "modify", regularCall, func(ctx context.Context, opts *ldap.OpOptions) *ldap.Future[*ldap.Result] {
		return c.session.Modify(ctx, dn, mods, opts)
	})
}

// ModifyDN renames an entry, moving it under newSuperior when that is set.
func (c *Conn) ModifyDN(ctx context.Context, dn, newRDN string, deleteOld bool, newSuperior string) (*ldap.Result, error) {
	return call(ctx, c, "modify_dn", regularCall, func(ctx context.Context, opts *ldap.OpOptions) *ldap.Future[*ldap.Result] {
		return c.session.ModifyDN(ctx, dn, newRDN, deleteOld, newSuperior, opts)
	})
}

// Compare checks whether attr of dn holds value.
func (c *Conn) Compare(ctx context.Context, dn, attr, value string) (*ldap.CompareResult, error) {
	return call(ctx, c, "compare", regularCall, func(ctx context.Context, _ *ldap.OpOptions) *ldap.Future[*ldap.CompareResult] {
		return c.session.Compare(ctx, dn, attr, value)
	})
}

// Extended performs an extended operation.
func (c *Conn) Extended(ctx context.Context, op *ldap.ExtendedOp) (*ldap.ExtendedResult, error) {
	return call(ctx, c, "extended", regularCall, func(ctx context.Context, opts *ldap.OpOptions) *ldap.Future[*ldap.ExtendedResult] {
		return c.session.Extended(ctx, op, opts)
	})
}

// WhoAmI returns the identity the server associates with the connection.
func (c *Conn) WhoAmI(ctx context.Context) (*ldap.WhoAmIResult, error) {
	return call(ctx, c, "whoami", regularCall, func(ctx context.Context, opts *ldap.OpOptions) *ldap.Future[*ldap.WhoAmIResult] {
		return c.session.WhoAmI(ctx, opts)
	})
}

// LastID returns the request id of the most recently issued operation.
func (c *Conn) LastID() ldap.RequestID {
	return c.session.LastID()
}

// Abandon stops the operation identified by id. It succeeds even when the
// operation already completed.
//
// Abandon is resolved on the client: go-ldap exposes no way to send an
// abandon request for a message it owns, so the server is not told and may
// keep processing the operation. Its later responses are discarded.
func (c *Conn) Abandon(ctx context.Context, id ldap.RequestID) error {
	_, err := call(ctx, c, "abandon", sessionCall, func(ctx context.Context, _ *ldap.OpOptions) *ldap.Future[struct{}] {
		return c.session.Abandon(ctx, id)
	})
	if err == nil {
		c.collector.IncAbandoned()
	}
	return err
}

// Unbind ends the session. Afterwards every method returns
// ldap.ErrSessionClosed, whether or not the unbind request was delivered.
func (c *Conn) Unbind(ctx context.Context) error {
	_, err := call(ctx, c, "unbind", sessionCall, func(ctx context.Context, _ *ldap.OpOptions) *ldap.Future[struct{}] {
		return c.session.Unbind(ctx)
	})
	if isRefusal(err) {
		return err
	}

	c.shutdown()
	return err
}

// Close tears the connection down without unbinding. It is idempotent.
func (c *Conn) Close() {
	c.shutdown()
}

func (c *Conn) shutdown() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.driver.Close()
	c.session.Close()

	tflog.SubsystemDebug(c.logCtx, ldap.Subsystem, "Blocking connection closed")
}
