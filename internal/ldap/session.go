package ldap

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// Session is the asynchronous side of a directory connection. Every
// operation is issued immediately, gets the next request id, and returns a
// Future for its outcome. Session does not serialise callers; that is the
// job of the blocking layer built on top of it.
type Session struct {
	id     uuid.UUID
	conn   *ldap.Conn
	server *ServerInfo
	logCtx context.Context

	// Lifetime of the session; cancelled by Unbind and Close.
	ctx    context.Context
	cancel context.CancelFunc

	lastID atomic.Int64
	closed atomic.Bool

	mu       sync.Mutex
	inflight map[RequestID]*request
}

// request is the bookkeeping for one issued operation.
type request struct {
	id        RequestID
	operation string
	cancel    context.CancelFunc
	abandoned atomic.Bool

	// drain releases transport state still held by the request once it is
	// resolved. Guarded by Session.mu.
	drain func()
}

// NewSession wraps an established go-ldap connection. The connection must
// already be started.
func NewSession(ctx context.Context, conn *ldap.Conn, server *ServerInfo) *Session {
	lifetime, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		id:       uuid.New(),
		conn:     conn,
		server:   server,
		logCtx:   ctx,
		ctx:      lifetime,
		cancel:   cancel,
		inflight: make(map[RequestID]*request),
	}

	tflog.SubsystemDebug(ctx, Subsystem, "Session created", map[string]any{
		"session_id": s.id.String(),
	})

	return s
}

// ID returns the unique identifier used to correlate this session's logs.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Server returns the server the session is connected to.
func (s *Session) Server() *ServerInfo {
	return s.server
}

// LastID returns the id of the most recently issued operation.
func (s *Session) LastID() RequestID {
	return RequestID(s.lastID.Load())
}

// Closed reports whether the session has been unbound or closed.
func (s *Session) Closed() bool {
	return s.closed.Load()
}

// issue assigns the next request id and registers the request.
func (s *Session) issue(ctx context.Context, operation string) (*request, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	req := &request{
		id:        RequestID(s.lastID.Add(1)),
		operation: operation,
	}

	s.mu.Lock()
	s.inflight[req.id] = req
	s.mu.Unlock()

	tflog.SubsystemTrace(s.logCtx, Subsystem, "Issuing request", map[string]any{
		"session_id": s.id.String(),
		"request_id": int64(req.id),
		"operation":  operation,
	})

	return req, nil
}

// complete removes a request from the registry.
func (s *Session) complete(req *request) {
	s.mu.Lock()
	delete(s.inflight, req.id)
	s.mu.Unlock()
}

// resolve marks the request identified by id abandoned and stops it.
// It reports whether the request was still in flight.
func (s *Session) resolve(id RequestID) bool {
	s.mu.Lock()
	req, ok := s.inflight[id]
	delete(s.inflight, id)
	var drain func()
	if ok {
		drain = req.drain
	}
	s.mu.Unlock()

	if !ok {
		return false
	}

	req.abandoned.Store(true)
	if req.cancel != nil {
		req.cancel()
	}
	if drain != nil {
		drain()
	}

	tflog.SubsystemDebug(s.logCtx, Subsystem, "Request abandoned", map[string]any{
		"session_id": s.id.String(),
		"request_id": int64(id),
		"operation":  req.operation,
	})

	return true
}

// ResolveTimeout treats a request whose caller deadline elapsed as abandoned,
// so its late response is dropped instead of leaking protocol state.
func (s *Session) ResolveTimeout(id RequestID) {
	s.resolve(id)
}

// Inflight returns the number of requests still registered.
func (s *Session) Inflight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// start issues a request and runs fn for it asynchronously.
func start[T any](s *Session, ctx context.Context, operation string, fn func(req *request) (T, error)) *Future[T] {
	req, err := s.issue(ctx, operation)
	if err != nil {
		return Failed[T](err)
	}

	return Go(func() (T, error) {
		defer s.complete(req)
		v, err := fn(req)
		return v, NewProtocolError(operation, err)
	})
}

func successResult() *Result {
	return &Result{Code: ldap.LDAPResultSuccess}
}

// SimpleBind performs a simple bind with a DN and password.
func (s *Session) SimpleBind(ctx context.Context, dn, password string, opts *OpOptions) *Future[*Result] {
	return start(s, ctx, "simple_bind", func(_ *request) (*Result, error) {
		res, err := s.conn.SimpleBind(ldap.NewSimpleBindRequest(dn, password, opts.controls()))
		if err != nil {
			return nil, err
		}
		result := successResult()
		if res != nil {
			result.Controls = res.Controls
		}
		return result, nil
	})
}

// UnauthenticatedBind binds with a name and no password.
func (s *Session) UnauthenticatedBind(ctx context.Context, username string) *Future[*Result] {
	return start(s, ctx, "unauthenticated_bind", func(_ *request) (*Result, error) {
		if err := s.conn.UnauthenticatedBind(username); err != nil {
			return nil, err
		}
		return successResult(), nil
	})
}

// ExternalBind performs a SASL EXTERNAL bind, relying on the TLS client
// certificate presented during the handshake.
func (s *Session) ExternalBind(ctx context.Context) *Future[*Result] {
	return start(s, ctx, "external_bind", func(_ *request) (*Result, error) {
		if err := s.conn.ExternalBind(); err != nil {
			return nil, err
		}
		return successResult(), nil
	})
}

// NTLMBind performs an NTLM bind against the given domain.
func (s *Session) NTLMBind(ctx context.Context, domain, username, password string) *Future[*Result] {
	return start(s, ctx, "ntlm_bind", func(_ *request) (*Result, error) {
		if err := s.conn.NTLMBind(domain, username, password); err != nil {
			return nil, err
		}
		return successResult(), nil
	})
}

// GSSAPIBind performs a SASL GSSAPI bind with Kerberos credentials.
func (s *Session) GSSAPIBind(ctx context.Context, creds *Credentials) *Future[*Result] {
	return start(s, ctx, "gssapi_bind", func(_ *request) (*Result, error) {
		if err := performKerberosAuth(s.logCtx, s.conn, creds, s.server); err != nil {
			return nil, err
		}
		return successResult(), nil
	})
}

// newSearchRequest converts search parameters to a go-ldap request.
func newSearchRequest(base string, scope Scope, filter string, attrs []string, opts *OpOptions) *ldap.SearchRequest {
	so := opts.search()
	return ldap.NewSearchRequest(
		base,
		int(scope),
		int(so.DerefAliases),
		so.SizeLimit,
		int(so.TimeLimit.Seconds()),
		so.TypesOnly,
		filter,
		attrs,
		opts.controls(),
	)
}

// Search performs a search and collects every entry.
func (s *Session) Search(ctx context.Context, base string, scope Scope, filter string, attrs []string, opts *OpOptions) *Future[*SearchResult] {
	req, err := s.issue(ctx, "search")
	if err != nil {
		return Failed[*SearchResult](err)
	}

	searchCtx, cancel := context.WithCancel(s.ctx)
	req.cancel = cancel
	ldapReq := newSearchRequest(base, scope, filter, attrs, opts)
	bufferSize := opts.search().BufferSize

	return Go(func() (*SearchResult, error) {
		defer s.complete(req)
		defer cancel()

		result := &SearchResult{}
		resp := s.conn.SearchAsync(searchCtx, ldapReq, bufferSize)
		for resp.Next() {
			if entry := resp.Entry(); entry != nil {
				result.Entries = append(result.Entries, entry)
			} else if ref := resp.Referral(); ref != "" {
				result.Referrals = append(result.Referrals, ref)
			}
		}

		if req.abandoned.Load() {
			return nil, ErrAbandoned
		}

		result.Code = ldap.LDAPResultSuccess
		result.Controls = resp.Controls()

		if err := resp.Err(); err != nil {
			if !isServerResult(err) {
				return nil, NewProtocolError("search", err)
			}
			protoErr := NewProtocolError("search", err)
			if pe, ok := protoErr.(*ProtocolError); ok {
				result.Code = pe.LDAPCode
				result.MatchedDN = pe.MatchedDN
				result.Message = pe.ServerMsg
			}
			return result, protoErr
		}

		return result, nil
	})
}

// StartSearch issues a streaming search. The returned Future completes as
// soon as the request has been handed to the transport.
func (s *Session) StartSearch(ctx context.Context, base string, scope Scope, filter string, attrs []string, opts *OpOptions) *Future[*SearchStream] {
	req, err := s.issue(ctx, "streaming_search")
	if err != nil {
		return Failed[*SearchStream](err)
	}

	searchCtx, cancel := context.WithCancel(s.ctx)
	req.cancel = cancel
	ldapReq := newSearchRequest(base, scope, filter, attrs, opts)

	stream := &SearchStream{
		session: s,
		req:     req,
		resp:    s.conn.SearchAsync(searchCtx, ldapReq, opts.search().BufferSize),
	}

	s.mu.Lock()
	req.drain = stream.drain
	s.mu.Unlock()

	// Resolved between issue and registration of the drain.
	if req.abandoned.Load() {
		stream.drain()
	}

	return Ready(stream)
}

// Add creates a new entry.
func (s *Session) Add(ctx context.Context, dn string, attrs []Attribute, opts *OpOptions) *Future[*Result] {
	return start(s, ctx, "add", func(_ *request) (*Result, error) {
		ldapReq := ldap.NewAddRequest(dn, opts.controls())
		for _, attr := range attrs {
			ldapReq.Attribute(attr.Type, attr.Vals)
		}
		if err := s.conn.Add(ldapReq); err != nil {
			return nil, err
		}
		return successResult(), nil
	})
}

// Delete removes an entry.
func (s *Session) Delete(ctx context.Context, dn string, opts *OpOptions) *Future[*Result] {
	return start(s, ctx, "delete", func(_ *request) (*Result, error) {
		if err := s.conn.Del(ldap.NewDelRequest(dn, opts.controls())); err != nil {
			return nil, err
		}
		return successResult(), nil
	})
}

// Modify applies a modification list to an entry, in order.
func (s *Session) Modify(ctx context.Context, dn string, mods []Mod, opts *OpOptions) *Future[*Result] {
	return start(s, ctx, "modify", func(_ *request) (*Result, error) {
		ldapReq := ldap.NewModifyRequest(dn, opts.controls())
		for _, mod := range mods {
			switch mod.Op {
			case ModAdd:
				ldapReq.Add(mod.Attr, mod.Values)
			case ModDelete:
				ldapReq.Delete(mod.Attr, mod.Values)
			case ModReplace:
				ldapReq.Replace(mod.Attr, mod.Values)
			case ModIncrement:
				if len(mod.Values) > 0 {
					ldapReq.Increment(mod.Attr, mod.Values[0])
				}
			}
		}
		if err := s.conn.Modify(ldapReq); err != nil {
			return nil, err
		}
		return successResult(), nil
	})
}

// ModifyDN renames or moves an entry. An empty newSuperior keeps the parent.
func (s *Session) ModifyDN(ctx context.Context, dn, newRDN string, deleteOld bool, newSuperior string, opts *OpOptions) *Future[*Result] {
	return start(s, ctx, "modify_dn", func(_ *request) (*Result, error) {
		ldapReq := ldap.NewModifyDNWithControlsRequest(dn, newRDN, deleteOld, newSuperior, opts.controls())
		if err := s.conn.ModifyDN(ldapReq); err != nil {
			return nil, err
		}
		return successResult(), nil
	})
}

// Compare asserts an attribute value on an entry.
func (s *Session) Compare(ctx context.Context, dn, attr, value string) *Future[*CompareResult] {
	return start(s, ctx, "compare", func(_ *request) (*CompareResult, error) {
		equal, err := s.conn.Compare(dn, attr, value)
		if err != nil {
			return nil, err
		}
		code := uint16(ldap.LDAPResultCompareFalse)
		if equal {
			code = ldap.LDAPResultCompareTrue
		}
		return &CompareResult{Result: Result{Code: code}, Equal: equal}, nil
	})
}

// Extended performs a generic extended operation.
func (s *Session) Extended(ctx context.Context, op *ExtendedOp, opts *OpOptions) *Future[*ExtendedResult] {
	return start(s, ctx, "extended", func(_ *request) (*ExtendedResult, error) {
		var value *ber.Packet
		if op.Value != nil {
			value = ber.NewString(ber.ClassContext, ber.TypePrimitive, 1, string(op.Value), "Extended Request Value")
		}
		ldapReq := ldap.NewExtendedRequest(op.Name, value)
		ldapReq.Controls = opts.controls()

		resp, err := s.conn.Extended(ldapReq)
		if err != nil {
			return nil, err
		}

		result := &ExtendedResult{Result: *successResult()}
		if resp != nil {
			result.Name = resp.Name
			result.Controls = resp.Controls
			if resp.Value != nil && resp.Value.Data != nil {
				result.Value = resp.Value.Data.Bytes()
			}
		}
		return result, nil
	})
}

// WhoAmI performs the "Who am I?" extended operation.
func (s *Session) WhoAmI(ctx context.Context, opts *OpOptions) *Future[*WhoAmIResult] {
	return start(s, ctx, "whoami", func(_ *request) (*WhoAmIResult, error) {
		res, err := s.conn.WhoAmI(opts.controls())
		if err != nil {
			return nil, err
		}
		result := &WhoAmIResult{}
		if res != nil {
			result.AuthzID = res.AuthzID
		}
		parseAuthzID(result)
		return result, nil
	})
}

// Abandon stops the request identified by id. The abandon itself has no
// response; it completes successfully whether or not id was still in flight.
// No abandon PDU reaches the server; the request's remaining responses are
// consumed and dropped locally.
func (s *Session) Abandon(ctx context.Context, id RequestID) *Future[struct{}] {
	req, err := s.issue(ctx, "abandon")
	if err != nil {
		return Failed[struct{}](err)
	}
	defer s.complete(req)

	if !s.resolve(id) {
		tflog.SubsystemDebug(s.logCtx, Subsystem, "Abandon target not in flight", map[string]any{
			"session_id": s.id.String(),
			"request_id": int64(id),
		})
	}

	return Ready(struct{}{})
}

// Unbind terminates the session. The session is closed even if sending the
// unbind request fails.
func (s *Session) Unbind(ctx context.Context) *Future[struct{}] {
	req, err := s.issue(ctx, "unbind")
	if err != nil {
		return Failed[struct{}](err)
	}

	s.shutdown()

	return Go(func() (struct{}, error) {
		defer s.complete(req)
		err := s.conn.Unbind()
		LogConnectionEvent(s.logCtx, "session_closed", map[string]any{
			"session_id": s.id.String(),
			"request_id": int64(req.id),
		})
		return struct{}{}, err
	})
}

// Close tears the transport down without an unbind request.
func (s *Session) Close() {
	s.shutdown()
	s.conn.Close()
}

// shutdown marks the session closed and resolves every in-flight request.
// It reports whether this call performed the transition.
func (s *Session) shutdown() bool {
	if !s.closed.CompareAndSwap(false, true) {
		return false
	}

	s.mu.Lock()
	pending := make([]RequestID, 0, len(s.inflight))
	for id, req := range s.inflight {
		if req.operation != "unbind" {
			pending = append(pending, id)
		}
	}
	s.mu.Unlock()

	for _, id := range pending {
		s.resolve(id)
	}

	s.cancel()
	return true
}

var (
	dnFormatPattern  = regexp.MustCompile(`^[A-Za-z]+=.*`)
	sidFormatPattern = regexp.MustCompile(`^S-\d+-\d+-\d+(-\d+)*$`)
)

// parseAuthzID parses the authorization ID and extracts structured information.
func parseAuthzID(result *WhoAmIResult) {
	authzID := result.AuthzID

	if authzID == "" {
		result.Format = "empty"
		return
	}

	// RFC 4513 authzId forms are "dn:<dn>" and "u:<user>".
	clean := strings.TrimPrefix(strings.TrimPrefix(authzID, "u:"), "dn:")

	switch {
	case dnFormatPattern.MatchString(clean) && strings.Contains(clean, "="):
		result.Format = "dn"
		result.DN = clean
	case strings.Contains(clean, "@") && !strings.Contains(clean, "\\"):
		result.Format = "upn"
		result.UserPrincipalName = clean
	case strings.Contains(clean, "\\") && !strings.HasPrefix(clean, "S-"):
		result.Format = "sam"
		result.SAMAccountName = clean
	case sidFormatPattern.MatchString(clean):
		result.Format = "sid"
		result.SID = clean
	default:
		result.Format = "unknown"
	}
}
