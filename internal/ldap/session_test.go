package ldap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/ldapsync/internal/ldaptest"
)

const (
	testAdminDN  = "cn=admin,dc=example,dc=com"
	testPassword = "s3cret"
	testBaseDN   = "dc=example,dc=com"
)

func newTestServer(t *testing.T) *ldaptest.Server {
	t.Helper()

	srv, err := ldaptest.NewServer()
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	srv.Users[testAdminDN] = testPassword
	srv.Entries = []ldaptest.Entry{
		{DN: testBaseDN, Attributes: map[string][]string{"objectClass": {"domain"}, "dc": {"example"}}},
		{DN: "ou=people,dc=example,dc=com", Attributes: map[string][]string{"objectClass": {"organizationalUnit"}, "ou": {"people"}}},
		{DN: "cn=alice,ou=people,dc=example,dc=com", Attributes: map[string][]string{"cn": {"alice"}, "mail": {"alice@example.com"}}},
	}

	return srv
}

// dialTestServer connects through an unresolvable host name and the IP
// address override.
func dialTestServer(t *testing.T, srv *ldaptest.Server) *Session {
	t.Helper()

	settings := DefaultSettings()
	settings.IPAddress = net.ParseIP("127.0.0.1")
	settings.ConnTimeout = 5 * time.Second

	session, err := Dial(t.Context(), srv.URL("ldap.example.invalid"), settings)
	require.NoError(t, err)
	t.Cleanup(session.Close)

	return session
}

func TestSession_BindSearchUnbind(t *testing.T) {
	ctx := t.Context()
	srv := newTestServer(t)
	session := dialTestServer(t, srv)

	assert.Equal(t, "ldap.example.invalid", session.Server().Host)

	res, err := session.SimpleBind(ctx, testAdminDN, testPassword, nil).Await(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success())
	assert.Equal(t, RequestID(1), session.LastID())

	found, err := session.Search(ctx, testBaseDN, ScopeWholeSubtree, "(objectClass=*)", []string{"cn"}, nil).Await(ctx)
	require.NoError(t, err)
	require.Len(t, found.Entries, 3)
	assert.Equal(t, testBaseDN, found.Entries[0].DN)
	assert.Equal(t, "alice", found.Entries[2].GetAttributeValue("cn"))
	assert.Equal(t, RequestID(2), session.LastID())

	_, err = session.Unbind(ctx).Await(ctx)
	require.NoError(t, err)
	assert.True(t, session.Closed())
	assert.Equal(t, RequestID(3), session.LastID())

	_, err = session.WhoAmI(ctx, nil).Await(ctx)
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.Equal(t, RequestID(3), session.LastID(), "no id is issued on a closed session")

	_, err = session.Unbind(ctx).Await(ctx)
	assert.ErrorIs(t, err, ErrSessionClosed)

	assert.Eventually(t, func() bool {
		ops := srv.Ops()
		return len(ops) == 3 && ops[2] == "unbind"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"bind", "search", "unbind"}, srv.Ops())
}

func TestSession_BindFailure(t *testing.T) {
	ctx := t.Context()
	srv := newTestServer(t)
	session := dialTestServer(t, srv)

	_, err := session.SimpleBind(ctx, testAdminDN, "wrong", nil).Await(ctx)
	require.Error(t, err)

	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, uint16(49), protoErr.LDAPCode)
	assert.Equal(t, "simple_bind", protoErr.Operation)
	assert.True(t, IsAuthenticationError(err))
}

func TestSession_Operations(t *testing.T) {
	ctx := t.Context()
	srv := newTestServer(t)
	session := dialTestServer(t, srv)

	_, err := session.SimpleBind(ctx, testAdminDN, testPassword, nil).Await(ctx)
	require.NoError(t, err)

	whoami, err := session.WhoAmI(ctx, nil).Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, "dn:"+testAdminDN, whoami.AuthzID)
	assert.Equal(t, "dn", whoami.Format)
	assert.Equal(t, testAdminDN, whoami.DN)

	cmp, err := session.Compare(ctx, "cn=alice,ou=people,dc=example,dc=com", "mail", "alice@example.com").Await(ctx)
	require.NoError(t, err)
	assert.True(t, cmp.Equal)
	assert.Equal(t, uint16(6), cmp.Code)

	cmp, err = session.Compare(ctx, "cn=alice,ou=people,dc=example,dc=com", "mail", "bob@example.com").Await(ctx)
	require.NoError(t, err)
	assert.False(t, cmp.Equal)
	assert.Equal(t, uint16(5), cmp.Code)

	_, err = session.Compare(ctx, "cn=nobody,dc=example,dc=com", "cn", "nobody").Await(ctx)
	assert.True(t, IsNotFoundError(err))

	_, err = session.Add(ctx, "cn=bob,ou=people,dc=example,dc=com", []Attribute{
		{Type: "objectClass", Vals: []string{"inetOrgPerson"}},
		{Type: "cn", Vals: []string{"bob"}},
	}, nil).Await(ctx)
	require.NoError(t, err)

	_, err = session.Modify(ctx, "cn=bob,ou=people,dc=example,dc=com", []Mod{
		{Op: ModReplace, Attr: "mail", Values: []string{"bob@example.com"}},
		{Op: ModDelete, Attr: "description"},
	}, nil).Await(ctx)
	require.NoError(t, err)

	_, err = session.ModifyDN(ctx, "cn=bob,ou=people,dc=example,dc=com", "cn=robert", true, "", nil).Await(ctx)
	require.NoError(t, err)

	_, err = session.Delete(ctx, "cn=robert,ou=people,dc=example,dc=com", nil).Await(ctx)
	require.NoError(t, err)

	ext, err := session.Extended(ctx, &ExtendedOp{Name: "1.3.6.1.4.1.99999.1", Value: []byte("ping")}, nil).Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.3.6.1.4.1.99999.1", ext.Name)
	assert.Equal(t, []byte("ping"), ext.Value)

	assert.Equal(t, RequestID(10), session.LastID())
	assert.Zero(t, session.Inflight())
	assert.Equal(t, []string{"bind", "extended", "compare", "compare", "compare", "add", "modify", "modify_dn", "delete", "extended"}, srv.Ops())
}

func TestSession_SearchResultCode(t *testing.T) {
	ctx := t.Context()
	srv := newTestServer(t)
	srv.SearchResultCode = ldaptest.ResultNoSuchObject
	session := dialTestServer(t, srv)

	_, err := session.Search(ctx, "ou=missing,dc=example,dc=com", ScopeWholeSubtree, "(objectClass=*)", nil, nil).Await(ctx)
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, uint16(32), protoErr.LDAPCode)
	assert.Equal(t, "ou=missing,dc=example,dc=com", protoErr.MatchedDN)
}

func TestSession_SearchKeepsEntriesOnSizeLimit(t *testing.T) {
	ctx := t.Context()
	srv := newTestServer(t)
	srv.SizeLimit = 2
	session := dialTestServer(t, srv)

	res, err := session.Search(ctx, testBaseDN, ScopeWholeSubtree, "(objectClass=*)", nil, nil).Await(ctx)
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, uint16(ldaptest.ResultSizeLimitExceeded), protoErr.LDAPCode)

	require.NotNil(t, res)
	assert.Equal(t, uint16(ldaptest.ResultSizeLimitExceeded), res.Code)
	assert.False(t, res.Success())
	require.Len(t, res.Entries, 2)
	assert.Equal(t, testBaseDN, res.Entries[0].DN)
	assert.Zero(t, session.Inflight())
}

func TestSearchStream_ReadsEntriesAndReferrals(t *testing.T) {
	ctx := t.Context()
	srv := newTestServer(t)
	srv.Referrals = []string{"ldap://other.example.com/dc=example,dc=com"}
	session := dialTestServer(t, srv)

	stream, err := session.StartSearch(ctx, testBaseDN, ScopeWholeSubtree, "(objectClass=*)", nil, nil).Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.LastID(), stream.ID())

	_, err = stream.Finish()
	require.ErrorIs(t, err, ErrProtocolSequence)

	var dns []string
	for {
		entry, err := stream.Next(ctx).Await(ctx)
		require.NoError(t, err)
		if entry == nil {
			break
		}
		dns = append(dns, entry.DN)
	}
	assert.Equal(t, []string{testBaseDN, "ou=people,dc=example,dc=com", "cn=alice,ou=people,dc=example,dc=com"}, dns)

	// Exhausted streams keep reporting the end.
	entry, err := stream.Next(ctx).Await(ctx)
	require.NoError(t, err)
	assert.Nil(t, entry)

	res, err := stream.Finish()
	require.NoError(t, err)
	assert.True(t, res.Success())
	assert.Equal(t, srv.Referrals, res.Referrals)
	assert.Zero(t, session.Inflight())
}

func TestSearchStream_ServerCodeDeferredToFinish(t *testing.T) {
	ctx := t.Context()
	srv := newTestServer(t)
	srv.SearchResultCode = ldaptest.ResultNoSuchObject
	session := dialTestServer(t, srv)

	stream, err := session.StartSearch(ctx, "ou=missing,dc=example,dc=com", ScopeWholeSubtree, "(objectClass=*)", nil, nil).Await(ctx)
	require.NoError(t, err)

	entry, err := stream.Next(ctx).Await(ctx)
	require.NoError(t, err)
	assert.Nil(t, entry)

	res, err := stream.Finish()
	require.Error(t, err)
	assert.True(t, IsNotFoundError(err))
	require.NotNil(t, res)
	assert.Equal(t, uint16(32), res.Code)
	assert.Equal(t, "ou=missing,dc=example,dc=com", res.MatchedDN)
	assert.False(t, res.Success())
}

func TestSearchStream_Abandon(t *testing.T) {
	ctx := t.Context()
	srv := newTestServer(t)
	srv.StallAfter = 1
	session := dialTestServer(t, srv)

	stream, err := session.StartSearch(ctx, testBaseDN, ScopeWholeSubtree, "(objectClass=*)", nil, nil).Await(ctx)
	require.NoError(t, err)

	entry, err := stream.Next(ctx).Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, testBaseDN, entry.DN)

	_, err = session.Abandon(ctx, stream.ID()).Await(ctx)
	require.NoError(t, err)
	assert.True(t, stream.Abandoned())
	assert.Equal(t, stream.ID()+1, session.LastID(), "abandon takes its own id")

	_, err = stream.Next(ctx).Await(ctx)
	assert.ErrorIs(t, err, ErrAbandoned)

	_, err = stream.Finish()
	assert.ErrorIs(t, err, ErrProtocolSequence)

	// The session stays usable.
	_, err = session.SimpleBind(ctx, testAdminDN, testPassword, nil).Await(ctx)
	require.NoError(t, err)
}

// addPeople appends n entries below ou=people so searches have results
// still in transit after the first one has been read.
func addPeople(srv *ldaptest.Server, n int) {
	for i := range n {
		cn := fmt.Sprintf("user%d", i)
		srv.Entries = append(srv.Entries, ldaptest.Entry{
			DN:         "cn=" + cn + ",ou=people,dc=example,dc=com",
			Attributes: map[string][]string{"cn": {cn}},
		})
	}
}

func TestSearchStream_ResolvedWithPendingEntries(t *testing.T) {
	tests := []struct {
		name    string
		resolve func(t *testing.T, session *Session, stream *SearchStream)
	}{
		{
			name: "abandon",
			resolve: func(t *testing.T, session *Session, stream *SearchStream) {
				_, err := session.Abandon(t.Context(), stream.ID()).Await(t.Context())
				require.NoError(t, err)
			},
		},
		{
			name: "timeout",
			resolve: func(t *testing.T, session *Session, stream *SearchStream) {
				session.ResolveTimeout(stream.ID())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := t.Context()
			srv := newTestServer(t)
			addPeople(srv, 6)
			session := dialTestServer(t, srv)

			stream, err := session.StartSearch(ctx, testBaseDN, ScopeWholeSubtree, "(objectClass=*)", nil, nil).Await(ctx)
			require.NoError(t, err)

			entry, err := stream.Next(ctx).Await(ctx)
			require.NoError(t, err)
			require.NotNil(t, entry)

			tt.resolve(t, session, stream)

			_, err = stream.Next(ctx).Await(ctx)
			assert.ErrorIs(t, err, ErrAbandoned)

			opCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()

			who, err := session.WhoAmI(opCtx, nil).Await(opCtx)
			require.NoError(t, err)
			assert.Equal(t, "empty", who.Format)

			_, err = session.Unbind(opCtx).Await(opCtx)
			require.NoError(t, err)
			assert.True(t, session.Closed())
		})
	}
}

func TestSearchStream_CloseWithPendingEntries(t *testing.T) {
	ctx := t.Context()
	srv := newTestServer(t)
	addPeople(srv, 6)
	session := dialTestServer(t, srv)

	stream, err := session.StartSearch(ctx, testBaseDN, ScopeWholeSubtree, "(objectClass=*)", nil, nil).Await(ctx)
	require.NoError(t, err)

	_, err = stream.Next(ctx).Await(ctx)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		session.Close()
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Close blocked on an unread search")
	}

	_, err = stream.Next(ctx).Await(ctx)
	assert.ErrorIs(t, err, ErrAbandoned)
	assert.Zero(t, session.Inflight())
}

func TestSession_AbandonUnknownID(t *testing.T) {
	ctx := t.Context()
	session := dialTestServer(t, newTestServer(t))

	_, err := session.Abandon(ctx, 42).Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, RequestID(1), session.LastID())
}

func TestSession_ResolveTimeout(t *testing.T) {
	ctx := t.Context()
	srv := newTestServer(t)
	srv.StallAfter = 1
	session := dialTestServer(t, srv)

	pending := session.Search(ctx, testBaseDN, ScopeWholeSubtree, "(objectClass=*)", nil, nil)
	id := session.LastID()

	assert.Never(t, func() bool {
		select {
		case <-pending.Done():
			return true
		default:
			return false
		}
	}, 50*time.Millisecond, 5*time.Millisecond)

	session.ResolveTimeout(id)

	_, err := pending.Await(ctx)
	assert.ErrorIs(t, err, ErrAbandoned)
	assert.Zero(t, session.Inflight())
}

func TestSession_CloseResolvesInflight(t *testing.T) {
	ctx := t.Context()
	srv := newTestServer(t)
	srv.StallAfter = 1
	session := dialTestServer(t, srv)

	pending := session.Search(ctx, testBaseDN, ScopeWholeSubtree, "(objectClass=*)", nil, nil)
	require.Eventually(t, func() bool { return session.Inflight() == 1 }, time.Second, time.Millisecond)

	session.Close()
	session.Close()

	_, err := pending.Await(ctx)
	assert.ErrorIs(t, err, ErrAbandoned)

	_, err = session.Search(ctx, testBaseDN, ScopeBaseObject, "(objectClass=*)", nil, nil).Await(ctx)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSession_CancelledContext(t *testing.T) {
	session := dialTestServer(t, newTestServer(t))

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := session.WhoAmI(ctx, nil).Await(t.Context())
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Zero(t, session.LastID())
}

func TestConnect(t *testing.T) {
	ctx := t.Context()
	srv := newTestServer(t)

	session, err := Connect(ctx, srv.URL("127.0.0.1"), nil).Await(ctx)
	require.NoError(t, err)
	defer session.Close()

	assert.NotEqual(t, session.ID().String(), "")
	assert.Equal(t, "127.0.0.1", session.Server().Host)
}

func TestParseAuthzID(t *testing.T) {
	tests := []struct {
		authzID string
		format  string
	}{
		{authzID: "", format: "empty"},
		{authzID: "dn:cn=admin,dc=example,dc=com", format: "dn"},
		{authzID: "u:alice@EXAMPLE.COM", format: "upn"},
		{authzID: `u:EXAMPLE\alice`, format: "sam"},
		{authzID: "S-1-5-21-1004336348-1177238915-682003330-512", format: "sid"},
		{authzID: "u:alice", format: "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			result := &WhoAmIResult{AuthzID: tt.authzID}
			parseAuthzID(result)
			assert.Equal(t, tt.format, result.Format)
		})
	}
}
