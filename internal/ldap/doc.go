/*
Package ldap provides an asynchronous directory session on top of go-ldap.

Every operation on a Session is issued immediately and returns a Future for
its outcome. The package does not serialise callers; package blocking builds
a one-call-at-a-time interface on top of it.

# Connection Management

Dial and Connect establish a session from an LDAP URL:

  - ldap://, ldaps:// and ldapi:// URLs
  - StartTLS, additional root CAs and disabled certificate verification
  - A literal IP override, with certificates still verified against the URL host
  - A client certificate for SASL EXTERNAL

# Authentication

  - Simple and unauthenticated binds
  - SASL EXTERNAL
  - NTLM
  - GSSAPI through gokrb5 (credential cache, keytab or password)

# Request Tracking

Each operation, including abandon and unbind, is assigned the next RequestID
before it starts. In-flight requests are registered so Abandon and
ResolveTimeout can stop them. Abandon is resolved client side: the request's
context is cancelled and every later read from it reports ErrAbandoned.

# Error Handling

Server results other than success are returned as *ProtocolError carrying
the result code, matched DN and diagnostic message. Transport failures during
dialing are *ConnectionError. Category helpers such as IsNotFoundError work
on both.

# Example Usage

	session, err := ldap.Dial(ctx, "ldap://dc1.example.com", settings)
	if err != nil {
		return err
	}
	defer session.Close()

	if _, err := session.SimpleBind(ctx, bindDN, password, nil).Await(ctx); err != nil {
		return err
	}

	res, err := session.Search(ctx, "dc=example,dc=com", ldap.ScopeWholeSubtree, "(objectClass=user)", nil, nil).Await(ctx)
*/
package ldap
