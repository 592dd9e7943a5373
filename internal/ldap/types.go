package ldap

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-ldap/ldap/v3"
)

// RequestID identifies one protocol operation issued on a Session.
type RequestID int64

// Settings holds configuration for establishing a directory session.
type Settings struct {
	// TLS settings
	NoTLSVerify    bool        // Skip server certificate validation
	RootCAs        [][]byte    // PEM encoded root certificates to trust
	StartTLS       bool        // Upgrade a plain ldap:// connection with StartTLS
	TLSConfig      *tls.Config // Base TLS configuration (cloned, never modified)
	ClientCertFile string      // Client certificate for SASL EXTERNAL
	ClientKeyFile  string      // Client private key for SASL EXTERNAL

	// Connection settings
	IPAddress   net.IP        // Literal address to dial instead of resolving the URL host
	ConnTimeout time.Duration `default:"30s"` // Dial and handshake timeout
	Timeout     time.Duration // Default per-operation timeout (zero means none)
}

// DefaultSettings returns settings with certificate validation enabled.
func DefaultSettings() *Settings {
	s := &Settings{}
	if err := defaults.Set(s); err != nil {
		// Only reachable with a malformed default tag.
		panic(fmt.Sprintf("ldap: invalid settings defaults: %v", err))
	}
	return s
}

// Validate checks the settings for obviously inconsistent values.
func (s *Settings) Validate() error {
	if s.ConnTimeout < 0 {
		return errors.New("connection timeout cannot be negative")
	}

	if s.Timeout < 0 {
		return errors.New("operation timeout cannot be negative")
	}

	if (s.ClientCertFile == "") != (s.ClientKeyFile == "") {
		return errors.New("client certificate and key must be configured together")
	}

	return nil
}

// SearchOptions holds the less frequently used search parameters.
type SearchOptions struct {
	DerefAliases DerefAliases  `default:"0"`
	SizeLimit    int           `default:"0"`
	TimeLimit    time.Duration `default:"0s"`
	TypesOnly    bool
	// BufferSize bounds how many streamed entries may be read ahead of the consumer.
	BufferSize int `default:"0"`
}

// DefaultSearchOptions returns search options without limits.
func DefaultSearchOptions() *SearchOptions {
	o := &SearchOptions{}
	if err := defaults.Set(o); err != nil {
		panic(fmt.Sprintf("ldap: invalid search option defaults: %v", err))
	}
	return o
}

// OpOptions carries the per-operation passthrough configuration.
type OpOptions struct {
	Controls []Control
	Search   *SearchOptions
}

func (o *OpOptions) controls() []Control {
	if o == nil {
		return nil
	}
	return o.Controls
}

func (o *OpOptions) search() *SearchOptions {
	if o == nil || o.Search == nil {
		return DefaultSearchOptions()
	}
	return o.Search
}

// Entry is a single search result entry.
type Entry = ldap.Entry

// Attribute is an attribute type with its values, as used by Add.
type Attribute = ldap.Attribute

// Control is a request or response control.
type Control = ldap.Control

// Scope defines LDAP search scope.
type Scope int

const (
	ScopeBaseObject Scope = iota
	ScopeSingleLevel
	ScopeWholeSubtree
)

// String returns string representation of the scope.
func (s Scope) String() string {
	switch s {
	case ScopeBaseObject:
		return "base"
	case ScopeSingleLevel:
		return "one"
	case ScopeWholeSubtree:
		return "sub"
	default:
		return "unknown"
	}
}

// ParseScope converts a scope name as used on the command line.
func ParseScope(name string) (Scope, error) {
	switch name {
	case "base":
		return ScopeBaseObject, nil
	case "one", "onelevel":
		return ScopeSingleLevel, nil
	case "sub", "subtree":
		return ScopeWholeSubtree, nil
	default:
		return 0, fmt.Errorf("unknown search scope %q", name)
	}
}

// DerefAliases defines alias dereferencing behavior.
type DerefAliases int

const (
	NeverDerefAliases DerefAliases = iota
	DerefInSearching
	DerefFindingBaseObj
	DerefAlways
)

// ModOp is the kind of change applied by a Mod.
type ModOp int

const (
	ModAdd ModOp = iota
	ModDelete
	ModReplace
	ModIncrement
)

// Mod is one element of a modification list.
type Mod struct {
	Op     ModOp
	Attr   string
	Values []string
}

// Result is the outcome of a completed protocol operation.
type Result struct {
	Code      uint16
	MatchedDN string
	Message   string
	Referrals []string
	Controls  []Control
}

// Success reports whether the server returned a success result code.
func (r *Result) Success() bool {
	return r != nil && r.Code == ldap.LDAPResultSuccess
}

// SearchResult contains every entry returned by a non-streaming search.
type SearchResult struct {
	Entries []*Entry
	Result
}

// CompareResult is the three-valued outcome of a Compare: protocol errors
// are returned as errors, otherwise Equal tells true from false.
type CompareResult struct {
	Result
	Equal bool
}

// ExtendedOp is a protocol extended operation request.
type ExtendedOp struct {
	Name  string // Request OID
	Value []byte // Optional request value, already encoded
}

// ExtendedResult is the response to an extended operation.
type ExtendedResult struct {
	Result
	Name  string
	Value []byte
}

// WhoAmIResult is the response of the "Who am I?" extended operation.
type WhoAmIResult struct {
	AuthzID           string
	Format            string // dn, upn, sam, sid, empty or unknown
	DN                string
	UserPrincipalName string
	SAMAccountName    string
	SID               string
}

// AuthMethod defines authentication method types.
type AuthMethod int

const (
	AuthMethodSimpleBind      AuthMethod = iota // DN/password authentication
	AuthMethodUnauthenticated                   // Name without password
	AuthMethodKerberos                          // GSSAPI/Kerberos authentication
	AuthMethodExternal                          // SASL EXTERNAL (TLS client certificate)
	AuthMethodNTLM                              // NTLM authentication
)

// String returns string representation of authentication method.
func (a AuthMethod) String() string {
	switch a {
	case AuthMethodSimpleBind:
		return "simple"
	case AuthMethodUnauthenticated:
		return "unauthenticated"
	case AuthMethodKerberos:
		return "kerberos"
	case AuthMethodExternal:
		return "external"
	case AuthMethodNTLM:
		return "ntlm"
	default:
		return "unknown"
	}
}

// ParseAuthMethod converts a bind type name as used on the command line.
func ParseAuthMethod(name string) (AuthMethod, error) {
	switch name {
	case "simple":
		return AuthMethodSimpleBind, nil
	case "unauthenticated", "anonymous":
		return AuthMethodUnauthenticated, nil
	case "kerberos", "gssapi", "spnego":
		return AuthMethodKerberos, nil
	case "external":
		return AuthMethodExternal, nil
	case "ntlm":
		return AuthMethodNTLM, nil
	default:
		return 0, fmt.Errorf("unknown bind type %q", name)
	}
}

// Credentials selects a bind strategy and carries its inputs.
type Credentials struct {
	Method   AuthMethod
	Username string // DN for simple bind, principal for Kerberos, account for NTLM
	Password string
	Domain   string // NTLM domain

	// Kerberos settings
	Realm      string // Kerberos realm (taken from Username@REALM when empty)
	Keytab     string // Path to keytab file
	CCache     string // Path to credential cache
	KRB5Config string // Path to krb5.conf
	SPN        string // Service principal override (default ldap/<host>)
}
