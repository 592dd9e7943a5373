package ldap

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// ServerInfo contains information about an LDAP server parsed from its URL.
type ServerInfo struct {
	Scheme string // ldap, ldaps or ldapi
	Host   string
	Port   int
	UseTLS bool
}

// Address returns host:port, or the socket path for ldapi.
func (s *ServerInfo) Address() string {
	if s.Scheme == "ldapi" {
		return s.Host
	}
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// ServerInfoToURL converts ServerInfo to LDAP URL.
func ServerInfoToURL(server *ServerInfo) string {
	if server.Scheme == "ldapi" {
		return "ldapi://" + server.Host
	}
	return fmt.Sprintf("%s://%s", server.Scheme, server.Address())
}

// ParseLDAPURL parses an LDAP URL into ServerInfo.
func ParseLDAPURL(rawURL string) (*ServerInfo, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid LDAP URL: %w", err)
	}

	server := &ServerInfo{Scheme: strings.ToLower(u.Scheme)}

	switch server.Scheme {
	case "ldap":
		server.Port = 389
	case "ldaps":
		server.Port = 636
		server.UseTLS = true
	case "ldapi":
		socket := u.Path
		if socket == "" || socket == "/" {
			socket = "/var/run/slapd/ldapi"
		}
		server.Host = socket
		return server, nil
	default:
		return nil, fmt.Errorf("unsupported scheme %q, must be ldap://, ldaps:// or ldapi://", u.Scheme)
	}

	server.Host = u.Hostname()
	if server.Host == "" {
		return nil, fmt.Errorf("no hostname found in URL: %s", rawURL)
	}

	if portStr := u.Port(); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("invalid port number: %s", portStr)
		}
		server.Port = port
	}

	return server, nil
}

// buildTLSConfig derives the TLS configuration for server from settings.
func buildTLSConfig(settings *Settings, server *ServerInfo) (*tls.Config, error) {
	var tlsConfig *tls.Config
	if settings.TLSConfig != nil {
		tlsConfig = settings.TLSConfig.Clone()
	} else {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	tlsConfig.InsecureSkipVerify = settings.NoTLSVerify

	// Certificates are verified against the URL host even when an IP
	// override is used for dialing.
	if tlsConfig.ServerName == "" {
		tlsConfig.ServerName = server.Host
	}

	if len(settings.RootCAs) > 0 {
		pool := x509.NewCertPool()
		for i, pemBytes := range settings.RootCAs {
			if !pool.AppendCertsFromPEM(pemBytes) {
				return nil, fmt.Errorf("root CA %d contains no PEM certificates", i)
			}
		}
		tlsConfig.RootCAs = pool
	}

	if settings.ClientCertFile != "" {
		cert, err := tls.LoadX509KeyPair(settings.ClientCertFile, settings.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = append(tlsConfig.Certificates, cert)
	}

	return tlsConfig, nil
}

// dialURL returns the URL go-ldap should dial, honouring the IP override.
func dialURL(settings *Settings, server *ServerInfo) string {
	if settings.IPAddress == nil || server.Scheme == "ldapi" {
		return ServerInfoToURL(server)
	}

	return fmt.Sprintf("%s://%s", server.Scheme, net.JoinHostPort(settings.IPAddress.String(), strconv.Itoa(server.Port)))
}

// Dial establishes a session with the server named by rawURL.
func Dial(ctx context.Context, rawURL string, settings *Settings) (*Session, error) {
	if settings == nil {
		settings = DefaultSettings()
	}

	if err := settings.Validate(); err != nil {
		return nil, NewConnectionError("invalid settings", err)
	}

	server, err := ParseLDAPURL(rawURL)
	if err != nil {
		return nil, NewConnectionError("invalid LDAP URL", err)
	}

	target := dialURL(settings, server)
	fields := map[string]any{
		"url":           rawURL,
		"dial_url":      target,
		"starttls":      settings.StartTLS,
		"no_tls_verify": settings.NoTLSVerify,
		"root_ca_count": len(settings.RootCAs),
	}

	LogConnectionEvent(ctx, "connection_attempt", fields)
	start := time.Now()

	conn, err := dialServer(settings, server, target)
	if err != nil {
		fields["error"] = err.Error()
		LogConnectionEvent(ctx, "connection_failed", fields)
		return nil, NewConnectionError(fmt.Sprintf("failed to connect to %s", rawURL), err)
	}

	if settings.Timeout > 0 {
		conn.SetTimeout(settings.Timeout)
	}

	fields["duration_ms"] = time.Since(start).Milliseconds()
	LogConnectionEvent(ctx, "connection_established", fields)

	return NewSession(ctx, conn, server), nil
}

// dialServer opens the transport and performs TLS negotiation.
func dialServer(settings *Settings, server *ServerInfo, target string) (*ldap.Conn, error) {
	opts := []ldap.DialOpt{
		ldap.DialWithDialer(&net.Dialer{Timeout: settings.ConnTimeout}),
	}

	if server.Scheme == "ldapi" {
		return ldap.DialURL(target, opts...)
	}

	tlsConfig, err := buildTLSConfig(settings, server)
	if err != nil {
		return nil, err
	}

	if server.UseTLS {
		if settings.StartTLS {
			return nil, errors.New("StartTLS cannot be used with ldaps://")
		}
		return ldap.DialURL(target, append(opts, ldap.DialWithTLSConfig(tlsConfig))...)
	}

	conn, err := ldap.DialURL(target, opts...)
	if err != nil {
		return nil, err
	}

	if settings.StartTLS {
		if err := conn.StartTLS(tlsConfig); err != nil {
			conn.Close()
			return nil, fmt.Errorf("StartTLS failed: %w", err)
		}
	}

	return conn, nil
}

// Connect performs Dial asynchronously. A session that finishes dialing
// after ctx is done is closed rather than leaked.
func Connect(ctx context.Context, rawURL string, settings *Settings) *Future[*Session] {
	return Go(func() (*Session, error) {
		session, err := Dial(ctx, rawURL, settings)
		if err != nil {
			return nil, err
		}

		if ctx.Err() != nil {
			tflog.SubsystemWarn(ctx, Subsystem, "Connection completed after caller gave up, closing", map[string]any{
				"url": rawURL,
			})
			session.Close()
			return nil, ctx.Err()
		}

		return session, nil
	})
}
