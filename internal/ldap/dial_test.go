package ldap

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLDAPURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		want    *ServerInfo
		wantErr bool
	}{
		{
			name: "ldaps with port",
			url:  "ldaps://dc1.example.com:636",
			want: &ServerInfo{Scheme: "ldaps", Host: "dc1.example.com", Port: 636, UseTLS: true},
		},
		{
			name: "ldap with port",
			url:  "ldap://dc1.example.com:3389",
			want: &ServerInfo{Scheme: "ldap", Host: "dc1.example.com", Port: 3389},
		},
		{
			name: "ldaps without port",
			url:  "ldaps://dc1.example.com",
			want: &ServerInfo{Scheme: "ldaps", Host: "dc1.example.com", Port: 636, UseTLS: true},
		},
		{
			name: "ldap without port",
			url:  "ldap://dc1.example.com",
			want: &ServerInfo{Scheme: "ldap", Host: "dc1.example.com", Port: 389},
		},
		{
			name: "uppercase scheme",
			url:  "LDAP://dc1.example.com",
			want: &ServerInfo{Scheme: "ldap", Host: "dc1.example.com", Port: 389},
		},
		{
			name: "IPv6 literal",
			url:  "ldap://[2001:db8::1]:389",
			want: &ServerInfo{Scheme: "ldap", Host: "2001:db8::1", Port: 389},
		},
		{
			name: "ldapi socket path",
			url:  "ldapi:///run/slapd/ldapi",
			want: &ServerInfo{Scheme: "ldapi", Host: "/run/slapd/ldapi"},
		},
		{
			name: "ldapi default socket",
			url:  "ldapi://",
			want: &ServerInfo{Scheme: "ldapi", Host: "/var/run/slapd/ldapi"},
		},
		{
			name:    "empty URL",
			url:     "",
			wantErr: true,
		},
		{
			name:    "invalid scheme",
			url:     "https://dc1.example.com",
			wantErr: true,
		},
		{
			name:    "invalid port",
			url:     "ldap://dc1.example.com:abc",
			wantErr: true,
		},
		{
			name:    "port out of range",
			url:     "ldap://dc1.example.com:70000",
			wantErr: true,
		},
		{
			name:    "missing host",
			url:     "ldap://:389",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLDAPURL(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestServerInfoToURL(t *testing.T) {
	tests := []struct {
		server *ServerInfo
		want   string
	}{
		{server: &ServerInfo{Scheme: "ldaps", Host: "dc1.example.com", Port: 636, UseTLS: true}, want: "ldaps://dc1.example.com:636"},
		{server: &ServerInfo{Scheme: "ldap", Host: "2001:db8::1", Port: 389}, want: "ldap://[2001:db8::1]:389"},
		{server: &ServerInfo{Scheme: "ldapi", Host: "/run/slapd/ldapi"}, want: "ldapi:///run/slapd/ldapi"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, ServerInfoToURL(tt.server))
		})
	}
}

func TestDialURL(t *testing.T) {
	server := &ServerInfo{Scheme: "ldap", Host: "dc1.example.com", Port: 389}

	tests := []struct {
		name     string
		settings *Settings
		server   *ServerInfo
		want     string
	}{
		{
			name:     "no override",
			settings: &Settings{},
			server:   server,
			want:     "ldap://dc1.example.com:389",
		},
		{
			name:     "IPv4 override",
			settings: &Settings{IPAddress: net.ParseIP("192.0.2.10")},
			server:   server,
			want:     "ldap://192.0.2.10:389",
		},
		{
			name:     "IPv6 override",
			settings: &Settings{IPAddress: net.ParseIP("2001:db8::10")},
			server:   &ServerInfo{Scheme: "ldaps", Host: "dc1.example.com", Port: 636, UseTLS: true},
			want:     "ldaps://[2001:db8::10]:636",
		},
		{
			name:     "ldapi ignores override",
			settings: &Settings{IPAddress: net.ParseIP("192.0.2.10")},
			server:   &ServerInfo{Scheme: "ldapi", Host: "/run/slapd/ldapi"},
			want:     "ldapi:///run/slapd/ldapi",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, dialURL(tt.settings, tt.server))
		})
	}
}

func TestBuildTLSConfig(t *testing.T) {
	server := &ServerInfo{Scheme: "ldaps", Host: "dc1.example.com", Port: 636, UseTLS: true}
	caPEM := selfSignedPEM(t)

	t.Run("defaults", func(t *testing.T) {
		cfg, err := buildTLSConfig(&Settings{}, server)
		require.NoError(t, err)
		assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
		assert.Equal(t, "dc1.example.com", cfg.ServerName)
		assert.False(t, cfg.InsecureSkipVerify)
		assert.Nil(t, cfg.RootCAs)
	})

	t.Run("no verify", func(t *testing.T) {
		cfg, err := buildTLSConfig(&Settings{NoTLSVerify: true}, server)
		require.NoError(t, err)
		assert.True(t, cfg.InsecureSkipVerify)
	})

	t.Run("server name kept with IP override", func(t *testing.T) {
		cfg, err := buildTLSConfig(&Settings{IPAddress: net.ParseIP("192.0.2.10")}, server)
		require.NoError(t, err)
		assert.Equal(t, "dc1.example.com", cfg.ServerName)
	})

	t.Run("base config is cloned", func(t *testing.T) {
		base := &tls.Config{ServerName: "override.example.com", MinVersion: tls.VersionTLS13}
		cfg, err := buildTLSConfig(&Settings{TLSConfig: base, NoTLSVerify: true}, server)
		require.NoError(t, err)
		assert.Equal(t, "override.example.com", cfg.ServerName)
		assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)
		assert.False(t, base.InsecureSkipVerify, "base config must not be modified")
	})

	t.Run("root CAs", func(t *testing.T) {
		cfg, err := buildTLSConfig(&Settings{RootCAs: [][]byte{caPEM}}, server)
		require.NoError(t, err)
		require.NotNil(t, cfg.RootCAs)
	})

	t.Run("invalid root CA", func(t *testing.T) {
		_, err := buildTLSConfig(&Settings{RootCAs: [][]byte{[]byte("not a certificate")}}, server)
		assert.ErrorContains(t, err, "root CA 0")
	})

	t.Run("missing client certificate", func(t *testing.T) {
		_, err := buildTLSConfig(&Settings{ClientCertFile: "/nonexistent/cert.pem", ClientKeyFile: "/nonexistent/key.pem"}, server)
		assert.ErrorContains(t, err, "client certificate")
	})
}

func TestDialErrors(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		settings *Settings
		contains string
	}{
		{
			name:     "invalid URL",
			url:      "http://dc1.example.com",
			contains: "invalid LDAP URL",
		},
		{
			name:     "invalid settings",
			url:      "ldap://dc1.example.com",
			settings: &Settings{ConnTimeout: -time.Second},
			contains: "invalid settings",
		},
		{
			name: "starttls with ldaps",
			url:  "ldaps://127.0.0.1:1",
			settings: func() *Settings {
				s := DefaultSettings()
				s.StartTLS = true
				return s
			}(),
			contains: "StartTLS cannot be used with ldaps://",
		},
		{
			name: "connection refused",
			url:  "ldap://127.0.0.1:1",
			settings: func() *Settings {
				s := DefaultSettings()
				s.ConnTimeout = time.Second
				return s
			}(),
			contains: "failed to connect",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session, err := Dial(t.Context(), tt.url, tt.settings)
			require.Error(t, err)
			assert.Nil(t, session)
			assert.ErrorContains(t, err, tt.contains)

			var connErr *ConnectionError
			assert.ErrorAs(t, err, &connErr)
		})
	}
}

func TestConnectCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := Connect(ctx, "ldap://127.0.0.1:1", DefaultSettings()).Await(t.Context())
	require.Error(t, err)
}

func selfSignedPEM(t *testing.T) []byte {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}
