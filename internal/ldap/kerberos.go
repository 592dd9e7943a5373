package ldap

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/go-ldap/ldap/v3/gssapi"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	krb5client "github.com/jcmturner/gokrb5/v8/client"
)

const defaultKrb5Conf = "/etc/krb5.conf"

// performKerberosAuth performs a GSSAPI bind on conn.
func performKerberosAuth(ctx context.Context, conn *ldap.Conn, creds *Credentials, server *ServerInfo) error {
	resolved, err := prepareKerberosCredentials(creds)
	if err != nil {
		return fmt.Errorf("kerberos configuration error: %w", err)
	}

	krb5conf, cleanup, err := resolveKrb5Conf(ctx, resolved)
	if err != nil {
		return err
	}
	defer cleanup()

	gssapiClient, err := createGSSAPIClient(ctx, resolved, krb5conf)
	if err != nil {
		return fmt.Errorf("failed to create GSSAPI client: %w", err)
	}
	defer func() {
		_ = gssapiClient.DeleteSecContext()
	}()

	spn, err := buildServicePrincipal(resolved, server)
	if err != nil {
		return fmt.Errorf("failed to build service principal: %w", err)
	}

	tflog.SubsystemDebug(ctx, Subsystem, "Performing GSSAPI bind", map[string]any{
		"principal": resolved.Username,
		"realm":     resolved.Realm,
		"spn":       spn,
	})

	if err := conn.GSSAPIBind(gssapiClient, spn, ""); err != nil {
		return fmt.Errorf("GSSAPI bind failed: %w", err)
	}

	return nil
}

// prepareKerberosCredentials returns a copy of creds with the realm filled in
// and the principal stripped of its realm suffix.
func prepareKerberosCredentials(creds *Credentials) (*Credentials, error) {
	if creds == nil {
		return nil, fmt.Errorf("credentials cannot be nil")
	}

	resolved := *creds

	if resolved.Realm == "" && strings.Contains(resolved.Username, "@") {
		parts := strings.Split(resolved.Username, "@")
		if len(parts) == 2 {
			resolved.Username = parts[0]
			resolved.Realm = parts[1]
		}
	}

	if resolved.Realm == "" && resolved.Domain != "" {
		resolved.Realm = strings.ToUpper(resolved.Domain)
	}

	if resolved.Realm == "" {
		return nil, fmt.Errorf("kerberos realm is required (set a realm, a domain, or use principal@REALM)")
	}

	hasExplicitCCache := resolved.CCache != "" && fileExists(resolved.CCache)
	hasDefaultCCache := fileExists(getDefaultCCachePath())

	if resolved.Username == "" && !hasExplicitCCache && !hasDefaultCCache {
		return nil, fmt.Errorf("principal is required for Kerberos authentication without a credential cache")
	}

	hasExplicitKeytab := resolved.Keytab != "" && fileExists(resolved.Keytab)
	hasDefaultKeytab := fileExists(getDefaultKeytabPath())

	if !hasExplicitCCache && !hasDefaultCCache && !hasExplicitKeytab && !hasDefaultKeytab && resolved.Password == "" {
		return nil, fmt.Errorf("no suitable Kerberos credentials found: provide a credential cache, a keytab or a password")
	}

	return &resolved, nil
}

// resolveKrb5Conf returns the krb5.conf path to use. Without an explicit path
// or a system file, a runtime configuration relying on DNS lookups is written
// to a temporary file which cleanup removes.
func resolveKrb5Conf(ctx context.Context, creds *Credentials) (string, func(), error) {
	noop := func() {}

	if creds.KRB5Config != "" {
		if !fileExists(creds.KRB5Config) {
			return "", noop, fmt.Errorf("kerberos configuration file not found at %s, example configuration:\n%s",
				creds.KRB5Config, generateRuntimeKrb5Conf(creds))
		}
		return creds.KRB5Config, noop, nil
	}

	if fileExists(defaultKrb5Conf) {
		return defaultKrb5Conf, noop, nil
	}

	tflog.SubsystemDebug(ctx, Subsystem, "No krb5.conf found, generating runtime configuration", map[string]any{
		"realm": creds.Realm,
	})

	f, err := os.CreateTemp("", "ldapsync-krb5-*.conf")
	if err != nil {
		return "", noop, fmt.Errorf("failed to create runtime krb5.conf: %w", err)
	}

	cleanup := func() { _ = os.Remove(f.Name()) }

	if _, err := f.WriteString(generateRuntimeKrb5Conf(creds)); err != nil {
		f.Close()
		cleanup()
		return "", noop, fmt.Errorf("failed to write runtime krb5.conf: %w", err)
	}

	if err := f.Close(); err != nil {
		cleanup()
		return "", noop, fmt.Errorf("failed to write runtime krb5.conf: %w", err)
	}

	return f.Name(), cleanup, nil
}

// createGSSAPIClient creates a GSSAPI client from the available credentials.
// Priority order: credential cache, default cache, keytab, default keytab, password.
func createGSSAPIClient(ctx context.Context, creds *Credentials, krb5conf string) (ldap.GSSAPIClient, error) {
	if creds.CCache != "" && fileExists(creds.CCache) {
		return gssapi.NewClientFromCCache(creds.CCache, krb5conf, krb5client.DisablePAFXFAST(true))
	}

	if defaultCCache := getDefaultCCachePath(); fileExists(defaultCCache) {
		tflog.SubsystemDebug(ctx, Subsystem, "Using default credential cache", map[string]any{
			"ccache": defaultCCache,
		})
		return gssapi.NewClientFromCCache(defaultCCache, krb5conf, krb5client.DisablePAFXFAST(true))
	}

	if creds.Keytab != "" && fileExists(creds.Keytab) {
		return gssapi.NewClientWithKeytab(creds.Username, creds.Realm, creds.Keytab, krb5conf, krb5client.DisablePAFXFAST(true))
	}

	if creds.Username != "" {
		if defaultKeytab := getDefaultKeytabPath(); fileExists(defaultKeytab) {
			return gssapi.NewClientWithKeytab(creds.Username, creds.Realm, defaultKeytab, krb5conf, krb5client.DisablePAFXFAST(true))
		}
	}

	if creds.Username != "" && creds.Password != "" {
		return gssapi.NewClientWithPassword(creds.Username, creds.Realm, creds.Password, krb5conf, krb5client.DisablePAFXFAST(true))
	}

	return nil, fmt.Errorf("no suitable credentials found for Kerberos authentication")
}

// buildServicePrincipal constructs the LDAP service principal name.
// An explicit SPN in creds takes precedence.
func buildServicePrincipal(creds *Credentials, server *ServerInfo) (string, error) {
	if creds != nil && creds.SPN != "" {
		return creds.SPN, nil
	}

	if server == nil {
		return "", fmt.Errorf("server info is required for service principal")
	}

	if server.Scheme == "ldapi" {
		return "", fmt.Errorf("service principal cannot be derived for ldapi://, set it explicitly")
	}

	hostname := server.Host
	if hostname == "" {
		return "", fmt.Errorf("hostname is required for service principal")
	}

	return "ldap/" + hostname, nil
}

// getDefaultCCachePath returns the default credential cache location.
func getDefaultCCachePath() string {
	if ccache := os.Getenv("KRB5CCNAME"); ccache != "" {
		return strings.TrimPrefix(ccache, "FILE:")
	}
	return fmt.Sprintf("/tmp/krb5cc_%d", os.Getuid())
}

// getDefaultKeytabPath returns the default keytab location.
func getDefaultKeytabPath() string {
	if keytab := os.Getenv("KRB5_KTNAME"); keytab != "" {
		return strings.TrimPrefix(keytab, "FILE:")
	}
	return "/etc/krb5.keytab"
}

// fileExists checks if a file exists and is readable.
func fileExists(path string) bool {
	if path == "" {
		return false
	}
	file, err := os.Open(path)
	if err != nil {
		return false
	}
	file.Close()
	return true
}

// generateRuntimeKrb5Conf renders a minimal krb5.conf that discovers KDCs
// through DNS SRV records.
func generateRuntimeKrb5Conf(creds *Credentials) string {
	realm := "YOUR.REALM.COM"
	if creds != nil && creds.Realm != "" {
		realm = strings.ToUpper(creds.Realm)
	}

	domain := strings.ToLower(realm)
	if creds != nil && creds.Domain != "" {
		domain = strings.ToLower(creds.Domain)
	}

	return fmt.Sprintf(`[libdefaults]
    default_realm = %s
    dns_lookup_kdc = true
    dns_lookup_realm = false
    rdns = false

[realms]
    %s = {
    }

[domain_realm]
    .%s = %s
    %s = %s
`, realm, realm, domain, realm, domain, realm)
}
