// Command ldapconnect connects to a directory server and binds.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/isometry/ldapsync/internal/blocking"
	"github.com/isometry/ldapsync/internal/cmdutil"
	"github.com/isometry/ldapsync/internal/ldap"
)

func main() {
	serverURL := flag.String("server-url", "", "LDAP server URL (ldap://, ldaps:// or ldapi://)")
	serverIP := flag.String("server-ip", "", "IP address to dial instead of resolving the URL host")
	username := flag.String("username", "", "Bind DN, Kerberos principal or NTLM account")
	password := flag.String("password", "", "Bind password")
	domain := flag.String("domain", "", "NTLM domain or Kerberos realm hint")
	bindType := flag.String("bind-type", "spnego", "Bind type: simple, spnego, ntlm, external or unauthenticated")
	certValidation := flag.Bool("certificate-validation", true, "Validate the server certificate")
	rootCAFile := flag.String("trusted-root-ca-file", "", "PEM file with an additional trusted root CA")
	startTLS := flag.Bool("starttls", false, "Upgrade ldap:// connections with StartTLS")
	showMetrics := flag.Bool("metrics", false, "Print operation metrics on exit")
	flag.Parse()

	if *serverURL == "" {
		fmt.Fprintln(os.Stderr, "-server-url is required")
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx = cmdutil.LoggingContext(ctx, "ldapconnect")

	method, err := ldap.ParseAuthMethod(*bindType)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}

	settings, err := cmdutil.Settings(!*certValidation, *startTLS, *serverIP, *rootCAFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}

	m, opts, err := cmdutil.NewMetrics(*showMetrics)
	if err != nil {
		fmt.Fprintf(os.Stderr, "metrics disabled: %v\n", err)
	}

	fmt.Printf("LdapServerUrl: %s\n", *serverURL)
	fmt.Printf("LdapUsername: %s\n", *username)
	fmt.Printf("LdapBindType: %s\n", method)
	fmt.Printf("LdapCertificateValidation: %t\n", *certValidation)
	if *rootCAFile != "" {
		fmt.Printf("LdapTrustedRootCaFile: %s\n", *rootCAFile)
	}

	err = run(ctx, *serverURL, settings, &ldap.Credentials{
		Method:   method,
		Username: *username,
		Password: *password,
		Domain:   *domain,
	}, opts)

	if perr := m.Print(os.Stdout); perr != nil {
		fmt.Fprintf(os.Stderr, "failed to gather metrics: %v\n", perr)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, url string, settings *ldap.Settings, creds *ldap.Credentials, opts []blocking.Option) error {
	conn, err := blocking.Connect(ctx, url, settings, opts...)
	if err != nil {
		return err
	}
	defer conn.Close()

	res, err := conn.Bind(ctx, creds)
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("bind returned result code %d", res.Code)
	}

	who, err := conn.WhoAmI(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Bound as: %s (%s)\n", who.AuthzID, who.Format)

	return conn.Unbind(ctx)
}
