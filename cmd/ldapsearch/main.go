// Command ldapsearch runs a streaming search and prints every entry.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/isometry/ldapsync/internal/blocking"
	"github.com/isometry/ldapsync/internal/cmdutil"
	"github.com/isometry/ldapsync/internal/ldap"
)

func main() {
	serverURL := flag.String("server-url", "ldap://localhost:2389", "LDAP server URL")
	serverIP := flag.String("server-ip", "", "IP address to dial instead of resolving the URL host")
	startTLS := flag.Bool("starttls", true, "Upgrade ldap:// connections with StartTLS")
	noVerify := flag.Bool("no-tls-verify", true, "Skip server certificate validation")
	rootCAFile := flag.String("trusted-root-ca-file", "", "PEM file with an additional trusted root CA")
	bindDN := flag.String("bind-dn", "", "Bind DN; anonymous when empty")
	password := flag.String("password", "", "Bind password")
	base := flag.String("base", "ou=Places,dc=example,dc=org", "Search base")
	scopeName := flag.String("scope", "sub", "Search scope: base, one or sub")
	filter := flag.String("filter", "(objectClass=locality)", "Search filter")
	attrs := flag.String("attrs", "l", "Comma separated attributes to return")
	sizeLimit := flag.Int("size-limit", 0, "Maximum number of entries, 0 for no limit")
	timeout := flag.Duration("timeout", 30*time.Second, "Per-operation timeout")
	showMetrics := flag.Bool("metrics", false, "Print operation metrics on exit")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx = cmdutil.LoggingContext(ctx, "ldapsearch")

	scope, err := ldap.ParseScope(*scopeName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}

	settings, err := cmdutil.Settings(*noVerify, *startTLS, *serverIP, *rootCAFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}
	settings.Timeout = *timeout

	m, opts, err := cmdutil.NewMetrics(*showMetrics)
	if err != nil {
		fmt.Fprintf(os.Stderr, "metrics disabled: %v\n", err)
	}

	var attrList []string
	if *attrs != "" {
		attrList = strings.Split(*attrs, ",")
	}

	search := &searchParams{
		bindDN:    *bindDN,
		password:  *password,
		base:      *base,
		scope:     scope,
		filter:    *filter,
		attrs:     attrList,
		sizeLimit: *sizeLimit,
	}

	err = run(ctx, *serverURL, settings, search, opts)

	if perr := m.Print(os.Stderr); perr != nil {
		fmt.Fprintf(os.Stderr, "failed to gather metrics: %v\n", perr)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

type searchParams struct {
	bindDN    string
	password  string
	base      string
	scope     ldap.Scope
	filter    string
	attrs     []string
	sizeLimit int
}

func run(ctx context.Context, url string, settings *ldap.Settings, p *searchParams, opts []blocking.Option) error {
	conn, err := blocking.Connect(ctx, url, settings, opts...)
	if err != nil {
		return err
	}
	defer conn.Close()

	if p.bindDN != "" {
		if _, err := conn.SimpleBind(ctx, p.bindDN, p.password); err != nil {
			return err
		}
	}

	searchOpts := ldap.DefaultSearchOptions()
	searchOpts.SizeLimit = p.sizeLimit

	stream, err := conn.WithSearchOptions(searchOpts).StreamingSearch(ctx, p.base, p.scope, p.filter, p.attrs...)
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		entry, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}

		fmt.Printf("dn: %s\n", entry.DN)
		for _, pair := range ldap.RenderEntry(entry) {
			fmt.Printf("%s: %s\n", pair[0], pair[1])
		}
		fmt.Println()
	}

	res, err := stream.Finish(ctx)
	if err != nil {
		return err
	}
	for _, ref := range res.Referrals {
		fmt.Printf("# referral: %s\n", ref)
	}

	return conn.Unbind(ctx)
}
