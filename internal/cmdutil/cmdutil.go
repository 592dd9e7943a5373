// Package cmdutil holds the setup shared by the sample commands.
package cmdutil

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/hashicorp/terraform-plugin-log/tfsdklog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/isometry/ldapsync/internal/blocking"
	"github.com/isometry/ldapsync/internal/ldap"
	"github.com/isometry/ldapsync/internal/metrics"
)

// LogEnv enables logging when set to a level such as DEBUG or TRACE.
const LogEnv = "LDAPSYNC_LOG"

// LoggingContext returns ctx carrying a root logger writing to stderr when
// LogEnv is set. The ldap subsystem level follows ldap.LogLevelEnv.
func LoggingContext(ctx context.Context, name string) context.Context {
	if os.Getenv(LogEnv) == "" {
		return ctx
	}

	return tfsdklog.NewRootProviderLogger(ctx,
		tfsdklog.WithLogName(name),
		tfsdklog.WithLevelFromEnv(LogEnv),
		tfsdklog.WithStderrFromInit(),
	)
}

// Settings builds connection settings from command line values.
func Settings(noVerify, startTLS bool, serverIP, rootCAFile string) (*ldap.Settings, error) {
	settings := ldap.DefaultSettings()
	settings.NoTLSVerify = noVerify
	settings.StartTLS = startTLS

	if serverIP != "" {
		ip := net.ParseIP(serverIP)
		if ip == nil {
			return nil, fmt.Errorf("invalid server IP address %q", serverIP)
		}
		settings.IPAddress = ip
	}

	if rootCAFile != "" {
		pem, err := os.ReadFile(rootCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read root CA file: %w", err)
		}
		settings.RootCAs = append(settings.RootCAs, pem)
	}

	return settings, nil
}

// Metrics is an optional Prometheus collector for a command run.
type Metrics struct {
	registry *prometheus.Registry
}

// NewMetrics returns a collector option for blocking.Connect. When enabled
// is false the option leaves the no-op collector in place.
func NewMetrics(enabled bool) (*Metrics, []blocking.Option, error) {
	if !enabled {
		return &Metrics{}, nil, nil
	}

	registry := prometheus.NewRegistry()
	collector, err := metrics.NewPrometheusCollector(registry)
	if err != nil {
		return nil, nil, err
	}

	return &Metrics{registry: registry}, []blocking.Option{blocking.WithCollector(collector)}, nil
}

// Print writes the collected metrics to w in the Prometheus text format.
func (m *Metrics) Print(w io.Writer) error {
	if m == nil || m.registry == nil {
		return nil
	}

	families, err := m.registry.Gather()
	if err != nil {
		return err
	}

	for _, family := range families {
		if _, err := expfmt.MetricFamilyToText(w, family); err != nil {
			return err
		}
	}

	return nil
}
