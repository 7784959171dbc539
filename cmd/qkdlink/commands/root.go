// Package commands implements the qkdlink command line interface.
package commands

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/qshield-labs/qkdlink/internal/constants"
	"github.com/qshield-labs/qkdlink/pkg/metrics"
	"github.com/qshield-labs/qkdlink/pkg/session"
)

// defaultPort is the TCP port used when --port is not given.
const defaultPort = 9418

var (
	logLevel  string
	logFormat string

	errorRate     float64
	qberThreshold float64
	burstBits     int
	suiteName     string
	traceEnabled  bool
)

// Execute builds the command tree and runs it.
func Execute() error {
	root := &cobra.Command{
		Use:           "qkdlink",
		Short:         "Simulated-QKD secure channel endpoint",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			format := metrics.FormatText
			switch logFormat {
			case "text":
			case "json":
				format = metrics.FormatJSON
			default:
				return fmt.Errorf("unknown log format %q (want text or json)", logFormat)
			}
			metrics.SetLogger(metrics.NewLogger(
				metrics.WithOutput(os.Stderr),
				metrics.WithLevel(metrics.ParseLevel(logLevel)),
				metrics.WithFormat(format),
			))
			return nil
		},
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error, silent")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format: text or json")
	root.PersistentFlags().Float64Var(&errorRate, "error-rate", 0, "simulated quantum channel error rate [0,1)")
	root.PersistentFlags().Float64Var(&qberThreshold, "threshold", constants.DefaultQBERThreshold, "QBER abort threshold")
	root.PersistentFlags().IntVar(&burstBits, "burst", constants.QuantumBurstSize, "quantum burst size in bits")
	root.PersistentFlags().StringVar(&suiteName, "suite", "chacha20poly1305", "cipher suite: chacha20poly1305 or aes256gcm")
	root.PersistentFlags().BoolVar(&traceEnabled, "trace", false, "emit OpenTelemetry spans via the global tracer provider")

	root.AddCommand(listenCmd(), connectCmd(), versionCmd())
	return root.Execute()
}

// buildConfig maps the shared flags onto a session config.
func buildConfig() (session.Config, error) {
	cfg := session.DefaultConfig()
	cfg.ChannelErrorRate = errorRate
	cfg.QBERThreshold = qberThreshold
	cfg.KeyLengthBits = burstBits

	switch suiteName {
	case "chacha20poly1305":
		cfg.CipherSuite = constants.CipherSuiteChaCha20Poly1305
	case "aes256gcm":
		cfg.CipherSuite = constants.CipherSuiteAES256GCM
	default:
		return session.Config{}, fmt.Errorf("unknown cipher suite %q", suiteName)
	}

	if traceEnabled {
		cfg.Tracer = metrics.NewOTelTracer("qkdlink")
	}

	return cfg, cfg.Validate()
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
