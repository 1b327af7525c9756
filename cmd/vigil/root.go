package main

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/vigilcore/vigil/internal/logbuf"
	"github.com/vigilcore/vigil/internal/version"
)

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "vigil",
	Short: "Real-time operational awareness core",
	Long: `Vigil keeps a terminal connected to a live alert source, maintains the
ordered set of active alerts, and tracks whether an operator is still
present at the terminal.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "/config/vigil.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (trace, debug, info, warn, error)")
}

// newLogger writes JSON lines to stdout and to buf. The flag wins over the
// configured level.
func newLogger(configured string, buf *logbuf.Buffer) zerolog.Logger {
	level := configured
	if logLevel != "" {
		level = logLevel
	}
	parsed, err := zerolog.ParseLevel(level)
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)

	var out io.Writer = os.Stdout
	if buf != nil {
		out = zerolog.MultiLevelWriter(os.Stdout, buf)
	}
	return zerolog.New(out).With().
		Timestamp().
		Str("version", version.Version).
		Str("commit", version.Commit).
		Logger()
}
