package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/vigilcore/vigil/internal/api"
	"github.com/vigilcore/vigil/internal/clock"
	"github.com/vigilcore/vigil/internal/config"
	"github.com/vigilcore/vigil/internal/connection"
	"github.com/vigilcore/vigil/internal/core"
	"github.com/vigilcore/vigil/internal/logbuf"
	"github.com/vigilcore/vigil/internal/notifier"
	"github.com/vigilcore/vigil/internal/transport/gnmisub"
	"github.com/vigilcore/vigil/internal/transport/mock"
	"github.com/vigilcore/vigil/internal/transport/natsbus"
	"github.com/vigilcore/vigil/internal/transport/wsock"
	"github.com/vigilcore/vigil/internal/types"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the alert source and serve the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		return run(cfg)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func run(cfg *config.Config) error {
	logs := logbuf.New(cfg.Log.BufferSize)
	logger := newLogger(cfg.Log.Level, logs)
	if cfg.TerminalID != "" {
		logger = logger.With().Str("terminal_id", cfg.TerminalID).Logger()
	}

	logger.Info().
		Str("config_path", cfgFile).
		Str("source", cfg.Source.Kind).
		Msg("Starting Vigil")

	transport, stopSource, err := buildTransport(cfg, logger)
	if err != nil {
		return err
	}
	defer stopSource()

	notify := notifier.New(notifier.Config{
		APIURL:     os.Getenv(cfg.Notify.URLEnv),
		Key:        cfg.Notify.Tag,
		TerminalID: cfg.TerminalID,
	}, logger)

	hooks := core.Hooks{
		OnIdle: func() {
			logger.Info().Msg("Operator idle")
		},
		OnActive: func() {
			logger.Info().Msg("Operator active")
		},
		OnExpired: func() {
			logger.Warn().Msg("Operator session expired")
		},
		OnConnectionStateChanged: func(s connection.State) {
			ev := logger.Info().Str("phase", string(s.Phase)).Int("attempt", s.Attempt)
			if !s.NextRetryAt.IsZero() {
				ev = ev.Time("next_retry_at", s.NextRetryAt)
			}
			ev.Msg("Connection state changed")
		},
		OnEscalate: func(a types.Alert) {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				if err := notify.Escalate(ctx, a); err != nil {
					logger.Error().Err(err).Str("alert_id", a.ID).Msg("Failed to send escalation")
				}
			}()
		},
	}

	c := core.New(core.OptionsFromConfig(cfg.Core), transport, hooks, clock.Real(), logger)
	c.Start()

	srv := api.NewServer(api.Config{
		Listen:         cfg.Server.Listen,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		TerminalID:     cfg.TerminalID,
	}, c, logs, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("API server shutdown incomplete")
		}
		return nil
	})
	err = g.Wait()
	if err != nil {
		logger.Error().Err(err).Msg("API server stopped")
	}
	if closeErr := c.Close(); closeErr != nil {
		logger.Warn().Err(closeErr).Msg("Core close failed")
	}
	logger.Info().Msg("Vigil stopped")
	return err
}

// buildTransport returns the configured alert source and a function that
// stops anything started alongside it.
func buildTransport(cfg *config.Config, logger zerolog.Logger) (connection.Transport, func(), error) {
	src := cfg.Source
	switch src.Kind {
	case config.SourceMock:
		source := mock.NewSource(true)
		sim := mock.NewSimulator(source, clock.Real(), src.Mock.Interval(), src.Mock.Seed, logger)
		sim.Start()
		return source, sim.Stop, nil

	case config.SourceWebSocket:
		header := http.Header{}
		for k, v := range src.WebSocket.Headers {
			header.Set(k, v)
		}
		var token string
		if src.WebSocket.TokenEnv != "" {
			token = os.Getenv(src.WebSocket.TokenEnv)
			if token == "" {
				logger.Warn().Str("env", src.WebSocket.TokenEnv).Msg("Token variable is empty, connecting without credentials")
			}
		}
		return wsock.New(wsock.Config{
			URL:                src.WebSocket.URL,
			Header:             header,
			Token:              token,
			InsecureSkipVerify: src.WebSocket.SkipTLS,
			HandshakeTimeout:   cfg.Core.DialTimeout(),
		}, logger), func() {}, nil

	case config.SourceNATS:
		return natsbus.New(natsbus.Config{
			URL:            src.NATS.URL,
			AlertSubject:   src.NATS.AlertSubject,
			ControlSubject: src.NATS.ControlSubject,
			ClientName:     src.NATS.ClientName,
		}, logger), func() {}, nil

	case config.SourceGNMI:
		g := src.GNMI
		var password string
		if g.PasswordEnv != "" {
			password = os.Getenv(g.PasswordEnv)
		}
		return gnmisub.New(gnmisub.Config{
			Address:     g.Address,
			Port:        g.Port,
			Target:      g.Target,
			AlertPath:   g.AlertPath,
			ControlPath: g.ControlPath,
			Username:    g.Username,
			Password:    password,
			TLS: &gnmisub.TLSConfig{
				Enabled:            g.TLS.Enabled,
				InsecureSkipVerify: g.TLS.InsecureSkipVerify,
				ServerName:         g.TLS.ServerName,
				CAFile:             g.TLS.CAFile,
				CertFile:           g.TLS.CertFile,
				KeyFile:            g.TLS.KeyFile,
			},
		}, logger), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown source kind %q", src.Kind)
	}
}
