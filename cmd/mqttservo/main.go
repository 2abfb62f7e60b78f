// Package main is the mqttservo entry point: it keeps an authenticated MQTT
// session to the cloud bridge and drives the pan/tilt servos from goggle
// direction messages.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/servo-link/mqttservo/internal/actuator"
	"github.com/servo-link/mqttservo/internal/actuator/sysfs"
	"github.com/servo-link/mqttservo/internal/audit"
	"github.com/servo-link/mqttservo/internal/auth"
	"github.com/servo-link/mqttservo/internal/broker"
	"github.com/servo-link/mqttservo/internal/command"
	"github.com/servo-link/mqttservo/internal/config"
	"github.com/servo-link/mqttservo/internal/logging"
	"github.com/servo-link/mqttservo/internal/session"
	"github.com/servo-link/mqttservo/internal/telemetry"
)

// Exit codes.
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type options struct {
	configPath string
	logLevel   string
	dryRun     bool
	checkToken bool
	version    bool
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	opts := &options{}
	flags := pflag.NewFlagSet("mqttservo", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVarP(&opts.configPath, "config", "c", "", "path to the YAML configuration file (default $"+config.EnvConfigFile+")")
	flags.StringVar(&opts.logLevel, "log-level", "", "override the configured log level")
	flags.BoolVar(&opts.dryRun, "dry-run", false, "log pulses instead of driving the PWM outputs")
	flags.BoolVar(&opts.checkToken, "check-token", false, "issue and verify one credential, print its claims and exit")
	flags.BoolVar(&opts.version, "version", false, "print the version and exit")

	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	return opts, nil
}

// run wires the components and blocks until the session ends. It returns
// the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		return exitConfig
	}
	if opts.version {
		fmt.Fprintf(stdout, "mqttservo %s\n", version)
		return exitOK
	}

	// Step 1: Load configuration
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load configuration: %v\n", err)
		return exitConfig
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}

	// Step 2: Initialize logger
	logger, logCloser, err := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Failed to initialize logging: %v\n", err)
		return exitConfig
	}
	defer func() { _ = logCloser.Close() }()
	logger.Info().Str("version", version).Msg("Starting mqttservo")

	// Step 3: Create credential issuer
	issuer, err := auth.NewIssuer(cfg.IssuerConfig())
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create credential issuer")
		return exitConfig
	}

	if opts.checkToken {
		return checkToken(issuer, cfg.Device.ProjectID, stdout, logger)
	}

	// Step 4: Initialize telemetry hub
	hub := telemetry.NewHub(cfg.Telemetry.BufferSize)

	// Step 5: Open the pulse output
	output, closeOutput, err := openOutput(cfg, opts.dryRun, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to open pulse output")
		return exitConfig
	}
	defer closeOutput()

	// Step 6: Create command orchestrator
	orchestrator, err := command.NewOrchestrator(output, cfg.Channels(), hub, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create orchestrator")
		return exitConfig
	}
	orchestrator.SetWriteTimeout(cfg.Actuator.WriteTimeout)

	// Step 7: Initialize audit logger
	if cfg.Audit.Enabled {
		auditLogger, err := audit.NewLogger(cfg.AuditConfig(), cfg.Device.DeviceID)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to initialize audit logger")
			return exitConfig
		}
		defer func() {
			if err := auditLogger.Close(); err != nil {
				logger.Warn().Err(err).Msg("Error closing audit logger")
			}
		}()
		orchestrator.SetAuditLogger(auditLogger)
		logger.Info().Str("file", auditLogger.FilePath()).Msg("Audit logger initialized")
	}

	if cfg.Actuator.CenterOnStart {
		if err := orchestrator.Center(ctx); err != nil {
			logger.Warn().Err(err).Msg("Failed to center servos")
		}
	}

	// Step 8: Start telemetry server
	if cfg.Telemetry.Enabled {
		server := telemetry.NewServer(hub, 10*time.Second, 10*time.Second)
		go func() {
			if err := server.Start(cfg.Telemetry.Addr); err != nil {
				logger.Error().Err(err).Msg("Telemetry server failed")
			}
		}()
		defer func() {
			if err := server.Stop(context.Background()); err != nil {
				logger.Warn().Err(err).Msg("Error stopping telemetry server")
			}
		}()
		logger.Info().Str("addr", cfg.Telemetry.Addr).Msg("Telemetry server started")
	}

	// Step 9: Run the session until a signal or a fatal error
	dialer, err := broker.NewDialer(cfg.BrokerConfig(), logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create broker dialer")
		return exitConfig
	}

	manager := session.NewManager(cfg.SessionConfig(), issuer, dialer, orchestrator,
		session.WithLogger(logger),
		session.WithTelemetry(hub))

	err = manager.Run(ctx)
	code := exitCode(err)
	if err != nil {
		logger.Error().Err(err).Int("exit_code", code).Msg("Session terminated")
	} else {
		logger.Info().Msg("Shutdown complete")
	}
	return code
}

// exitCode maps a Run error to the process exit code.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, auth.ErrAuth), errors.Is(err, config.ErrInvalidConfig):
		return exitConfig
	default:
		return exitRuntime
	}
}

func openOutput(cfg *config.Config, dryRun bool, logger zerolog.Logger) (actuator.PulseOutput, func(), error) {
	if dryRun || cfg.Actuator.Driver == config.DriverLog {
		logger.Info().Msg("Using log-only pulse output")
		return actuator.NewLogOutput(logger), func() {}, nil
	}

	output, err := sysfs.Open(cfg.SysfsConfig())
	if err != nil {
		return nil, nil, err
	}
	closeOutput := func() {
		if err := output.Close(); err != nil {
			logger.Warn().Err(err).Msg("Error closing PWM output")
		}
	}
	return output, closeOutput, nil
}

// checkToken issues one credential and verifies it against the key's public
// half.
func checkToken(issuer *auth.Issuer, audience string, stdout io.Writer, logger zerolog.Logger) int {
	cred, err := issuer.Issue()
	if err != nil {
		logger.Error().Err(err).Msg("Failed to issue credential")
		return exitConfig
	}
	pub, err := issuer.PublicKey()
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load public key")
		return exitConfig
	}
	claims, err := auth.Verify(cred.Token, pub, audience)
	if err != nil {
		logger.Error().Err(err).Msg("Credential did not verify")
		return exitConfig
	}

	fmt.Fprintf(stdout, "algorithm: %s\naudience: %s\nissued: %s\nexpires: %s\n",
		issuer.Algorithm(),
		claims.Audience,
		claims.IssuedAt.Format(time.RFC3339),
		claims.ExpiresAt.Format(time.RFC3339))
	return exitOK
}
