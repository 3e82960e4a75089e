package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/homehub/config"
	"github.com/rustyeddy/homehub/hub"
	"github.com/rustyeddy/homehub/logging"
)

var serveCmd = &cobra.Command{
	Use:           "serve",
	Short:         "Start the home automation hub",
	Long:          `Start the hub: entity store, automations, MQTT broker and REST/WebSocket API`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          serveRunE,
}

var (
	logLevel  string
	logFormat string
	logOutput string
	logFile   string
)

func init() {
	serveCmd.Flags().StringVar(&logLevel, "log-level", logging.DefaultLevel, "Log level (debug, info, warn, error)")
	serveCmd.Flags().StringVar(&logFormat, "log-format", logging.DefaultFormat, "Log format (text, json)")
	serveCmd.Flags().StringVar(&logOutput, "log-output", logging.DefaultOutput, "Log output (stdout, stderr, file)")
	serveCmd.Flags().StringVar(&logFile, "log-file", "", "Log file path (required when log-output=file)")
}

// serveRun adapts serveRunE to the plain cobra.Command.Run signature so
// it can still be invoked directly (e.g. from tests) without going
// through Execute's exit-code handling.
func serveRun(cmd *cobra.Command, args []string) {
	if err := serveRunE(cmd, args); err != nil {
		fmt.Fprintln(cmdOutput, err)
	}
}

func serveRunE(cmd *cobra.Command, args []string) error {
	logCfg := logging.Config{
		Level:    logLevel,
		Format:   logFormat,
		Output:   logOutput,
		FilePath: logFile,
	}

	logger, closer, _, err := logging.Build(logCfg)
	if err != nil {
		return exitError{code: 2, err: fmt.Errorf("invalid logging configuration: %w", err)}
	}
	if closer != nil {
		defer closer.Close()
	}
	if level, lerr := logging.ParseLevel(logCfg.Level); lerr == nil {
		logging.ApplyGlobal(logger, level)
	}

	cfg, err := config.Load()
	if err != nil {
		return exitError{code: 2, err: fmt.Errorf("load configuration: %w", err)}
	}

	controller, err := hub.New(cfg, logger)
	if err != nil {
		return exitError{code: 1, err: fmt.Errorf("initialize hub: %w", err)}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The first signal cancels ctx and also lands on forceCh; a second
	// one within ShutdownDrain forces an immediate exit so an operator
	// is never stuck waiting on a stalled shutdown stage.
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		select {
		case <-forceCh: // the signal that cancelled ctx
		case <-time.After(hub.ShutdownDrain):
			return
		}
		select {
		case <-forceCh:
			logger.Warn("second interrupt received, forcing exit")
			os.Exit(2)
		case <-time.After(hub.ShutdownDrain):
		}
	}()

	if err := controller.Run(ctx); err != nil {
		return exitError{code: 3, err: fmt.Errorf("hub run: %w", err)}
	}
	return nil
}

// exitError carries a process exit code alongside the error message so
// Execute can set os.Exit without every caller threading one through.
type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string { return e.err.Error() }
func (e exitError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var ee exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}
