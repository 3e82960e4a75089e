// serve test

package cmd

import (
	"errors"
	"testing"
)

func TestServeCmd(t *testing.T) {
	cmd := serveCmd

	if cmd.Use != "serve" {
		t.Errorf("expected Use to be 'serve', got '%s'", cmd.Use)
	}

	if cmd.RunE == nil {
		t.Error("expected RunE to be set, got nil")
	}
}

func TestServeCmdFlags(t *testing.T) {
	cmd := serveCmd

	for _, name := range []string{"log-level", "log-format", "log-output", "log-file"} {
		if cmd.Flags().Lookup(name) == nil {
			t.Errorf("expected %q flag to be defined", name)
		}
	}
}

func TestExitCode(t *testing.T) {
	if got := exitCode(nil); got != 1 {
		t.Errorf("expected default exit code 1 for nil error, got %d", got)
	}

	wrapped := exitError{code: 2, err: errors.New("bad config")}
	if got := exitCode(wrapped); got != 2 {
		t.Errorf("expected exit code 2, got %d", got)
	}

	if got := exitCode(errors.New("plain")); got != 1 {
		t.Errorf("expected default exit code 1 for unwrapped error, got %d", got)
	}
}

func TestServeRunInvalidLogOutput(t *testing.T) {
	// serveRunE should fail fast on bad logging configuration without
	// ever reaching hub construction.
	originalOutput := logOutput
	defer func() { logOutput = originalOutput }()
	logOutput = "not-a-real-output"

	err := serveRunE(serveCmd, nil)
	if err == nil {
		t.Fatal("expected an error for invalid log output, got nil")
	}
	if exitCode(err) != 2 {
		t.Errorf("expected exit code 2 for misconfiguration, got %d", exitCode(err))
	}
}
