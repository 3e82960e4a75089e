package cmd

import (
	"testing"

	"github.com/spf13/cobra"
)

func TestGetRootCmd(t *testing.T) {
	cmd := GetRootCmd()
	if cmd == nil {
		t.Fatal("expected rootCmd to be non-nil")
	}

	if cmd.Use != "hubctl" {
		t.Errorf("expected Use to be 'hubctl', got '%s'", cmd.Use)
	}

	if cmd.Short != "hubctl runs and controls the home automation hub" {
		t.Errorf("unexpected Short description: %s", cmd.Short)
	}
}

func TestExecute(t *testing.T) {
	// Replace the default rootCmd with a mock command for testing so
	// Execute never touches the real serve path.
	oldRoot := rootCmd
	defer func() { rootCmd = oldRoot }()
	mockCmd := &cobra.Command{
		Run: func(cmd *cobra.Command, args []string) {
			// Mock behavior
		},
	}
	rootCmd = mockCmd

	err := rootCmd.Execute()
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestGetClientRemoteMode(t *testing.T) {
	originalServerURL := serverURL
	defer func() { serverURL = originalServerURL }()

	serverURL = ""
	t.Setenv("HOMEHUB_SERVER", "")
	if IsRemoteMode() {
		t.Error("expected local mode when serverURL and HOMEHUB_SERVER are unset")
	}

	serverURL = "http://localhost:8123"
	if !IsRemoteMode() {
		t.Error("expected remote mode when serverURL is set")
	}
}
