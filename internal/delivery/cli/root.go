package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes
const (
	ExitOK          = 0
	ExitConfigError = 1
	ExitIOError     = 2
	ExitPermission  = 3
	ExitInterrupted = 130
)

// Classified errors let Execute map failures onto exit codes.
var (
	ErrConfig      = errors.New("configuration error")
	ErrInterrupted = errors.New("interrupted")
)

var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ransomguard",
		Short:         "Behavioral ransomware detection and response",
		Long:          "ransomguard watches directory trees for ransomware-like behavior,\nscores per-process evidence and escalates from monitoring to\nsuspension, termination and rollback from its backup vault.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to JSON config file")

	root.AddCommand(newMonitorCmd())
	root.AddCommand(newVaultCmd())
	root.AddCommand(newConfigCmd())
	root.AddCommand(newVersionCmd())
	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	err := newRootCmd().Execute()
	if err == nil {
		return ExitOK
	}

	fmt.Fprintf(os.Stderr, "ransomguard: %v\n", err)

	switch {
	case errors.Is(err, ErrInterrupted):
		return ExitInterrupted
	case errors.Is(err, ErrConfig):
		return ExitConfigError
	case errors.Is(err, os.ErrPermission):
		return ExitPermission
	default:
		return ExitIOError
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("ransomguard v1.0")
			fmt.Println("Behavioral Ransomware Detection & Response")
			fmt.Println()
			fmt.Println("Features:")
			fmt.Println("  - Shannon entropy-based encryption detection")
			fmt.Println("  - Six-indicator behavioral pattern analysis")
			fmt.Println("  - Four-level escalation with safe-mode confirmation")
			fmt.Println("  - Integrity-verified copy-on-write backup vault")
			fmt.Println("  - Automated rollback after termination")
		},
	}
}
