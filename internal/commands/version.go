package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/microsoft/perldbg/internal/version"
)

// Written to the log right after the startup message, to help correlate perldbg logs with the editor session.
const PERLDBG_LOGGING_CONTEXT = "PERLDBG_LOGGING_CONTEXT"

var versionFormats = []string{"json", "yaml", "text"}

func NewVersionCommand(log logr.Logger) (*cobra.Command, error) {
	var format string

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Prints version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !slices.Contains(versionFormats, format) {
				return fmt.Errorf("unsupported output format '%s', use one of %v", format, versionFormats)
			}
			if err := writeVersion(cmd.OutOrStdout(), format); err != nil {
				log.WithName("version").Error(err, "Could not write version information")
				return err
			}
			return nil
		},
	}
	versionCmd.Flags().StringVarP(&format, "output", "o", "json", fmt.Sprintf("Output format, one of %v", versionFormats))

	return versionCmd, nil
}

func writeVersion(w io.Writer, format string) error {
	v := version.Version()

	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(v)
	case "text":
		_, err := fmt.Fprintf(w, "perldbg %s (commit %s, %s)\n", v.Version, v.CommitHash, v.GoVersion)
		return err
	default:
		s, err := versionString()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, s)
		return err
	}
}

// LogVersion returns a cobra hook that records what binary is running and how it was invoked.
func LogVersion(log logr.Logger, programStartMsg string) func(_ *cobra.Command, _ []string) {
	return func(_ *cobra.Command, _ []string) {
		vs, err := versionString()
		if err != nil {
			vs = fmt.Sprintf("unknown: %v", err)
		}

		exe, exeErr := os.Executable()
		if exeErr != nil {
			exe = os.Args[0]
		}

		log.V(1).Info(programStartMsg, "PID", os.Getpid(), "Exe", exe, "Args", os.Args[1:], "Version", vs)

		if logContext := os.Getenv(PERLDBG_LOGGING_CONTEXT); logContext != "" {
			log.V(1).Info("Logging context", "Context", logContext)
		}
	}
}

func versionString() (string, error) {
	b, err := json.Marshal(version.Version())
	if err != nil {
		return "", err
	}
	return string(b), nil
}
