package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/httpserver"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildVersion = ""
	buildCommit  = ""
	buildTime    = ""
)

// exitError carries the process exit status for a failed command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func usageError(err error) error { return &exitError{code: 2, err: err} }

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "aero-signaling-relay",
		Short:         "Relay for end-to-end encrypted WebRTC signaling",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.AddCommand(serveCmd(), generateCmd(), versionCmd(), probeCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version and supported subprotocols",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			bi := resolveBuildInfo(buildVersion, buildCommit, buildTime)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "aero-signaling-relay %s\n", bi.Version)
			if bi.Commit != "" {
				fmt.Fprintf(out, "commit: %s\n", bi.Commit)
			}
			if bi.BuildTime != "" {
				fmt.Fprintf(out, "built: %s\n", bi.BuildTime)
			}
			fmt.Fprintf(out, "subprotocols: %s\n", config.DefaultSubprotocol)
			return nil
		},
	}
}

func resolveBuildInfo(version, commit, buildTime string) httpserver.BuildInfo {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		if version == "" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			version = bi.Main.Version
		}
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}
	if version == "" {
		version = "dev"
	}
	return httpserver.BuildInfo{Version: version, Commit: commit, BuildTime: buildTime}
}
