// Package app is the nexus command line: the engine itself plus the
// operator tooling around its database and vault.
package app

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	agenterr "nexus-core/internal/errors"
	"nexus-core/pkg/config"
)

// Version is stamped at build time with -ldflags "-X nexus-core/internal/app.Version=...".
var Version = "v0.1.0-dev"

type Runner struct {
	stdout io.Writer
	stderr io.Writer
	load   func() (*config.Config, error)
}

func NewRunner() *Runner {
	return NewRunnerWithWriters(os.Stdout, os.Stderr)
}

func NewRunnerWithWriters(stdout, stderr io.Writer) *Runner {
	return &Runner{stdout: stdout, stderr: stderr, load: config.Load}
}

type runtimeState struct {
	runner *Runner
	cfg    *config.Config
}

// Run executes args and returns the process exit code.
func (r *Runner) Run(args []string) int {
	state := &runtimeState{runner: r}
	root := state.newRootCommand()
	root.SetArgs(args)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := root.Execute()
	if err == nil {
		return 0
	}
	fmt.Fprintf(r.stderr, "❌ %v\n", err)
	return agenterr.ExitCode(err)
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "nexus",
		Short:   "Custodial trade execution engine with a self-protecting circuit breaker",
		Version: Version,
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return agenterr.Wrap(agenterr.CodeValidation, "parse flags", err)
	})

	cmd.AddCommand(s.newRunCommand())
	cmd.AddCommand(s.newPreflightCommand())
	cmd.AddCommand(s.newKeygenCommand())
	cmd.AddCommand(s.newJobsCommand())
	cmd.AddCommand(s.newVaultCommand())
	cmd.AddCommand(s.newTokenCommand())
	return cmd
}

// config loads and validates configuration once per invocation.
func (s *runtimeState) config() (*config.Config, error) {
	if s.cfg != nil {
		return s.cfg, nil
	}
	cfg, err := s.runner.load()
	if err != nil {
		if errors.Is(err, config.ErrVaultKeyMissing) || errors.Is(err, config.ErrVaultKeyLength) {
			return nil, agenterr.Wrap(agenterr.CodeConfig, "vault key", err)
		}
		return nil, agenterr.Wrap(agenterr.CodeConfig, "load configuration", err)
	}
	s.cfg = cfg
	return cfg, nil
}
