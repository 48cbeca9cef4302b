package app

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	agenterr "nexus-core/internal/errors"
	"nexus-core/pkg/config"
	"nexus-core/pkg/solana"
)

func (s *runtimeState) newPreflightCommand() *cobra.Command {
	var online bool
	cmd := &cobra.Command{
		Use:   "preflight",
		Short: "Check configuration before running the engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cfg, err := s.config()
			if err != nil {
				fmt.Fprintf(out, "❌ configuration: %v\n", err)
				return err
			}
			checks, _ := cfg.Preflight()
			if online {
				checks = append(checks, rpcCheck(cmd.Context(), cfg.Chain))
			}
			if failed := report(out, checks); failed > 0 {
				return agenterr.Newf(agenterr.CodeConfig, "preflight failed with %d error(s)", failed)
			}
			fmt.Fprintln(out, "\n🚀 All good! Ready to run.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&online, "online", false, "Also probe the chain RPC endpoint")
	return cmd
}

func rpcCheck(ctx context.Context, chain config.Chain) config.Check {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	c := config.Check{Name: "RPC reachable", Required: true}
	if _, err := solana.NewClient(chain).LatestBlockhash(ctx); err != nil {
		c.Detail = err.Error()
		return c
	}
	c.OK = true
	return c
}

// report prints one line per check and returns how many required ones failed.
func report(w io.Writer, checks []config.Check) int {
	failed := 0
	for _, c := range checks {
		switch {
		case c.OK:
			fmt.Fprintf(w, "✅ %s\n", c.Name)
		case c.Required:
			failed++
			fmt.Fprintf(w, "❌ %s %s\n", c.Name, c.Detail)
		default:
			fmt.Fprintf(w, "⚠️  %s %s\n", c.Name, c.Detail)
		}
	}
	return failed
}
