package app

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"nexus-core/internal/accounts"
	"nexus-core/internal/api"
	agenterr "nexus-core/internal/errors"
	"nexus-core/internal/jobs"
	"nexus-core/pkg/crypto"
)

func (s *runtimeState) newKeygenCommand() *cobra.Command {
	var operator bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a vault key (and optionally an operator token)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			key, err := crypto.GenerateKey()
			if err != nil {
				return agenterr.Wrap(agenterr.CodeInternal, "generate vault key", err)
			}
			fmt.Fprintf(out, "VAULT_KEY=%s\n", key)
			if !operator {
				return nil
			}
			raw := make([]byte, 32)
			if _, err := rand.Read(raw); err != nil {
				return agenterr.Wrap(agenterr.CodeInternal, "generate operator token", err)
			}
			token := base64.RawURLEncoding.EncodeToString(raw)
			crypto.Wipe(raw)
			hash, err := api.HashOperatorToken(token)
			if err != nil {
				return agenterr.Wrap(agenterr.CodeInternal, "hash operator token", err)
			}
			fmt.Fprintf(out, "OPERATOR_TOKEN_HASH=%s\n", hash)
			fmt.Fprintf(out, "# operator bearer token, shown once: %s\n", token)
			return nil
		},
	}
	cmd.Flags().BoolVar(&operator, "operator", false, "Also generate an operator API token and its bcrypt hash")
	return cmd
}

func (s *runtimeState) newJobsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and repair the durable job queue",
	}

	var limit int
	dead := &cobra.Command{
		Use:   "dead",
		Short: "List dead-lettered jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.withQueue(func(q *jobs.Queue) error {
				list, err := q.DeadLetters(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if list == nil {
					list = []*jobs.Job{}
				}
				return writeJSON(cmd.OutOrStdout(), list)
			})
		},
	}
	dead.Flags().IntVar(&limit, "limit", 50, "Maximum jobs to list")

	requeue := &cobra.Command{
		Use:   "requeue <job-id>",
		Short: "Move a dead-lettered job back to pending with a fresh attempt budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.withQueue(func(q *jobs.Queue) error {
				job, err := q.Get(cmd.Context(), args[0])
				if err != nil {
					return agenterr.Wrap(agenterr.CodeValidation, "job "+args[0], err)
				}
				if job.Status != jobs.StatusDead {
					return agenterr.Newf(agenterr.CodeValidation, "job %s is %s, only dead jobs can be requeued", job.ID, job.Status)
				}
				if err := q.Requeue(cmd.Context(), job.ID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✅ job %s requeued\n", job.ID)
				return nil
			})
		},
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Count jobs by type and status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.withQueue(func(q *jobs.Queue) error {
				counts, err := q.Stats(cmd.Context())
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), counts)
			})
		},
	}

	cmd.AddCommand(dead, requeue, stats)
	return cmd
}

func (s *runtimeState) withQueue(fn func(q *jobs.Queue) error) error {
	cfg, err := s.config()
	if err != nil {
		return err
	}
	database, err := openStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()
	return fn(jobs.NewQueue(database, cfg.Queue, nil))
}

func (s *runtimeState) newVaultCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Maintain encrypted signing keys",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "rotate",
		Short: "Re-encrypt every secret under VAULT_KEY_VERSION",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := s.config()
			if err != nil {
				return err
			}
			database, err := openStore(cfg.DBPath)
			if err != nil {
				return err
			}
			defer database.Close()
			v, err := openVault(cfg, database)
			if err != nil {
				return err
			}
			n, err := v.RotateAll(cmd.Context())
			if err != nil {
				return fmt.Errorf("rotated %d before failing: %w", n, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ rotated %d secret(s) to key version %d\n", n, cfg.Vault.Version)
			return nil
		},
	})
	return cmd
}

func (s *runtimeState) newTokenCommand() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <handle>",
		Short: "Mint a user API token for a handle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := s.config()
			if err != nil {
				return err
			}
			handle, err := accounts.NormalizeHandle(args[0])
			if err != nil {
				return err
			}
			if ttl <= 0 {
				return agenterr.New(agenterr.CodeValidation, "ttl must be positive")
			}
			token, err := api.GenerateToken(handle, cfg.JWTSecret, time.Now().Add(ttl))
			if err != nil {
				return agenterr.Wrap(agenterr.CodeInternal, "sign token", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 72*time.Hour, "Token lifetime")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
