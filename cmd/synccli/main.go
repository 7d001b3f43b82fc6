// Package main provides synccli, a command-line sync client that keeps a
// local op log and state in a data directory.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/devrev/opsync/internal/config"
	syncerrors "github.com/devrev/opsync/internal/errors"
	"github.com/devrev/opsync/internal/syncer"
	"github.com/spf13/cobra"
)

var Version = "dev"

type rootOptions struct {
	dataDir string
	verbose bool
}

func main() {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "synccli",
		Short:         "Op-log sync client",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.dataDir, "data-dir", "d", defaultDataDir(), "client data directory")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(initCmd(opts))
	rootCmd.AddCommand(addCmd(opts))
	rootCmd.AddCommand(updateCmd(opts))
	rootCmd.AddCommand(deleteCmd(opts))
	rootCmd.AddCommand(archiveCmd(opts))
	rootCmd.AddCommand(restoreCmd(opts))
	rootCmd.AddCommand(configCmd(opts))
	rootCmd.AddCommand(showCmd(opts))
	rootCmd.AddCommand(syncCmd(opts))
	rootCmd.AddCommand(statusCmd(opts))
	rootCmd.AddCommand(compactCmd(opts))
	rootCmd.AddCommand(replaceTokenCmd(opts))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// withApp opens the data directory for the duration of fn
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, opts.dataDir, opts.verbose)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}

func initCmd(opts *rootOptions) *cobra.Command {
	var server, token string
	var encrypt bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create or update the client configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := filepath.Join(opts.dataDir, config.ClientConfigFile)

			cfg, err := config.LoadClient(path)
			if err != nil {
				cfg = &config.ClientConfig{DataDir: opts.dataDir}
				config.SetClientDefaults(cfg)
			}
			if server != "" {
				cfg.Server.URL = server
			}
			if token != "" {
				cfg.Server.Token = token
			}
			if cmd.Flags().Changed("encrypt") {
				cfg.Encryption.Enabled = encrypt
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := config.SaveClient(path, cfg); err != nil {
				return err
			}

			clientID, err := syncer.LoadOrCreateClientID(cfg.DataDir)
			if err != nil {
				return err
			}
			fmt.Printf("Initialized %s\n  client id: %s\n  server:    %s\n  encrypted: %t\n",
				cfg.DataDir, clientID, valueOr(cfg.Server.URL, "(none)"), cfg.Encryption.Enabled)
			return nil
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "sync server URL")
	cmd.Flags().StringVar(&token, "token", "", "bearer token issued by the server")
	cmd.Flags().BoolVar(&encrypt, "encrypt", false, "encrypt payloads end to end (password from "+passwordEnv+" or prompt)")
	return cmd
}

func syncCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Upload local changes and apply remote ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if err := a.requireServer(); err != nil {
					return err
				}

				report, err := a.syncer.Sync(ctx)
				if err != nil && syncerrors.GetCode(err) == syncerrors.ErrorCodeDecryptFailed {
					fmt.Fprintln(os.Stderr, "Remote changes could not be decrypted with this password.")
					cipher, cerr := newCipher(true)
					if cerr != nil {
						return cerr
					}
					a.syncer.SetCipher(cipher)
					report, err = a.syncer.Sync(ctx)
				}
				if report != nil {
					printReport(report)
				}
				if err != nil {
					return err
				}
				if report.FailedOp != nil {
					fmt.Fprintf(os.Stderr, "warning: %v; %d op(s) will be retried on the next sync\n",
						report.FailedOp.Err, len(report.FailedOp.Remaining))
				}
				return nil
			})
		},
	}
}

func printReport(r *syncer.Report) {
	fmt.Printf("uploaded %d (%d duplicate), downloaded %d, applied %d, rejected %d",
		r.Uploaded, r.Duplicates, r.Downloaded, r.Applied, r.Rejected)
	if r.Replayed > 0 {
		fmt.Printf(", retried %d", r.Replayed)
	}
	if r.LWWEmitted > 0 {
		fmt.Printf(", %d conflict(s) kept local", r.LWWEmitted)
	}
	if r.Compacted {
		fmt.Print(", compacted")
	}
	fmt.Printf(" [cursor %d, %s]\n", r.Cursor, r.Duration.Round(time.Millisecond))
}

func statusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show local and server sync status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				st, err := a.syncer.Status(ctx)
				if st == nil {
					return err
				}

				l := st.Local
				fmt.Println("Local")
				fmt.Printf("  client id:      %s\n", l.ClientID)
				fmt.Printf("  log entries:    %d (last seq %d, applied through %d)\n", l.LogEntries, l.LastLocalSeq, l.Watermark)
				fmt.Printf("  unsynced:       %d\n", l.Unsynced)
				fmt.Printf("  pending remote: %d\n", l.PendingRemote)
				fmt.Printf("  server cursor:  %d\n", l.Cursor)
				fmt.Printf("  vector clock:   %s\n", formatClock(l.VectorClock))
				for _, line := range formatCounts(l.Entities) {
					fmt.Printf("  %s\n", line)
				}
				if n, cerr := a.archive.Count(ctx); cerr == nil {
					fmt.Printf("  archived:       %d\n", n)
				}

				fmt.Println("Server")
				if st.Remote == nil {
					fmt.Printf("  unreachable: %v\n", err)
					return nil
				}
				fmt.Printf("  latest seq:     %d\n", st.Remote.LatestSeq)
				fmt.Printf("  ops:            %d\n", st.Remote.OpCount)
				fmt.Printf("  clients:        %s\n", strings.Join(st.Remote.ClientIDs, ", "))
				return nil
			})
		},
	}
}

func compactCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Snapshot state and truncate the op log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				removed, err := a.compactor.Compact(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("removed %d entries, %d remain\n", removed, a.log.Len())
				return nil
			})
		},
	}
}

func replaceTokenCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "replace-token",
		Short: "Rotate the bearer token; every other device must be re-initialized",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if err := a.requireServer(); err != nil {
					return err
				}
				resp, err := a.transport.ReplaceToken(ctx)
				if err != nil {
					return err
				}
				a.cfg.Server.Token = resp.Token
				if err := config.SaveClient(a.cfgPath, a.cfg); err != nil {
					return fmt.Errorf("token replaced but not saved, new token is %s: %w", resp.Token, err)
				}
				fmt.Printf("token replaced, expires %s\n", resp.ExpiresAt.Format(time.RFC3339))
				return nil
			})
		},
	}
}

func formatClock(vc map[string]int64) string {
	keys := make([]string, 0, len(vc))
	for k := range vc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, vc[k]))
	}
	return "{" + strings.Join(parts, " ") + "}"
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
