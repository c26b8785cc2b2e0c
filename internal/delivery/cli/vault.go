package cli

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ransomguard/config"
	"ransomguard/internal/vault"
)

func openVault() (*vault.Vault, *config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	v, err := vault.New(cfg.Backup.VaultPath, cfg.Backup.MinFreeMB, zap.NewNop())
	if err != nil {
		return nil, nil, err
	}
	return v, cfg, nil
}

// parseSince accepts either a duration ("24h", "90m") measured back
// from now or an RFC 3339 timestamp.
func parseSince(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(value); err == nil {
		return time.Now().UTC().Add(-d), nil
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts, nil
	}
	return time.Time{}, fmt.Errorf("%w: cannot parse %q as duration or RFC3339 timestamp", ErrConfig, value)
}

func newVaultCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Inspect and operate the backup vault",
	}
	cmd.AddCommand(newVaultListCmd())
	cmd.AddCommand(newVaultRestoreCmd())
	cmd.AddCommand(newVaultPurgeCmd())
	return cmd
}

func newVaultListCmd() *cobra.Command {
	var pathFilter, processFilter, sinceFilter string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored backup entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, _, err := openVault()
			if err != nil {
				return err
			}
			since, err := parseSince(sinceFilter)
			if err != nil {
				return err
			}

			entries, err := v.List(vault.Filter{Path: pathFilter, Process: processFilter, Since: since})
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTIMESTAMP\tREASON\tPROCESS\tSIZE\tPATH")
			for _, e := range entries {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\n",
					e.ID, e.Timestamp.Format(time.RFC3339), e.Reason, e.ProcessName, e.Size, e.OriginalPath)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&pathFilter, "path", "", "filter by original path")
	cmd.Flags().StringVar(&processFilter, "process", "", "filter by process name")
	cmd.Flags().StringVar(&sinceFilter, "since", "", "duration (24h) or RFC3339 timestamp")
	return cmd
}

func newVaultRestoreCmd() *cobra.Command {
	var processName, allSince string

	cmd := &cobra.Command{
		Use:   "restore [entry_id]",
		Short: "Restore files from the vault",
		Long:  "Restore a single entry by id, the newest version of every file\ntouched by a process (--process), or everything captured since a\npoint in time (--all-since).",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, _, err := openVault()
			if err != nil {
				return err
			}

			var results []vault.RestoreResult
			switch {
			case len(args) == 1:
				id, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("%w: invalid entry id %q", ErrConfig, args[0])
				}
				result, err := v.Restore(id)
				if err != nil {
					return err
				}
				results = []vault.RestoreResult{result}

			case processName != "":
				results, err = v.RestoreByProcess(processName)
				if err != nil {
					return err
				}

			case allSince != "":
				since, err := parseSince(allSince)
				if err != nil {
					return err
				}
				results, err = v.RestoreAllSince(since)
				if err != nil {
					return err
				}

			default:
				return fmt.Errorf("%w: provide an entry id, --process or --all-since", ErrConfig)
			}

			restored, failed := 0, 0
			for _, r := range results {
				status := "restored"
				if !r.Success {
					status = "FAILED: " + r.Error
					failed++
				} else {
					restored++
					if !r.IntegrityOK {
						status = "restored (INTEGRITY MISMATCH)"
					}
				}
				fmt.Printf("  [%d] %s -> %s\n", r.EntryID, r.OriginalPath, status)
			}
			fmt.Printf("[+] %d restored, %d failed\n", restored, failed)
			return nil
		},
	}

	cmd.Flags().StringVar(&processName, "process", "", "restore newest version per file touched by process")
	cmd.Flags().StringVar(&allSince, "all-since", "", "restore everything captured since duration/timestamp")
	return cmd
}

func newVaultPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete entries older than the configured retention",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, cfg, err := openVault()
			if err != nil {
				return err
			}
			removed, err := v.PurgeOlderThan(cfg.Retention())
			if err != nil {
				return err
			}
			fmt.Printf("[+] purged %d entries older than %dh\n", removed, cfg.Backup.RetentionHours)
			return nil
		},
	}
}
