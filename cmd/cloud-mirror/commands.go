package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/alexjbarnes/cloud-mirror/internal/metadata"
	"github.com/alexjbarnes/cloud-mirror/internal/snapshot"
	"github.com/alexjbarnes/cloud-mirror/internal/state"
	"github.com/alexjbarnes/cloud-mirror/internal/transfer"
	"github.com/alexjbarnes/cloud-mirror/internal/upload"
)

const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"

	drainPoll = 200 * time.Millisecond
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show totals by sync status, the last backup and the last run.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, store, err := loadLocal()
			if err != nil {
				return err
			}

			var lastRun *state.RunStats

			if st, err := state.LoadAt(cfg.SessionDBPath()); err == nil {
				lastRun, _ = st.LastRun()
				st.Close()
			}

			writeStatus(cmd.OutOrStdout(), store, lastRun)

			return nil
		},
	}
}

func writeStatus(w io.Writer, store *metadata.Store, lastRun *state.RunStats) {
	counts := store.Counts()

	fmt.Fprintf(w, "Total:    %d\n", store.Len())
	fmt.Fprintf(w, "Uploaded: %d\n", counts[metadata.StatusUploaded])
	fmt.Fprintf(w, "Pending:  %d\n", counts[metadata.StatusPending])
	fmt.Fprintf(w, "Failed:   %d\n", counts[metadata.StatusFailed])

	if last, ok := store.LastBackup(); ok {
		fmt.Fprintf(w, "Last backup: %s (%s)\n", last.Local().Format(time.DateTime), humanize.Time(last))
	} else {
		fmt.Fprintln(w, "Last backup: never")
	}

	if lastRun != nil {
		fmt.Fprintf(w, "Last run: %s, %d uploaded, %d failed, %d skipped, %s sent\n",
			humanize.Time(lastRun.FinishedAt),
			lastRun.Uploaded, lastRun.Failed, lastRun.Skipped,
			humanize.IBytes(uint64(max(lastRun.Bytes, 0))),
		)
	}
}

func newListCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List every tracked file and its sync state.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, _, store, err := loadLocal()
			if err != nil {
				return err
			}

			return writeEntries(cmd.OutOrStdout(), store.Entries(), output)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", outputTable, "output format: table, json or yaml")

	return cmd
}

func writeEntries(w io.Writer, entries []metadata.Entry, format string) error {
	switch format {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		return enc.Encode(entries)

	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)

		if err := enc.Encode(entries); err != nil {
			return err
		}

		return enc.Close()

	case outputTable:
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "PATH\tSIZE\tSTATUS\tVIA\tUPLOADED")

		for _, e := range entries {
			uploaded := "-"
			if e.Record.UploadedAt != nil {
				uploaded = e.Record.UploadedAt.Local().Format(time.DateTime)
			}

			via := string(e.Record.Transport)
			if via == "" {
				via = "-"
			}

			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				e.Path,
				humanize.IBytes(uint64(max(e.Record.Size, 0))),
				e.Record.Status,
				via,
				uploaded,
			)
		}

		return tw.Flush()

	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func newDownloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "download <relpath> [dest]",
		Short: "Fetch the remote copy of a tracked file.",
		Long: "Fetch the remote copy of a tracked file. dest defaults to the\n" +
			"same relative path under DOWNLOAD_DIR. Encrypted files are\n" +
			"written as stored.",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			dest := ""
			if len(args) == 2 {
				dest = args[1]
			}

			return runDownload(ctx, cmd.OutOrStdout(), args[0], dest)
		},
	}
}

func runDownload(ctx context.Context, out io.Writer, rel, dest string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	rel = filepath.ToSlash(filepath.Clean(rel))

	rec, ok := a.store.Get(rel)
	if !ok {
		return fmt.Errorf("%s is not tracked", rel)
	}

	if dest == "" {
		dest = filepath.Join(a.cfg.DownloadDir, filepath.FromSlash(rel))
	}

	// The session also serves as fallback for primary references, so
	// it is started whenever it is configured.
	if a.secondary != nil {
		a.startSecondary(ctx)

		if !a.waitSecondary(ctx) {
			a.logger.Warn("secondary endpoint did not become ready")
		}
	}

	sink := upload.NewLogSink(a.logger)
	sink.Started(rel, rec.Size)

	err = a.router.Receive(ctx, rec, dest, func(p transfer.Progress) {
		sink.Progress(rel, p.Percent(), p.Speed, p.ETA)
	})
	if err != nil {
		return fmt.Errorf("downloading %s: %w", rel, err)
	}

	fmt.Fprintf(out, "%s -> %s\n", rel, dest)

	if rec.Encrypted {
		fmt.Fprintln(out, "note: the remote copy is encrypted; the file was saved as stored")
	}

	return nil
}

func newBackupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Create a snapshot archive of the sync directory and upload it.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runBackup(ctx, cmd.OutOrStdout())
		},
	}
}

func runBackup(ctx context.Context, out io.Writer) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	a.startSecondary(ctx)
	a.waitSecondary(ctx)

	engine := a.newEngine()
	engine.Start(ctx, 1)

	defer func() {
		engine.Stop()

		waitCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		_ = engine.Wait(waitCtx)
	}()

	path, err := snapshot.NewScheduler(a.cfg.SyncDir, 0, 0, engine, a.store, a.logger).RunOnce()
	if err != nil {
		return fmt.Errorf("creating snapshot: %w", err)
	}

	fmt.Fprintf(out, "created %s\n", path)

	stats, err := drain(ctx, engine)
	if err != nil {
		return err
	}

	if stats.Uploaded == 0 {
		rel, _ := filepath.Rel(a.cfg.SyncDir, path)
		rec, _ := a.store.Get(filepath.ToSlash(rel))

		return fmt.Errorf("snapshot not uploaded: %s", rec.LastError)
	}

	fmt.Fprintln(out, "uploaded")

	return nil
}

// drain waits until the engine has handled one item and its queue is
// empty.
func drain(ctx context.Context, engine *upload.Engine) (upload.Stats, error) {
	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()

	for {
		stats := engine.Stats()
		if stats.Uploaded+stats.Failed+stats.Skipped > 0 && engine.Pending() == 0 {
			return stats, nil
		}

		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case <-ticker.C:
		}
	}
}
