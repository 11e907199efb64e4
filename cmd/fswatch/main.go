package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/thejerf/suture/v4"

	"github.com/orenleto/WS.Experiments/internal/journal"
	"github.com/orenleto/WS.Experiments/internal/server"
	"github.com/orenleto/WS.Experiments/internal/watcher"
)

var (
	version = "0.1.0"
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fswatch",
		Short: "fswatch — directory change notifications over WebSocket",
		Long: `fswatch runs a daemon that watches directories on behalf of connected
clients and streams deduplicated change events to them over WebSocket.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.fswatch/config.toml)")
	rootCmd.PersistentFlags().String("server", "ws://127.0.0.1:5000/ws", "daemon WebSocket URL")
	rootCmd.PersistentFlags().String("token", "", "authentication token")
	rootCmd.PersistentFlags().String("log-file", "", "write logs to a rotating file instead of stderr")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(journalCmd())
	rootCmd.AddCommand(statusCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the notification daemon",
		Long:  "Accepts WebSocket clients and watches the directories they subscribe to until interrupted.",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().String("listen", "127.0.0.1:5000", "address to listen on")
	cmd.Flags().Duration("dedup-window", 500*time.Millisecond, "window for coalescing duplicate events")
	cmd.Flags().StringSlice("allowed-origins", nil, "origins allowed to connect (default: same host)")
	cmd.Flags().Bool("metrics", true, "expose Prometheus metrics on /metrics")
	cmd.Flags().Duration("write-timeout", 10*time.Second, "deadline for a single WebSocket write")
	cmd.Flags().Duration("ping-interval", 120*time.Second, "keep-alive ping interval")
	return cmd
}

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <directory>...",
		Short: "Subscribe to directories and print their changes",
		Long:  "Subscribes to every directory through the daemon and prints events until interrupted or the limit is reached.",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runWatch,
	}
	cmd.Flags().IntP("limit", "n", 0, "stop after this many events (0 = unlimited)")
	cmd.Flags().Bool("journal", false, "record events in the local journal")
	cmd.Flags().String("journal-db", "", "journal database (default: ~/.fswatch/journal.db)")
	cmd.Flags().Bool("json", false, "print JSON lines even on a terminal")
	cmd.Flags().Bool("reconnect", true, "re-subscribe when the connection drops")
	return cmd
}

func journalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal [directory]",
		Short: "Show events recorded by watch --journal",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runJournal,
	}
	cmd.Flags().IntP("limit", "n", 20, "number of events to show")
	cmd.Flags().String("journal-db", "", "journal database (default: ~/.fswatch/journal.db)")
	cmd.Flags().Duration("purge", 0, "delete events older than this duration")
	cmd.Flags().Bool("compact", false, "keep only the latest event per path and kind")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon sessions, watchers and subscriptions",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
}

// ── Command Implementations ──────────────────────────────────────────

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	out, err := logOutput(cfg)
	if err != nil {
		return err
	}
	defer out.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := newRegistry(ctx, cfg, out)
	defer reg.Close()
	srv := newServer(reg, cfg, out)

	supervisorLog := newLogger(out, "supervisor")
	sup := suture.New("fswatch", suture.Spec{
		EventHook: func(e suture.Event) {
			supervisorLog.Print(e.String())
		},
	})
	sup.Add(srv)

	fmt.Printf("✓ Listening on %s (dedup window: %v)\n", cfg.Listen, cfg.DedupWindow)
	if err := sup.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("serve: %w", err)
	}
	fmt.Println("✓ Stopped")
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	limit, _ := cmd.Flags().GetInt("limit")
	record, _ := cmd.Flags().GetBool("journal")
	forceJSON, _ := cmd.Flags().GetBool("json")
	reconnect, _ := cmd.Flags().GetBool("reconnect")

	out, err := logOutput(cfg)
	if err != nil {
		return err
	}
	defer out.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var recorder journalRecorder
	if record {
		s, err := openStore(cfg.Journal)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer s.Close()
		recorder = newRecorder(s, out)
	}

	c, err := newClient(cfg, reconnect, out)
	if err != nil {
		return err
	}
	defer c.Close()

	printer := newPrinter(os.Stdout, forceJSON)
	return watchDirs(ctx, c, args, limit, printer, recorder)
}

func runJournal(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	limit, _ := cmd.Flags().GetInt("limit")
	purge, _ := cmd.Flags().GetDuration("purge")
	compact, _ := cmd.Flags().GetBool("compact")

	s, err := openStore(cfg.Journal)
	if err != nil {
		return fmt.Errorf("open journal (have you run 'fswatch watch --journal'?): %w", err)
	}
	defer s.Close()

	if purge > 0 {
		n, err := s.PurgeOld(purge)
		if err != nil {
			return fmt.Errorf("purge: %w", err)
		}
		fmt.Printf("✓ Purged %s events older than %v\n", humanize.Comma(n), purge)
	}
	if compact {
		n, err := s.Compact()
		if err != nil {
			return fmt.Errorf("compact: %w", err)
		}
		fmt.Printf("✓ Compacted %s events\n", humanize.Comma(n))
	}

	dir := ""
	if len(args) > 0 {
		if dir, err = filepath.Abs(args[0]); err != nil {
			return err
		}
	}
	records, err := s.Recent(dir, limit)
	if err != nil {
		return fmt.Errorf("read journal: %w", err)
	}
	total, err := s.Count()
	if err != nil {
		return fmt.Errorf("count journal: %w", err)
	}

	fmt.Printf("Journal (%s events)\n", humanize.Comma(int64(total)))
	if at, ok, err := journal.LastEvent(s); err != nil {
		return fmt.Errorf("read journal: %w", err)
	} else if ok {
		fmt.Printf("  Last event: %s\n", humanize.Time(at))
	}
	for _, rec := range records {
		line := fmt.Sprintf("  %-12s %-8s %s", humanize.Time(rec.ReceivedAt), watcher.ChangeKind(rec.Kind), rec.Path)
		if rec.OldPath != "" {
			line += " ← " + rec.OldPath
		}
		if rec.Hash != nil {
			line += fmt.Sprintf(" (blake3:%x, %s)", rec.Hash[:8], humanize.Bytes(uint64(rec.Size)))
		}
		fmt.Println(line)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	url, err := healthURL(cfg.Server)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("query %s (is 'fswatch serve' running?): %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("query %s: %s", url, resp.Status)
	}

	var health server.Health
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("decode health: %w", err)
	}

	fmt.Printf("fswatch Status\n")
	fmt.Printf("  Daemon:        %s (%s)\n", cfg.Server, health.Status)
	fmt.Printf("  Sessions:      %s\n", humanize.Comma(int64(health.Sessions)))
	fmt.Printf("  Watchers:      %s\n", humanize.Comma(int64(health.Watchers)))
	fmt.Printf("  Subscriptions: %s\n", humanize.Comma(int64(health.Subscriptions)))
	return nil
}
