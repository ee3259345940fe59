package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/maxbeyer1/reddit-monitor/internal/app"
	"github.com/maxbeyer1/reddit-monitor/internal/config"
	"github.com/maxbeyer1/reddit-monitor/internal/infrastructure/storage"
	"github.com/maxbeyer1/reddit-monitor/internal/logging"
)

// Version is set at build time via -ldflags.
var Version = "dev"

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "reddit-monitor",
		Short: "Watch a Reddit author and escalate unacknowledged alerts by phone",
		Long: `reddit-monitor polls the configured channels for new posts by one author,
pushes a notification with an acknowledgment link for each new post, and
places a Twilio call when the link is not opened within the follow-up delay.

Running without a subcommand is the same as "reddit-monitor run".`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMonitor(cmd.Context(), opts)
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "",
		"YAML config file (default: $REDDIT_MONITOR_CONFIG)")
	root.Version = Version

	root.AddCommand(
		newRunCmd(opts),
		newSeenCmd(opts),
		newPendingCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start polling and serve the acknowledgment endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMonitor(cmd.Context(), opts)
		},
	}
}

func runMonitor(parent context.Context, opts *rootOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}

	if err := application.Run(ctx); err != nil {
		logger.Error("application stopped", "error", err)
		return err
	}
	return nil
}

func newSeenCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "seen",
		Short: "List the most recently detected posts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			repo, err := openStore(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer repo.Close()

			records, err := repo.ListSeen(cmd.Context(), limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tAUTHOR\tCHANNEL\tFIRST SEEN\tTITLE")
			for _, rec := range records {
				fmt.Fprintf(w, "%s\tu/%s\tr/%s\t%s\t%s\n",
					rec.ItemID, rec.Author, rec.Channel, humanize.Time(rec.FirstSeenAt), rec.Title)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of records to show")
	return cmd
}

func newPendingCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List escalations still waiting for acknowledgment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			repo, err := openStore(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer repo.Close()

			pending, err := repo.PendingEscalations(cmd.Context())
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no pending escalations")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TOKEN\tITEM\tCHANNEL\tDEADLINE")
			for _, esc := range pending {
				fmt.Fprintf(w, "%s\t%s\tr/%s\t%s\n",
					esc.Token, esc.Item.ID, esc.Item.Channel, humanize.RelTime(esc.Deadline, time.Now(), "overdue", "from now"))
			}
			return w.Flush()
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	}
}

func openStore(ctx context.Context, opts *rootOptions) (*storage.SQLiteRepository, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	return storage.Open(ctx, cfg.Storage.Path)
}
