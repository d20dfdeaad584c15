package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fleetwatch/internal/model"
	"fleetwatch/pkg/backend"
	"fleetwatch/pkg/config"
	"fleetwatch/pkg/fleet"
	"fleetwatch/pkg/provider"

	"github.com/spf13/cobra"
	"github.com/tidwall/pretty"
)

type options struct {
	baseURL     string
	token       string
	timeout     time.Duration
	configPath  string
	raw         bool
	rosterLimit int
	detailLimit int
}

type staticToken string

func (t staticToken) Token() string { return string(t) }

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "fleetctl",
		Short:         "GPU fleet command-line client",
		Long:          "Query and provision GPU servers through the backend snapshot API, or follow live status events",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.baseURL, "base-url", os.Getenv("FLEETWATCH_BACKEND_URL"), "Backend API base URL")
	rootCmd.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("FLEETWATCH_BACKEND_TOKEN"), "Bearer token")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 15*time.Second, "Request timeout")
	rootCmd.PersistentFlags().BoolVar(&opts.raw, "raw", false, "Print compact JSON")

	serversCmd := &cobra.Command{
		Use:   "servers",
		Short: "List GPU servers, most recently seen first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return listServers(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	serversCmd.Flags().IntVar(&opts.rosterLimit, "messages", 20, "Messages per server")

	serverCmd := &cobra.Command{
		Use:   "server [server-uuid]",
		Short: "Show one GPU server with its message history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return showServer(cmd.Context(), cmd.OutOrStdout(), opts, args[0])
		},
	}
	serverCmd.Flags().IntVar(&opts.detailLimit, "messages", 100, "Messages to fetch")

	provisionCmd := &cobra.Command{
		Use:   "provision",
		Short: "Request a new GPU server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return provision(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Print live status events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return watch(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	watchCmd.Flags().StringVar(&opts.configPath, "config", "config/config.yaml", "Service configuration with the stream settings")

	rootCmd.AddCommand(serversCmd, serverCmd, provisionCmd, watchCmd)
	return rootCmd
}

func (o *options) client() (*backend.Client, error) {
	if o.baseURL == "" {
		return nil, fmt.Errorf("--base-url is required")
	}
	cfg := config.DefaultBackendConfig()
	cfg.BaseURL = o.baseURL
	cfg.Timeout = o.timeout
	return backend.NewClient(cfg, staticToken(o.token)), nil
}

func (o *options) print(out io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if o.raw {
		data = pretty.Ugly(data)
	} else {
		data = pretty.Pretty(data)
	}
	_, err = out.Write(data)
	return err
}

func listServers(ctx context.Context, out io.Writer, opts *options) error {
	client, err := opts.client()
	if err != nil {
		return err
	}
	roster, err := client.FetchRoster(ctx, opts.rosterLimit)
	if err != nil {
		return fmt.Errorf("%s", backend.UserMessage(err, backend.MsgFetchRosterFailed))
	}

	store := fleet.NewStore(fleet.StoreConfig{HistoryLimit: opts.rosterLimit})
	store.ApplySnapshot(roster.Servers)

	now := time.Now()
	window := config.DefaultFleetConfig().ActivityWindow
	result := map[string]interface{}{
		"data":       fleet.RosterView(store.ListServers(), now, window, opts.rosterLimit),
		"statistics": fleet.Recompute(store, now, window),
	}
	if roster.Statistics != nil {
		result["reported_statistics"] = roster.Statistics
	}
	return opts.print(out, result)
}

func showServer(ctx context.Context, out io.Writer, opts *options, serverID string) error {
	client, err := opts.client()
	if err != nil {
		return err
	}
	rec, err := client.FetchServer(ctx, serverID, opts.detailLimit)
	if err != nil {
		return fmt.Errorf("%s", backend.UserMessage(err, backend.MsgFetchServerFailed))
	}
	return opts.print(out, fleet.DetailView(*rec, time.Now(), config.DefaultFleetConfig().ActivityWindow))
}

func provision(ctx context.Context, out io.Writer, opts *options) error {
	client, err := opts.client()
	if err != nil {
		return err
	}
	result, err := client.Provision(ctx)
	if err != nil {
		return fmt.Errorf("%s", backend.UserMessage(err, backend.MsgProvisionFailed))
	}
	return opts.print(out, result)
}

func watch(ctx context.Context, out io.Writer, opts *options) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if opts.baseURL != "" {
		cfg.Backend.BaseURL = opts.baseURL
	}
	if opts.token != "" {
		cfg.Backend.Token = opts.token
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	factory := provider.NewProviderFactory(cfg, provider.Dependencies{Tokens: staticToken(cfg.Backend.Token)})
	source, err := factory.CreateEventSource(ctx)
	if err != nil {
		return err
	}
	defer source.Close()

	events := make(chan model.StatusEvent, 64)
	err = source.Subscribe(ctx, cfg.Stream.Topic, func(evt model.StatusEvent) {
		select {
		case events <- evt:
		default:
		}
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Watching %s (%s)\n", cfg.Stream.Topic, cfg.Stream.Driver)

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt := <-events:
			fmt.Fprintln(out, formatEvent(evt))
		}
	}
}

func formatEvent(evt model.StatusEvent) string {
	line := fmt.Sprintf("%s  %-8s %-36s %s", evt.Timestamp.Local().Format(time.DateTime), fleet.EventTone(evt.Kind), evt.ServerID, evt.Kind)
	if evt.TaskID != "" {
		line += "  task=" + evt.TaskID
	}
	if evt.TimestampSubstituted {
		line += "  (receipt time)"
	}
	return line
}
