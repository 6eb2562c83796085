package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/NicolasHaas/dropfour/pkg/datastore"
	"github.com/NicolasHaas/dropfour/pkg/logging"
	"github.com/NicolasHaas/dropfour/pkg/server"
	"github.com/NicolasHaas/dropfour/pkg/version"
)

const envPrefix = "DROPFOUR"

// options collects everything the command line can set.
type options struct {
	server      server.Config
	matchmaking string
	logLevel    string
	logFormat   string
	configFile  string
	exportLimit int
}

func defaultOptions() *options {
	cfg := server.DefaultConfig()
	return &options{
		server:      cfg,
		matchmaking: string(cfg.Matchmaking),
		logLevel:    "info",
		logFormat:   "text",
	}
}

func newRootCmd(opts *options) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "dropfour",
		Short:         "Matchmaking and game server for two-player drop-four.",
		Args:          cobra.NoArgs,
		Version:       version.Full(),
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := applyConfigFile(v, cmd, opts.configFile); err != nil {
				return err
			}
			return logging.Setup(logging.Options{
				Level:  opts.logLevel,
				Format: opts.logFormat,
				Output: os.Stdout,
			})
		},
		RunE: func(_ *cobra.Command, _ []string) error {
			return runServer(opts)
		},
	}

	pfs := cmd.PersistentFlags()
	pfs.StringVar(&opts.configFile, "config", "", "YAML config file (env: DROPFOUR_CONFIG)")
	pfs.StringVar(&opts.server.DBPath, "db", opts.server.DBPath, "SQLite match ledger path, :memory: for none on disk (env: DROPFOUR_DB)")
	pfs.StringVar(&opts.logLevel, "log-level", opts.logLevel, "log level: "+logging.LevelNames()+" (env: DROPFOUR_LOG_LEVEL)")
	pfs.StringVar(&opts.logFormat, "log-format", opts.logFormat, "log format: text or json (env: DROPFOUR_LOG_FORMAT)")

	fs := cmd.Flags()
	fs.StringVarP(&opts.server.ListenAddr, "listen", "l", opts.server.ListenAddr, "game client bind address (env: DROPFOUR_LISTEN)")
	fs.StringVar(&opts.server.HTTPAddr, "http", opts.server.HTTPAddr, "HTTP bind address for /metrics, /matches and /ws, empty to disable (env: DROPFOUR_HTTP)")
	fs.BoolVar(&opts.server.TLS, "tls", false, "serve game clients over TLS (env: DROPFOUR_TLS)")
	fs.StringVar(&opts.server.CertFile, "tls-cert", "", "TLS certificate file, generated if empty (env: DROPFOUR_TLS_CERT)")
	fs.StringVar(&opts.server.KeyFile, "tls-key", "", "TLS private key file, generated if empty (env: DROPFOUR_TLS_KEY)")
	fs.StringVar(&opts.server.DataDir, "data-dir", opts.server.DataDir, "directory for generated certificates (env: DROPFOUR_DATA_DIR)")
	fs.StringVar(&opts.matchmaking, "matchmaking", opts.matchmaking, "pairing mode: auto or challenge (env: DROPFOUR_MATCHMAKING)")
	fs.DurationVar(&opts.server.IdleTimeout, "idle-timeout", 0, "disconnect clients silent this long, 0 to never (env: DROPFOUR_IDLE_TIMEOUT)")
	fs.DurationVar(&opts.server.WriteTimeout, "write-timeout", opts.server.WriteTimeout, "per-message write deadline (env: DROPFOUR_WRITE_TIMEOUT)")
	fs.IntVar(&opts.server.SendQueue, "send-queue", opts.server.SendQueue, "outbound messages buffered per client (env: DROPFOUR_SEND_QUEUE)")
	fs.DurationVar(&opts.server.MetricsLogInterval, "metrics-interval", opts.server.MetricsLogInterval, "periodic metrics log, 0 to disable (env: DROPFOUR_METRICS_INTERVAL)")

	cmd.AddCommand(newExportCmd(opts), newImportCmd(opts))

	for _, set := range []*pflag.FlagSet{pfs, fs} {
		set.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
			return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
		})
		bindEnv(v, set)
	}

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("dropfour {{.Version}}\n")

	return cmd
}

// bindEnv lets DROPFOUR_* variables supply flags that were not given on the
// command line.
func bindEnv(v *viper.Viper, fs *pflag.FlagSet) {
	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})
}

// applyConfigFile fills flags that neither the command line nor the
// environment set from a YAML file.
func applyConfigFile(v *viper.Viper, cmd *cobra.Command, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	var firstErr error
	apply := func(f *pflag.Flag) {
		if f.Changed || !v.InConfig(f.Name) || firstErr != nil {
			return
		}
		if err := f.Value.Set(fmt.Sprintf("%v", v.Get(f.Name))); err != nil {
			firstErr = fmt.Errorf("config %s: %s: %w", path, f.Name, err)
		}
	}
	cmd.Flags().VisitAll(apply)
	return firstErr
}

func (o *options) serverConfig() (server.Config, error) {
	cfg := o.server
	cfg.Matchmaking = server.MatchmakingMode(strings.ToLower(o.matchmaking))
	if err := cfg.Validate(); err != nil {
		return server.Config{}, err
	}
	return cfg, nil
}

func runServer(opts *options) error {
	cfg, err := opts.serverConfig()
	if err != nil {
		return err
	}

	st, err := datastore.NewProviderFactory(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	srv := server.New(cfg, server.Dependencies{Store: st})
	if err := srv.Run(); err != nil {
		slog.Error("server error", "err", err)
		return err
	}
	return nil
}

func newExportCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export-matches",
		Short: "Print the match ledger as YAML and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := datastore.NewProviderFactory(opts.server.DBPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer func() { _ = st.Close() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			data, err := server.ExportMatchesYAML(ctx, st.NonTx(), opts.exportLimit)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().IntVar(&opts.exportLimit, "limit", 0, "newest matches to export, 0 for all")
	return cmd
}

func newImportCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "import-matches FILE",
		Short: "Load a YAML ledger export into the database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := datastore.NewProviderFactory(opts.server.DBPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer func() { _ = st.Close() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			n, err := server.LoadMatchesFromYAML(ctx, args[0], st)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "imported %d matches\n", n)
			return nil
		},
	}
}
