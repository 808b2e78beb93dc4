package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"swarmfeed/internal/bootstrap"
	"swarmfeed/internal/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "swarmfeed-bootstrap",
		Short:        "Peer registry for swarmfeed nodes",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()
			v := viper.New()
			bootstrap.SetDefaults(v)
			v.SetEnvPrefix("SWARMFEED_BOOTSTRAP")
			v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
			v.AutomaticEnv()
			for name, key := range map[string]string{"addr": "addr", "peer-ttl": "peer_ttl", "redis-url": "redis_url", "log-level": "log.level"} {
				if err := v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
					return err
				}
			}
			cfg := bootstrap.LoadConfig(v)

			log, err := logger.New(logger.Options{Level: cfg.LogLevel})
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			app, err := bootstrap.NewApp(cfg, log)
			if err != nil {
				return err
			}
			if err := app.Start(); err != nil {
				return fmt.Errorf("bootstrap start: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			bootstrap.WaitForShutdown(ctx, app)
			return nil
		},
	}
	f := cmd.Flags()
	f.String("addr", ":8000", "address bootstrap listens on")
	f.Duration("peer-ttl", bootstrap.DefaultPeerTTL, "duration a peer stays registered without refresh")
	f.String("redis-url", "", "share the registry through redis (redis://host:port/db)")
	f.String("log-level", "info", "log level")
	return cmd
}
