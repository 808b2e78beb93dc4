package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"swarmfeed/internal/logger"
	"swarmfeed/internal/peer"
)

type options struct {
	configFile string
	v          *viper.Viper
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "swarmfeed",
		Short: "Peer-to-peer video sharing node",
		Long: `swarmfeed gossips video references between peers, keeps a bounded
window of media downloaded around the one being watched, mirrors token
balances and records signed like blocks.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v, err := peer.NewViper(opts.configFile)
			if err != nil {
				return err
			}
			opts.v = v
			return bindFlags(v, cmd)
		},
	}
	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "YAML config file")
	root.PersistentFlags().String("listen", "", "address to listen on (host:port)")
	root.PersistentFlags().Int("port", 9001, "port to listen on when --listen empty")
	root.PersistentFlags().String("data-dir", "swarmfeed-data", "base directory for per-peer data")
	root.PersistentFlags().String("api-addr", "127.0.0.1:8081", "control API address")
	root.PersistentFlags().String("api-secret", "", "control API token secret")

	root.AddCommand(newRunCmd(opts), newTokenCmd(opts), newPublishCmd(opts))
	return root
}

// flagKeys maps CLI flags onto config keys.
var flagKeys = map[string]string{
	"listen":       "listen",
	"port":         "port",
	"data-dir":     "data_dir",
	"api-addr":     "api.addr",
	"api-secret":   "api.secret",
	"bootstrap":    "bootstrap",
	"secret":       "secret",
	"api":          "api.enabled",
	"radius":       "cache.radius",
	"ledger":       "ledger.backend",
	"torrent-port": "cache.torrent_port",
	"log-level":    "log.level",
	"log-json":     "log.json",
}

func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	for name, key := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}
	return nil
}

func newRunCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := peer.LoadConfig(opts.v)
			if err != nil {
				return err
			}
			log, err := logger.New(logger.Options{Level: cfg.LogLevel, File: cfg.LogFile, JSON: cfg.LogJSON})
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			app, err := peer.NewApp(cfg, log)
			if err != nil {
				return err
			}
			app.Start()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			peer.WaitForShutdown(ctx, app)
			return nil
		},
	}
	f := cmd.Flags()
	f.String("bootstrap", "http://127.0.0.1:8000", "bootstrap base url")
	f.String("secret", "", "shared secret for AES-256 transport encryption")
	f.Bool("api", false, "serve the local control API")
	f.Int("radius", 1, "cache window radius around the current item")
	f.String("ledger", "bolt", "ledger backend: bolt or leveldb")
	f.Int("torrent-port", 0, "swarm engine listen port (0 picks one)")
	f.String("log-level", "info", "log level")
	f.Bool("log-json", false, "emit JSON logs")
	return cmd
}

func newTokenCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Print a control API token for this node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := peer.LoadConfig(opts.v)
			if err != nil {
				return err
			}
			token, err := peer.IssueToken(cfg)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}

func newPublishCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "publish <path>",
		Short: "Seed a file or directory through a running node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := peer.LoadConfig(opts.v)
			if err != nil {
				return err
			}
			token, err := peer.IssueToken(cfg)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()
			magnet, err := publish(ctx, cfg.APIAddr, token, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), magnet)
			return nil
		},
	}
}

func publish(ctx context.Context, apiAddr, token, path string) (string, error) {
	body, err := json.Marshal(map[string]string{"path": path})
	if err != nil {
		return "", err
	}
	base := apiAddr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(base, "/")+"/publish", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("publish: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	var out struct {
		Magnet string `json:"magnet"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Magnet, nil
}
