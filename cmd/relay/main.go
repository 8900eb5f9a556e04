// Command relay is the client-side driver: it loads configuration via
// viper, stands up the relay core, and optionally serves Prometheus
// metrics over HTTP.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/smbsocks/relay"
	"github.com/smbsocks/relay/internal/logging"
	"github.com/smbsocks/relay/internal/metrics"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "relay",
		Short: "client-side core of a SOCKS-over-named-pipe tunnel",
	}
	root.AddCommand(newRunCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the relay version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}

func newRunCmd() *cobra.Command {
	var (
		configFile  string
		metricsAddr string
		logLevel    string
		logFormat   string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "connect to the remote pipe and serve local SOCKS/TCP clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.Init(logging.Config{Level: logLevel, Format: logFormat}, os.Stderr)

			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}

			r, err := relay.New(cfg)
			if err != nil {
				return fmt.Errorf("cannot start relay: %w", err)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if metricsAddr != "" {
				go serveMetrics(metricsAddr)
			}

			logging.Info("relay starting", "host", cfg.Host, "pipe", cfg.PipeName, "listen", cfg.Listen)
			if err := r.Run(ctx); err != nil {
				logging.Error("local SOCKS relay stopped", "err", err)
				return err
			}
			logging.Info("local SOCKS relay stopped")
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configFile, "config", "", "path to a YAML/TOML/JSON config file")
	flags.String("host", "", "remote SMB host")
	flags.String("pipe-name", "rpc2socks", "named pipe to open")
	flags.String("username", "", "SMB username")
	flags.String("password", "", "SMB password")
	flags.String("domain", "", "SMB domain")
	flags.Bool("guest", false, "use guest/anonymous access")
	flags.StringSlice("listen", []string{"127.0.0.1:1080"}, "local TCP bind specs")
	flags.Duration("keepalive", 0, "keep-alive PING interval (0 disables)")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (empty disables)")
	flags.StringVar(&logLevel, "log-level", "INFO", "DEBUG, INFO, WARN, or ERROR")
	flags.StringVar(&logFormat, "log-format", "text", "text or json")

	viper.BindPFlag("host", flags.Lookup("host"))
	viper.BindPFlag("pipe_name", flags.Lookup("pipe-name"))
	viper.BindPFlag("username", flags.Lookup("username"))
	viper.BindPFlag("password", flags.Lookup("password"))
	viper.BindPFlag("domain", flags.Lookup("domain"))
	viper.BindPFlag("guest", flags.Lookup("guest"))
	viper.BindPFlag("listen", flags.Lookup("listen"))
	viper.BindPFlag("keepalive", flags.Lookup("keepalive"))

	return cmd
}

func loadConfig(configFile string) (*relay.Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RELAY")
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	cfg := relay.DefaultConfig()
	cfg.Host = firstNonEmpty(v.GetString("host"), viper.GetString("host"))
	if pn := firstNonEmpty(v.GetString("pipe_name"), viper.GetString("pipe_name")); pn != "" {
		cfg.PipeName = pn
	}
	cfg.Username = firstNonEmpty(v.GetString("username"), viper.GetString("username"))
	cfg.Password = firstNonEmpty(v.GetString("password"), viper.GetString("password"))
	cfg.Domain = firstNonEmpty(v.GetString("domain"), viper.GetString("domain"))
	cfg.GuestAccess = v.GetBool("guest") || viper.GetBool("guest")

	if listen := v.GetStringSlice("listen"); len(listen) > 0 {
		cfg.Listen = listen
	} else if listen := viper.GetStringSlice("listen"); len(listen) > 0 {
		cfg.Listen = listen
	}

	if ka := v.GetDuration("keepalive"); ka > 0 {
		cfg.KeepAliveInterval = ka
	} else if ka := viper.GetDuration("keepalive"); ka > 0 {
		cfg.KeepAliveInterval = ka
	}

	return cfg, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	logging.Info("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logging.Error("metrics server stopped", "err", err)
	}
}
