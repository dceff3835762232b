package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/drpcorg/tank"
	"github.com/drpcorg/tank/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if cmd.Flags().Changed("dir") {
		cfg.Dir, _ = cmd.Flags().GetString("dir")
	}
	if cmd.Flags().Changed("metrics") {
		cfg.MetricsAddr, _ = cmd.Flags().GetString("metrics")
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel, _ = cmd.Flags().GetString("log-level")
	}
	return cfg, nil
}

func openTank(cmd *cobra.Command) (*tank.Tank, config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, cfg, err
	}
	tk, err := tank.Open(cfg.Dir, cfg.Options())
	return tk, cfg, err
}

// serveMetrics runs a /metrics endpoint until ctx is done.
func serveMetrics(ctx context.Context, g *errgroup.Group, addr string, tk *tank.Tank) error {
	reg := prometheus.NewRegistry()
	for _, c := range tk.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	g.Go(func() error {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return nil
}

func runShell(cmd *cobra.Command, _ []string) error {
	tk, cfg, err := openTank(cmd)
	if err != nil {
		return err
	}
	defer tk.Close()

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	if cfg.MetricsAddr != "" {
		if err := serveMetrics(gctx, g, cfg.MetricsAddr, tk); err != nil {
			return err
		}
	}
	g.Go(func() error {
		defer cancel()
		sh, err := NewShell(tk, os.Stdout)
		if err != nil {
			return err
		}
		defer sh.Close()
		return sh.Run(gctx)
	})
	return g.Wait()
}

func runImport(cmd *cobra.Command, args []string) error {
	tk, _, err := openTank(cmd)
	if err != nil {
		return err
	}
	defer tk.Close()
	batch, _ := cmd.Flags().GetInt("batch")
	in := os.Stdin
	if len(args) > 0 {
		if in, err = os.Open(args[0]); err != nil {
			return err
		}
		defer in.Close()
	}
	n, err := importJSON(tk, in, batch)
	fmt.Fprintf(os.Stderr, "imported %d records\n", n)
	return err
}

func main() {
	rootCmd := &cobra.Command{
		Use:          "tank",
		Short:        "Append log with lazy secondary indices",
		RunE:         runShell,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "YAML config file")
	rootCmd.PersistentFlags().String("dir", "tank", "tank directory")
	rootCmd.PersistentFlags().String("log-level", "warn", "debug, info, warn or error")
	rootCmd.PersistentFlags().String("metrics", "", "address to serve /metrics on (e.g. localhost:9100)")

	importCmd := &cobra.Command{
		Use:   "import [file]",
		Short: "Append JSON records, one per line, from a file or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runImport,
	}
	importCmd.Flags().Int("batch", 1000, "records per put")

	rootCmd.AddCommand(importCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
