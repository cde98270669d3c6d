package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/appscale/aim/internal/apiserver"
	"github.com/appscale/aim/internal/config"
	"github.com/appscale/aim/internal/engine"
	"github.com/appscale/aim/internal/faildetect"
	"github.com/appscale/aim/internal/healthprobe"
	"github.com/appscale/aim/internal/httpapi"
	"github.com/appscale/aim/internal/logrotate"
	"github.com/appscale/aim/internal/metrics"
	"github.com/appscale/aim/internal/procterm"
	"github.com/appscale/aim/internal/projects"
	"github.com/appscale/aim/internal/reconcile"
	"github.com/appscale/aim/internal/registry"
	"github.com/appscale/aim/internal/sourcestore"
	"github.com/appscale/aim/internal/supervisor"
)

var serveCmd = &cobra.Command{
	Use: "serve",
	Short: "Run the instance manager daemon",
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("private-ip", "", "this node's private IP")
	serveCmd.Flags().String("shared-secret", "", "cluster shared secret")
	serveCmd.Flags().String("load-balancer-ips", "", "comma-separated load balancer IPs")
	serveCmd.Flags().Int("http-port", 0, "HTTP surface port")
	serveCmd.Flags().Int("metrics-port", 9090, "Prometheus metrics port")
	serveCmd.Flags().String("registry-addr", "", "coordination store address")
	serveCmd.Flags().String("supervisor-addr", "", "supervisor HTTP base URL")

	viper.BindPFlag("node.private_ip", serveCmd.Flags().Lookup("private-ip"))
	viper.BindPFlag("node.shared_secret", serveCmd.Flags().Lookup("shared-secret"))
	viper.BindPFlag("node.load_balancer_ips", serveCmd.Flags().Lookup("load-balancer-ips"))
	viper.BindPFlag("server.http_port", serveCmd.Flags().Lookup("http-port"))
	viper.BindPFlag("server.metrics_port", serveCmd.Flags().Lookup("metrics-port"))
	viper.BindPFlag("registry.addr", serveCmd.Flags().Lookup("registry-addr"))
	viper.BindPFlag("supervisor.addr", serveCmd.Flags().Lookup("supervisor-addr"))
}

func runServe(cmd *cobra.Command, args []string) error {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	ci, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log.Info("configuration loaded", "private_ip", ci.PrivateIP, "http_port", ci.HTTPPort)

	consulCfg := api.DefaultConfig()
	consulCfg.Address = ci.RegistryAddr
	consulClient, err := api.NewClient(consulCfg)
	if err != nil {
		return fmt.Errorf("new consul client: %w", err)
	}

	reg := registry.New(consulClient, ci.PrivateIP)
	proj := projects.New(consulClient)
	if err := proj.Sync(ctx); err != nil {
		log.Warn("initial projects sync failed, starting with an empty cache", "error", err)
	}

	sup := supervisor.NewHTTPAdapter(ci.SupervisorAddr)
	killer := procterm.New()
	pool := apiserver.New(sup, ci.APIServerPortCeiling, killer)
	prober := healthprobe.New()
	store := sourcestore.New(ci.UnpackRoot)
	logs := logrotate.New(ci.LogrotateConfigDir)
	mc := metrics.New("aim")

	if err := pool.Discover(ctx); err != nil {
		log.Warn("api-server pool discovery failed, starting with an empty cache", "error", err)
	}

	log.Info("reconciling supervisor, process table, and registry")
	scanner := reconcile.NewProcScanner()
	reconciler := reconcile.New(sup, scanner, reg, ci.PrivateIP, mc)
	seeded, err := reconciler.Run(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	log.Info("reconciliation complete", "running_instances", len(seeded))

	eng := engine.New(engine.Deps{
		NodeIP: ci.PrivateIP,
		Registry: reg,
		Supervisor: sup,
		APIServers: pool,
		SourceStore: store,
		Prober: prober,
		Projects: proj,
		LogRotate: logs,
		Killer: killer,
		Metrics: mc,
	}, engine.WithMaxBackgroundWorkers(ci.MaxBackgroundWorkers))
	eng.Seed(seeded)
	mc.SetRunningInstances(len(seeded))

	detector := faildetect.New(
		ci.LoadBalancerIPs,
		ci.GatewayPrefix,
		ci.PrivateIP,
		ci.SharedSecret,
		eng.StopOneFromDetector,
		eng.IsRunning,
		mc,
	)
	detectorCtx, cancelDetector := context.WithCancel(ctx)
	defer cancelDetector()
	go detector.Run(detectorCtx)

	metricsServer := &http.Server{
		Addr: fmt.Sprintf(":%d", viper.GetInt("server.metrics_port")),
		Handler: promhttp.HandlerFor(mc.Registry(), promhttp.HandlerOpts{}),
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server error", "error", err)
		}
	}()

	httpSrv := httpapi.New(eng, fmt.Sprintf(":%d", ci.HTTPPort))
	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	log.Info("serving", "http_port", ci.HTTPPort, "metrics_port", viper.GetInt("server.metrics_port"))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("received signal, shutting down", "signal", sig.String())
	case err := <-errCh:
		log.Error("http surface error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("http surface shutdown error", "error", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Error("metrics server shutdown error", "error", err)
	}
	return nil
}
