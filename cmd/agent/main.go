package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/cuemby/autoscaler/pkg/agent"
	"github.com/cuemby/autoscaler/pkg/config"
	"github.com/cuemby/autoscaler/pkg/health"
	"github.com/cuemby/autoscaler/pkg/log"
	"github.com/cuemby/autoscaler/pkg/metrics"
)

// apiServerAddr strips the scheme off a kubeconfig host so it can be dialed
// directly by a TCPChecker.
func apiServerAddr(host string) string {
	u, err := url.Parse(host)
	if err != nil || u.Host == "" {
		return host
	}
	return u.Host
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "agent",
	Short: "Node Agent - kernel-level traffic observer",
	Long: `Node Agent supervises a kernel tracer on its node, resolves observed
pids and IPs to workload identity, and serves per-workload latency/error/rps
windows and the caller/callee topology it has seen to the Aggregator.`,
	RunE: run,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", true, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadAgentConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	restCfg, err := rest.InClusterConfig()
	if err != nil {
		return fmt.Errorf("load in-cluster kubeconfig: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return fmt.Errorf("build kubernetes client: %w", err)
	}

	a := agent.New(cfg, clientset, log.WithComponent("agent").With().Str("pod", cfg.PodName).Logger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("start agent: %w", err)
	}

	apiHealth := health.NewMonitor(health.NewTCPChecker(apiServerAddr(restCfg.Host)), health.DefaultConfig())
	go apiHealth.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/", a.ScrapeHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !apiHealth.Healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	scrapeAddr := fmt.Sprintf(":%d", cfg.HTTPPort)
	go func() {
		if err := http.ListenAndServe(scrapeAddr, mux); err != nil {
			log.Logger.Error().Err(err).Msg("scrape server error")
		}
	}()
	log.Logger.Info().Str("addr", scrapeAddr).Msg("scrape endpoint listening")

	metricsAddr := fmt.Sprintf(":%d", cfg.MetricsPort)
	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(metricsAddr, metricsMux); err != nil {
			log.Logger.Error().Err(err).Msg("metrics server error")
		}
	}()
	log.Logger.Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Logger.Info().Msg("shutting down")

	a.Stop()
	cancel()
	return nil
}
