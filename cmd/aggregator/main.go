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
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/cuemby/autoscaler/pkg/aggregator"
	"github.com/cuemby/autoscaler/pkg/config"
	"github.com/cuemby/autoscaler/pkg/health"
	"github.com/cuemby/autoscaler/pkg/log"
	"github.com/cuemby/autoscaler/pkg/metrics"
	"github.com/cuemby/autoscaler/pkg/orchestrator"
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

// corsMiddleware permits any origin to read the Aggregator's HTTP API: the
// fused view carries no credentials and the Controller is the only expected
// caller, but dashboards built against it should not need a proxy.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "aggregator",
	Short: "Aggregator - cluster-wide metrics and topology fusion",
	Long: `Aggregator discovers Node Agent pods, scrapes each one's reported
metrics and topology on a timer, fuses them into a single cluster-wide view
with a count-weighted average, and serves that view to the Controller.`,
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
	cfg, err := config.LoadAggregatorConfig()
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
	dynClient, err := dynamic.NewForConfig(restCfg)
	if err != nil {
		return fmt.Errorf("build dynamic client: %w", err)
	}

	orchClient := orchestrator.NewClient(clientset, dynClient, cfg.Namespace)
	agg := aggregator.New(cfg, orchClient, log.WithComponent("aggregator"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	agg.Start(ctx)

	apiHealth := health.NewMonitor(health.NewTCPChecker(apiServerAddr(restCfg.Host)), health.DefaultConfig())
	go apiHealth.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/api/graph", agg.GraphHandler())
	mux.Handle("/api/reset", agg.ResetHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !apiHealth.Healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	httpAddr := fmt.Sprintf(":%d", cfg.HTTPPort)
	go func() {
		if err := http.ListenAndServe(httpAddr, corsMiddleware(mux)); err != nil {
			log.Logger.Error().Err(err).Msg("api server error")
		}
	}()
	log.Logger.Info().Str("addr", httpAddr).Msg("api endpoint listening")

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

	agg.Stop()
	cancel()
	return nil
}
