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

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"

	"github.com/glimte/resilience-go/alerts"
	"github.com/glimte/resilience-go/health"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	var (
		configPath string
		verbose    bool
	)

	rootCmd := &cobra.Command{
		Use:   "resilience-monitor",
		Short: "Aggregate health probes and route alerts",
		Long: `Resilience Monitor polls configured HTTP endpoints on independent
schedules, aggregates the results into one overall status, serves the
aggregate over HTTP, and routes critical failures to alert sinks.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, verbose)
		},
	}

	rootCmd.Flags().StringVarP(&configPath, "config", "c", "monitor.yaml", "Path to YAML config file")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath string, verbose bool) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	strategy, err := parseAggregation(cfg.Aggregation)
	if err != nil {
		return err
	}

	notifier, cleanup, err := buildNotifier(cfg.Alerts, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	svc := health.NewService(
		health.WithStrategy(strategy),
		health.WithDefaultInterval(cfg.Interval),
		health.WithDefaultTimeout(cfg.Timeout),
		health.WithLogger(logger),
		health.OnStatusChange(func(old, new health.Status, overall health.Overall) {
			if new == health.StatusHealthy {
				notifier.Resolve("overall")
				return
			}
			notifier.Trigger("overall", alerts.LevelWarning, "monitor",
				fmt.Sprintf("overall health changed from %s to %s", old, new), nil)
		}),
		health.OnCriticalFailure(func(result health.CheckResult) {
			notifier.Trigger("check:"+result.Name, alerts.LevelCritical, result.Name,
				fmt.Sprintf("critical check %s failing: %s", result.Name, result.Error),
				result.Details)
		}),
	)

	for _, check := range cfg.Checks {
		opts := []health.CheckOption{}
		if check.Interval > 0 {
			opts = append(opts, health.WithInterval(check.Interval))
		}
		if check.Timeout > 0 {
			opts = append(opts, health.WithCheckTimeout(check.Timeout))
		}
		if check.Retries > 0 {
			opts = append(opts, health.WithRetries(check.Retries))
		}
		if check.Critical {
			opts = append(opts, health.WithCritical())
		}
		if check.Weight > 0 {
			opts = append(opts, health.WithWeight(check.Weight))
		}
		svc.Register(newURLChecker(check.Name, check.URL), opts...)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer svc.Stop()

	mux := http.NewServeMux()
	mux.Handle("/healthz", health.NewHandler(svc, cfg.Timeout, false))
	mux.HandleFunc("/livez", health.LivenessHandler())
	mux.HandleFunc("/readyz", health.ReadinessHandler(svc))

	server := &http.Server{
		Addr:         cfg.Listen,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("monitor listening", "addr", cfg.Listen, "checks", len(cfg.Checks))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// buildNotifier assembles the configured alert sinks. The returned cleanup
// closes any broker connection.
func buildNotifier(cfg AlertsConfig, logger *slog.Logger) (*alerts.Notifier, func(), error) {
	handlers := []alerts.Handler{alerts.NewLogHandler(logger)}
	cleanup := func() {}

	if cfg.Webhook.URL != "" {
		opts := []alerts.WebhookOption{}
		if cfg.Webhook.Secret != "" {
			opts = append(opts, alerts.WithSecret(cfg.Webhook.Secret))
		}
		handlers = append(handlers, alerts.NewWebhookHandler("webhook", cfg.Webhook.URL, opts...))
	}

	if cfg.AMQP.URL != "" {
		conn, err := amqp.Dial(cfg.AMQP.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to broker: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("failed to open channel: %w", err)
		}
		handlers = append(handlers, alerts.NewAMQPHandler("broker", ch, cfg.AMQP.Exchange, cfg.AMQP.RoutingKey))
		cleanup = func() {
			ch.Close()
			conn.Close()
		}
	}

	return alerts.NewNotifier(handlers, alerts.WithLogger(logger)), cleanup, nil
}

// newURLChecker probes an HTTP endpoint: 2xx is healthy, anything else is
// unhealthy
func newURLChecker(name, url string) health.Checker {
	client := &http.Client{}
	return health.NewSimpleChecker(name, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
		}
		return nil
	})
}
