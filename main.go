package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"sourceflow/api"
	"sourceflow/config"
	"sourceflow/health"
	"sourceflow/internal/metrics"
	"sourceflow/internal/ratelimit"
	"sourceflow/logger"
	"sourceflow/mirror"
	"sourceflow/models"
	"sourceflow/registry"
	"sourceflow/resolver"
	"sourceflow/selection"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	registryPath := flag.String("registry", "", "Path to resource catalog file (overrides config)")

	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolveConfigPath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}
	if *registryPath != "" {
		cfg.Registry.Path = *registryPath
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Sourceflow.Name,
		"version": cfg.Sourceflow.Version,
	}).Info("starting sourceflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace, cfg.Metrics.CloudWatch.Dashboard)
		logger.CreateDefaultDashboard(ctx)
	}

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	if cfg.Metrics.Enabled {
		metrics.Init(cfg.Metrics.Address)
	}

	reg, err := registry.Load(cfg.Registry.Path)
	if err != nil {
		log.WithError(err).Error("failed to load resource catalog")
		os.Exit(1)
	}
	log.WithFields(logger.Fields{
		"path":      cfg.Registry.Path,
		"resources": reg.Len(),
	}).Info("resource catalog loaded")

	clock := health.SystemClock()
	tracker := health.NewTracker(health.Config{
		FailureThreshold:  cfg.Health.FailureThreshold,
		FailureCooldown:   cfg.Health.FailureCooldown,
		RateLimitCooldown: cfg.Health.RateLimitCooldown,
		SuccessRateAlpha:  cfg.Health.SuccessRateAlpha,
	}, clock)

	rotator := mirror.NewRotator(mirror.Config{
		UnhealthyWindow: cfg.Mirrors.UnhealthyWindow,
		ProbeTimeout:    cfg.Mirrors.ProbeTimeout,
	}, clock)
	registerMirrors(reg, rotator)

	selector := selection.NewEngine(selection.Config{
		Explore:        cfg.Selection.Explore,
		MaxChainLength: cfg.Selection.MaxChainLength,
	}, reg, tracker, clock, 0)

	advisor := ratelimit.NewAdvisor(cfg.RateLimit.Enforce)

	res := resolver.New(cfg.Resolver, reg, tracker, rotator, selector, advisor, clock)

	var wg sync.WaitGroup

	apiServer := api.NewServer(cfg.API, res, log)
	if apiServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := apiServer.Run(ctx); err != nil {
				log.WithError(err).Warn("api server failed")
			}
		}()
	}

	if cfg.Demo.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runDemoLoop(ctx, cfg, res, log)
		}()
	}

	// SIGHUP reloads the catalog without restarting. A broken file keeps
	// the previous catalog in place.
	hupChan := make(chan os.Signal, 1)
	signal.Notify(hupChan, syscall.SIGHUP)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-hupChan:
				if err := reg.Reload(); err != nil {
					log.WithError(err).Error("catalog reload failed, keeping previous catalog")
					continue
				}
				registerMirrors(reg, rotator)
				log.WithFields(logger.Fields{"resources": reg.Len()}).Info("resource catalog reloaded")
			}
		}
	}()

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("all components stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn("shutdown timed out, forcing exit")
	}

	log.Info("sourceflow stopped")
}

func registerMirrors(reg *registry.Registry, rotator *mirror.Rotator) {
	for _, id := range reg.IDs() {
		if res, ok := reg.Lookup(id); ok && res.HasMirrors() {
			rotator.Register(res.ID, res.Mirrors)
		}
	}
}

// runDemoLoop periodically resolves the configured categories and logs the
// winning provider. Useful for watching fallback behavior in a live shell.
func runDemoLoop(ctx context.Context, cfg *config.Config, res *resolver.Resolver, log *logger.Log) {
	interval := cfg.Demo.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	categories := make([]models.Category, 0, len(cfg.Demo.Categories))
	for _, raw := range cfg.Demo.Categories {
		category, err := models.ParseCategory(raw)
		if err != nil {
			log.WithError(err).Warn("skipping unknown demo category")
			continue
		}
		categories = append(categories, category)
	}
	if len(categories) == 0 {
		log.Warn("demo loop enabled but no valid categories configured")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, category := range categories {
				result, err := res.Resolve(ctx, category, cfg.Demo.Params)
				if err != nil {
					log.WithComponent("demo").WithFields(logger.Fields{
						"category": string(category),
					}).WithError(err).Warn("demo resolution failed")
					continue
				}
				log.WithComponent("demo").WithFields(logger.Fields{
					"category":   string(category),
					"served_by":  result.ServedBy,
					"attempts":   result.Attempts,
					"latency_ms": result.LatencyMs,
				}).Info("demo resolution succeeded")
			}
		}
	}
}
