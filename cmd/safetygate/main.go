package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/sparkmatch/msgsafety/internal/config"
	"github.com/sparkmatch/msgsafety/internal/handlers"
	"github.com/sparkmatch/msgsafety/internal/i18n"
	"github.com/sparkmatch/msgsafety/internal/middleware"
	"github.com/sparkmatch/msgsafety/internal/services/moderation"
	"github.com/sparkmatch/msgsafety/internal/services/prefilter"
	"github.com/sparkmatch/msgsafety/internal/services/safety"
	"github.com/sparkmatch/msgsafety/internal/services/scheduler"
	"github.com/sparkmatch/msgsafety/internal/services/storage"
	"github.com/sparkmatch/msgsafety/pkg/logger"
	flag "github.com/spf13/pflag"
)

const gaugeInterval = time.Minute

func main() {
	// Parse command line flags
	configPath := flag.StringP("config", "c", "configs/config.yaml", "Path to configuration file")
	envFile := flag.String("env", ".env", "Path to .env file")
	flag.Parse()

	// Load .env file if exists
	if err := godotenv.Load(*envFile); err != nil {
		fmt.Printf("Warning: .env file not found: %v\n", err)
	}

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info("Starting message safety gateway...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize counter storage
	storageManager, err := storage.NewManager(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize storage")
	}
	defer storageManager.Close()

	// Initialize i18n
	localizer, err := i18n.NewLocalizer(&cfg.I18n)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize i18n")
	}

	// Initialize metrics
	metrics := middleware.NewMetrics()

	// Initialize moderation
	var (
		gateway   *moderation.Gateway
		moderator safety.Moderator
	)
	if cfg.Moderation.Enabled {
		classifier := moderation.NewOpenAIClassifier(&cfg.Moderation, nil, log)
		gateway = moderation.NewGateway(classifier, &cfg.Moderation, metrics, log)
		moderator = gateway
		log.WithFields(logrus.Fields{
			"model": cfg.Moderation.Model,
			"mode":  cfg.Moderation.Mode,
		}).Info("Moderation model enabled")
	} else {
		log.Warn("Moderation model disabled, only the pre-filter checks content")
	}

	pipeline := safety.NewPipeline(cfg, safety.Components{
		Store:     storageManager.Store(),
		PreFilter: prefilter.NewEngine(),
		Moderator: moderator,
		Localizer: localizer,
		Metrics:   metrics,
		Logger:    log,
	})

	// Start daily reset and periodic tasks
	sched, err := scheduler.New(storageManager.Store(), metrics, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to create scheduler")
	}
	if err := sched.Every("refresh-gauges", gaugeInterval, func() {
		refreshGauges(ctx, storageManager.Store(), gateway, metrics, log)
	}); err != nil {
		log.WithError(err).Fatal("Failed to schedule gauge refresh")
	}
	if err := sched.Start(ctx); err != nil {
		log.WithError(err).Error("Initial counter sweep failed")
	}
	if next, err := sched.NextReset(); err == nil {
		log.WithField("next_reset", next).Info("Daily counter reset scheduled")
	}

	// Start metrics server if enabled
	if cfg.Monitoring.Metrics.Enabled {
		go func() {
			log.WithFields(logrus.Fields{
				"port": cfg.Monitoring.Metrics.Port,
				"path": cfg.Monitoring.Metrics.Path,
			}).Info("Starting metrics server")

			if err := middleware.StartMetricsServer(cfg.Monitoring.Metrics.Port, cfg.Monitoring.Metrics.Path); err != nil {
				log.WithError(err).Error("Metrics server failed")
			}
		}()
	}

	// Start HTTP surface if enabled
	var server *http.Server
	if cfg.Server.Enabled {
		retractor := handlers.NewRetractor(cfg.Server.RetractionURL, cfg.Server.RetractionTimeout, log)
		messageHandler := handlers.NewMessageHandler(pipeline, retractor.Retract, storageManager.Backend(), log)

		server = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:      handlers.NewRouter(messageHandler),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}

		go func() {
			log.WithField("port", cfg.Server.Port).Info("Starting HTTP server")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("HTTP server failed")
			}
		}()
	}

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	log.Info("Shutdown signal received")

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("Failed to shut down HTTP server")
		}
		shutdownCancel()
	}

	if err := sched.Stop(); err != nil {
		log.WithError(err).Error("Failed to stop scheduler")
	}

	// Let background moderation deliver its retractions
	if gateway != nil {
		gateway.Wait()
	}

	cancel()
	log.Info("Message safety gateway stopped")
}

// refreshGauges updates the operational gauges
func refreshGauges(ctx context.Context, store storage.Store, gateway *moderation.Gateway, metrics *middleware.Metrics, log *logrus.Logger) {
	active, err := store.Len(ctx)
	metrics.RecordCounterOperation("len", err)
	if err != nil {
		log.WithError(err).Warn("Failed to count active counters")
	} else {
		metrics.SetActiveCounters(float64(active))
	}

	if gateway != nil {
		metrics.SetCachedVerdicts(float64(gateway.CachedVerdicts()))
	}
}
