package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/sentinel/modbot/internal/audit"
	"github.com/sentinel/modbot/internal/classifier"
	"github.com/sentinel/modbot/internal/config"
	"github.com/sentinel/modbot/internal/gateway"
	"github.com/sentinel/modbot/internal/messaging"
	"github.com/sentinel/modbot/internal/metrics"
	"github.com/sentinel/modbot/internal/moderation"
	"github.com/sentinel/modbot/internal/ratelimit"
	"github.com/sentinel/modbot/internal/store"
)

const reconnectDelay = 5 * time.Second

func main() {
	log.Println("Starting modbot moderation assistant...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	// Context store: single worker, created once for the process lifetime.
	contextStore, handle, err := store.New(cfg.ContextSize)
	if err != nil {
		log.Fatalf("failed to create context store: %v", err)
	}
	defer contextStore.Close()

	cls, err := classifier.New(classifier.Config{
		APIKey: cfg.OpenAIKey,
		Model:  cfg.OpenAIModel,
	})
	if err != nil {
		log.Fatalf("failed to create classifier: %v", err)
	}

	orch := moderation.New(handle, cls, moderation.Config{
		Window:  cfg.WindowSize,
		Timeout: cfg.ClassifyTimeout,
	})

	// --- Redis (optional): per-channel classification throttle ---
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			cancel()
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		cancel()
		defer rdb.Close()
		orch.SetLimiter(ratelimit.NewLimiter(rdb))
	}

	// --- NATS (optional): verdict broadcast ---
	var natsClient *messaging.Client
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultConfig()
		natsConfig.URL = cfg.NATSURL
		natsClient, err = messaging.NewClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		orch.SetPublisher(natsClient)
	}

	// --- PostgreSQL (optional): verdict audit log ---
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := db.PingContext(pingCtx); err != nil {
			cancel()
			log.Fatalf("failed to connect to database: %v", err)
		}
		cancel()
		defer db.Close()

		if err := audit.Migrate(db, cfg.MigrationsURL); err != nil {
			log.Fatalf("failed to migrate audit schema: %v", err)
		}
		orch.SetAuditStore(audit.NewStore(db))
	}

	// Metrics endpoint.
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		log.Printf("metrics listening on %s", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			log.Printf("metrics server error: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw, err := gateway.New(gateway.Config{
		URL:   cfg.GatewayURL,
		Token: cfg.DiscordToken,
	}, func(m gateway.Message) {
		orch.HandleMessage(ctx, m.Record())
	})
	if err != nil {
		log.Fatalf("failed to create gateway client: %v", err)
	}

	// Gateway run loop with reconnect. Each Run call is one connection
	// lifetime; anything short of shutdown is retried.
	go func() {
		for {
			err := gw.Run(ctx)
			if ctx.Err() != nil {
				return
			}
			log.Printf("[gateway] connection lost: %v (reconnecting in %s)", err, reconnectDelay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectDelay):
			}
		}
	}()

	log.Printf("modbot running")
	log.Printf("  context_size:     %d", cfg.ContextSize)
	log.Printf("  window_size:      %d", cfg.WindowSize)
	log.Printf("  classify_timeout: %s", cfg.ClassifyTimeout)
	log.Printf("  metrics_addr:     %s", cfg.MetricsAddr)
	log.Printf("  redis:            %v", cfg.RedisAddr != "")
	log.Printf("  nats:             %v", cfg.NATSURL != "")
	log.Printf("  audit_db:         %v", cfg.DatabaseURL != "")

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	cancel()
	if natsClient != nil {
		natsClient.Close()
	}
	contextStore.Close()
}
