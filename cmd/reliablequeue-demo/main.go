// Command reliablequeue-demo is a small worker-service entry point: it loads
// configuration, builds a Manager, subscribes a demo handler to every
// receivable queue, and runs until it's told to stop.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/chris-alexander-pop/reliable-queue/internal/rqlog"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/config"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/receiver"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/resource/adapters/azure"
)

func main() {
	rqlog.Init(rqlog.Config{Level: envOr("LOG_LEVEL", "INFO"), Format: envOr("LOG_FORMAT", "JSON")})
	log := rqlog.L()

	var cfg config.Config
	if err := config.Load(&cfg); err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	mgr, err := reliableq.New(cfg, azure.NewFactory())
	if err != nil {
		log.Error("failed to build queue manager", "error", err)
		os.Exit(1)
	}
	defer mgr.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for _, qc := range cfg.Enabled() {
		q, err := mgr.Queue(qc.Name)
		if err != nil {
			log.Error("failed to resolve configured queue", "queue", qc.Name, "error", err)
			os.Exit(1)
		}
		if !q.CanReceive() {
			continue
		}
		if _, err := q.Subscribe(ctx, logAndAck(qc.Name)); err != nil {
			log.Error("failed to subscribe", "queue", qc.Name, "error", err)
			os.Exit(1)
		}
	}

	mgr.StartListeners(ctx)
	log.Info("reliablequeue-demo running", "queues", len(cfg.Enabled()))

	<-ctx.Done()
	log.Info("shutting down")
}

// logAndAck is a placeholder subscriber: it logs the delivered event and
// reports success unconditionally. A real host replaces this with its own
// business logic.
func logAndAck(queueName string) receiver.Callback {
	return func(ctx context.Context, evt receiver.Event) bool {
		rqlog.L().InfoContext(ctx, "message received",
			"queue", queueName,
			"topic", evt.Topic.Name(),
			"message_id", evt.MessageID,
			"attempts", evt.Attempts,
			"body_is_null", evt.BodyIsNull,
			"body_bytes", len(evt.Body),
		)
		return true
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
