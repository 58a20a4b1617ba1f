// Command exampleservice wires envelope, transport, worker, service, and
// tier together into a minimal runnable business microservice -- standing
// in for one of the platform's real services (query, ingestion, embedding,
// ...), which spec.md treats as an external collaborator of the fabric
// this module implements.
//
// Grounded on cellorg/cmd/orchestrator/main.go's shape: resolve a config
// path from argv, load settings, start long-running services in their own
// goroutines tracked by a sync.WaitGroup, and shut down on an OS signal by
// cancelling a shared context.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/kkvrivishvili/nooble4-sub005/pkg/config"
	"github.com/kkvrivishvili/nooble4-sub005/pkg/envelope"
	"github.com/kkvrivishvili/nooble4-sub005/pkg/logging"
	"github.com/kkvrivishvili/nooble4-sub005/pkg/redispool"
	"github.com/kkvrivishvili/nooble4-sub005/pkg/service"
	"github.com/kkvrivishvili/nooble4-sub005/pkg/tier"
	"github.com/kkvrivishvili/nooble4-sub005/pkg/transport"
	"github.com/kkvrivishvili/nooble4-sub005/pkg/worker"
)

func main() {
	configFile := flag.String("config", "", "path to a YAML settings file (optional; env vars and defaults fill the rest)")
	tierFile := flag.String("tier-table", "", "path to a YAML tier limit table (optional; falls back to built-in example limits)")
	flag.Parse()

	settings, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("exampleservice: failed to load configuration: %v", err)
	}

	tierTable := exampleTierTable()
	if *tierFile != "" {
		loaded, err := tier.LoadTableFile(*tierFile)
		if err != nil {
			log.Fatalf("exampleservice: failed to load tier table: %v", err)
		}
		tierTable = loaded
	}

	logger := logging.New(logging.Config{
		Level:   settings.Logging.Level,
		Format:  logging.Format(settings.Logging.Format),
		Service: settings.ServiceName,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := redispool.New(ctx, settings.Store, logger)
	if err != nil {
		logger.WithError(err).Errorf("exampleservice: failed to connect to the store")
		os.Exit(1)
	}
	defer pool.Close()

	tr := transport.New(pool, settings, logger)
	tierEngine := tier.NewEngine(pool, settings, tierTable, logger)
	base := service.NewBase(settings, tr, tierEngine, logger)
	registerExampleHandlers(base, tierEngine)

	w := worker.New(pool, settings, base, logger)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := w.Run(ctx); err != nil {
			logger.WithError(err).Errorf("exampleservice: worker exited with error")
		}
	}()

	logger.Infof("exampleservice: started (service=%s, environment=%s)", settings.ServiceName, settings.Environment)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Infof("exampleservice: received signal %s, shutting down", sig)

	cancel()
	wg.Wait()
	logger.Infof("exampleservice: stopped")
}

type searchRequest struct {
	Query string `json:"query" validate:"required"`
	Model string `json:"model" validate:"required"`
}

// registerExampleHandlers demonstrates two handler shapes a real service
// mixes: a pseudo-sync query handler that checks tier limits before doing
// any work, and a fire-and-forget warm-cache handler.
func registerExampleHandlers(base *service.Base, tierEngine *tier.Engine) {
	base.RegisterHandler("query.rag.search", searchRequest{}, func(ctx context.Context, a *envelope.DomainAction) (map[string]interface{}, error) {
		var req searchRequest
		if err := a.UnmarshalData(&req); err != nil {
			return nil, err
		}

		if err := tierEngine.Validate(ctx, a.TenantID, "free", "ALLOWED_LLM_MODELS", req.Model); err != nil {
			return nil, err
		}
		if err := tierEngine.Validate(ctx, a.TenantID, "free", "QUERIES_PER_HOUR", nil); err != nil {
			return nil, err
		}

		_ = tierEngine.IncrementUsage(ctx, a.TenantID, "QUERIES_PER_HOUR", 1)

		return map[string]interface{}{
			"results": []string{},
			"query":   req.Query,
		}, nil
	})

	base.RegisterHandler("query.rag.warm", nil, func(ctx context.Context, a *envelope.DomainAction) (map[string]interface{}, error) {
		return nil, nil
	})
}

func exampleTierTable() tier.Table {
	return tier.Table{
		"free": {
			"MAX_AGENTS":             tier.Limit{Quota: 2},
			"QUERIES_PER_HOUR":       tier.Limit{Quota: 20},
			"EMBEDDINGS_TOKENS":      tier.Limit{Quota: 50_000},
			"ALLOWED_LLM_MODELS":     tier.Limit{AllowList: []string{"gpt-3.5-turbo"}},
			"MAX_COLLECTIONS_PER_AGENT": tier.Limit{Quota: 3},
			"CAN_USE_CUSTOM_PROMPTS": tier.Limit{Capability: false},
		},
		"pro": {
			"MAX_AGENTS":             tier.Limit{Quota: 25},
			"QUERIES_PER_HOUR":       tier.Limit{Quota: 500},
			"EMBEDDINGS_TOKENS":      tier.Limit{Quota: 2_000_000},
			"ALLOWED_LLM_MODELS":     tier.Limit{AllowList: []string{"gpt-3.5-turbo", "gpt-4"}},
			"MAX_COLLECTIONS_PER_AGENT": tier.Limit{Quota: 20},
			"CAN_USE_CUSTOM_PROMPTS": tier.Limit{Capability: true},
		},
	}
}
