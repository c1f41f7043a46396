package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/idea-eval/internal/classify"
	"github.com/sells-group/idea-eval/internal/evaluate"
	"github.com/sells-group/idea-eval/internal/extract"
	"github.com/sells-group/idea-eval/internal/gateway"
	"github.com/sells-group/idea-eval/internal/pipeline"
	"github.com/sells-group/idea-eval/internal/resilience"
	"github.com/sells-group/idea-eval/internal/store"
	"github.com/sells-group/idea-eval/internal/verify"
)

// pipelineEnv holds the store, the model gateway and the orchestrator
// needed by the run, rerun, serve and worker commands.
type pipelineEnv struct {
	Store        store.Store
	Gateway      *gateway.Gateway
	Orchestrator *pipeline.Orchestrator
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initStore opens the configured backend and applies migrations.
func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		st, err = store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initGateway builds the model gateway from the gateway config section.
func initGateway() *gateway.Gateway {
	return gateway.NewDefault(gateway.Options{
		Retry: resilience.FromRetryConfig(
			cfg.Gateway.MaxAttempts,
			cfg.Gateway.InitialBackoffMs,
			cfg.Gateway.MaxBackoffMs,
		),
		Breaker: resilience.FromCircuitConfig(
			cfg.Gateway.BreakerFailureThreshold,
			cfg.Gateway.BreakerResetSecs,
		),
		DefaultTimeout:    time.Duration(cfg.Gateway.TimeoutSecs) * time.Second,
		DefaultQueueDepth: cfg.Gateway.QueueDepth,
		DefaultMaxTokens:  cfg.Gateway.MaxTokens,
	}, nil)
}

// initPipeline validates config for mode, then sets up the store, gateway
// and stage implementations. Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	taxonomy := classify.DefaultTaxonomy()
	if cfg.Classify.TaxonomyPath != "" {
		t, err := classify.LoadTaxonomy(cfg.Classify.TaxonomyPath)
		if err != nil {
			return nil, err
		}
		taxonomy = t
		zap.L().Info("loaded taxonomy",
			zap.String("path", cfg.Classify.TaxonomyPath),
			zap.Int("themes", len(taxonomy.Themes)),
		)
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	gw := initGateway()

	evaluator := evaluate.New(gw, evaluate.Options{
		Mode:        evaluate.Mode(cfg.Evaluate.Mode),
		Concurrency: cfg.Evaluate.Concurrency,
		Thresholds: evaluate.Thresholds{
			Go:       cfg.Evaluate.GoThreshold,
			Consider: cfg.Evaluate.ConsiderThreshold,
		},
	})

	orch := pipeline.New(st, pipeline.Deps{
		Extractor: extract.New(extract.Options{
			PdfToTextPath:     cfg.Extract.PdfToTextPath,
			FFprobePath:       cfg.Extract.FFprobePath,
			MaxPages:          cfg.Extract.MaxPages,
			FrameIntervalSecs: cfg.Extract.FrameIntervalSecs,
			MaxChars:          cfg.Extract.MaxChars,
		}),
		Classifier: classify.New(gw, taxonomy, cfg.Classify.MaxSecondary),
		Evaluator:  evaluator,
		Verifier:   verify.New(evaluator, cfg.Verify.Tolerance),
	})

	return &pipelineEnv{
		Store:        st,
		Gateway:      gw,
		Orchestrator: orch,
	}, nil
}
