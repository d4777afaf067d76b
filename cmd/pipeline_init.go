package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/clearledger/importer/internal/commit"
	"github.com/clearledger/importer/internal/dupdetect"
	"github.com/clearledger/importer/internal/pipeline"
	"github.com/clearledger/importer/internal/resilience"
	"github.com/clearledger/importer/internal/store"
	"github.com/clearledger/importer/internal/template"
	"github.com/clearledger/importer/internal/validate"
)

// pipelineEnv holds the store, template registry and wired Importer used by
// the import/resolve/commit/serve commands.
type pipelineEnv struct {
	Store    store.Store
	Registry *template.Registry
	Importer *pipeline.Importer
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipeline sets up the store, loads templates, and builds the Importer.
// Callers should defer env.Close().
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	registry := template.NewRegistry()
	if cfg.Templates.Dir != "" {
		if err := registry.LoadDir(cfg.Templates.Dir); err != nil {
			_ = st.Close()
			return nil, err
		}
	}

	epsilon, err := cfg.Validator.ParseEpsilon()
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	validator := validate.New(epsilon)
	detector := dupdetect.New(dupdetect.Config{
		DateWindowDays: cfg.Detector.DateWindowDays,
		Threshold:      cfg.Detector.SimilarityThreshold,
	})
	committer := commit.New(st, resilience.DefaultRetryConfig())

	return &pipelineEnv{
		Store:    st,
		Registry: registry,
		Importer: pipeline.New(cfg, st, registry, validator, detector, committer),
	}, nil
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	case "sqlite":
		return store.NewSQLite(cfg.Store.DatabaseURL)
	}
	return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
}
