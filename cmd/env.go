package main

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/sells-group/rulesmith/internal/config"
	"github.com/sells-group/rulesmith/internal/fetcher"
	"github.com/sells-group/rulesmith/internal/llm"
	"github.com/sells-group/rulesmith/internal/model"
	"github.com/sells-group/rulesmith/internal/pipeline"
	"github.com/sells-group/rulesmith/internal/similarity"
	"github.com/sells-group/rulesmith/internal/store"
	"github.com/sells-group/rulesmith/internal/telemetry"
	"github.com/sells-group/rulesmith/pkg/jina"
)

// fsys is the filesystem workflow files, prompts, and the rule corpus are
// read from.
var fsys afero.Fs = afero.NewOsFs()

func initStore(ctx context.Context) (store.Store, error) {
	if err := cfg.Validate("store"); err != nil {
		return nil, err
	}
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
		st.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// engineEnv holds everything a workflow run needs.
type engineEnv struct {
	Store    store.Store
	Chat     *llm.Client
	Engine   *pipeline.Engine
	shutdown func(context.Context) error
}

// Close flushes spans and releases the store.
func (e *engineEnv) Close() {
	if e.shutdown != nil {
		if err := e.shutdown(context.Background()); err != nil {
			zap.L().Warn("telemetry shutdown failed", zap.Error(err))
		}
	}
	if e.Store != nil {
		e.Store.Close() //nolint:errcheck
	}
}

func initEngine(ctx context.Context) (*engineEnv, error) {
	if err := cfg.Validate("run"); err != nil {
		return nil, err
	}
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	tracer, shutdown := telemetry.Setup(cfg.Telemetry)
	chat := llm.New(cfg.LLMClientConfig(), llm.WithTracer(tracer))

	corpus, err := similarity.LoadCorpus(fsys, cfg.Similarity.CorpusDir)
	if err != nil {
		st.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "load reference corpus")
	}
	zap.L().Info("reference corpus loaded",
		zap.String("dir", cfg.Similarity.CorpusDir),
		zap.Int("rules", corpus.Len()),
	)

	eng := pipeline.New(st, chat,
		pipeline.WithScorer(similarity.NewScorer(corpus, cfg.Similarity.Weights, cfg.Similarity.TopN)),
		pipeline.WithContextDiscoverer(llm.NewContextDiscoverer(chat)),
		pipeline.WithTracer(tracer),
	)
	return &engineEnv{Store: st, Chat: chat, Engine: eng, shutdown: shutdown}, nil
}

// resolveWorkflow returns the config version to run. Version 0 means the
// active config; when none exists yet the one built from settings is
// stored and activated.
func resolveWorkflow(ctx context.Context, st store.Store, version int) (*model.WorkflowConfig, error) {
	if version > 0 {
		wf, err := st.GetWorkflowConfig(ctx, version)
		if err != nil {
			return nil, eris.Wrapf(err, "workflow config v%d", version)
		}
		return wf, nil
	}

	wf, err := st.GetActiveWorkflowConfig(ctx)
	if err == nil {
		return wf, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, eris.Wrap(err, "active workflow config")
	}

	built, err := config.BuildWorkflow(fsys, cfg.Workflow)
	if err != nil {
		return nil, err
	}
	wf, err = st.CreateWorkflowConfig(ctx, built, true)
	if err != nil {
		return nil, eris.Wrap(err, "store initial workflow config")
	}
	zap.L().Info("initial workflow config stored", zap.Int("version", wf.Version))
	return wf, nil
}

// newFetcher builds the document fetch chain: a direct HTTP fetch, then
// the Jina reader when enabled.
func newFetcher(fc config.FetchConfig) fetcher.Fetcher {
	direct := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:   fc.UserAgent,
		Timeout:     time.Duration(fc.TimeoutSecs) * time.Second,
		MaxBytes:    fc.MaxBytes,
		RatePerHost: fc.RatePerHost,
	})
	if !fc.ReaderOnFail {
		return fetcher.NewChain(direct)
	}
	var opts []jina.Option
	if fc.ReaderURL != "" {
		opts = append(opts, jina.WithBaseURL(fc.ReaderURL))
	}
	return fetcher.NewChain(direct, fetcher.NewReaderFetcher(jina.NewClient(fc.ReaderKey, opts...)))
}
