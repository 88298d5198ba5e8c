package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/storage"

	"github.com/jackzampolin/docpipe/internal/blob"
	"github.com/jackzampolin/docpipe/internal/classes"
	"github.com/jackzampolin/docpipe/internal/config"
	"github.com/jackzampolin/docpipe/internal/home"
	"github.com/jackzampolin/docpipe/internal/ingest"
	"github.com/jackzampolin/docpipe/internal/intake"
	"github.com/jackzampolin/docpipe/internal/pipeline"
	"github.com/jackzampolin/docpipe/internal/providers"
	"github.com/jackzampolin/docpipe/internal/stages/assess"
	"github.com/jackzampolin/docpipe/internal/stages/classify"
	"github.com/jackzampolin/docpipe/internal/stages/evaluate"
	"github.com/jackzampolin/docpipe/internal/stages/extract"
	"github.com/jackzampolin/docpipe/internal/stages/ocr"
	"github.com/jackzampolin/docpipe/internal/stages/rules"
	"github.com/jackzampolin/docpipe/internal/stages/summarize"
	"github.com/jackzampolin/docpipe/internal/svcctx"
	"github.com/jackzampolin/docpipe/internal/track"
)

// app bundles everything the serve command wires together.
type app struct {
	services *svcctx.Services
	pipeline *pipeline.Pipeline
	cleanup  []func()
}

func (a *app) close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
}

// buildApp assembles stores, providers, stages, and the pipeline from
// configuration.
func buildApp(ctx context.Context, cfg *config.Config, h *home.Dir, logger *slog.Logger) (*app, error) {
	a := &app{}

	blobs, source, err := buildStorage(ctx, cfg, h, a)
	if err != nil {
		return nil, err
	}

	tracker, err := track.NewFileStore(h.TrackingPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open tracking store: %w", err)
	}

	var sink *track.Sink
	if cfg.Analytics.Enabled {
		dir := cfg.Analytics.Dir
		if dir == "" {
			dir = h.AnalyticsPath()
		}
		appender, err := track.NewJSONLAppender(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to open analytics sink: %w", err)
		}
		sink = track.NewSink(track.SinkConfig{Appender: appender, Logger: logger})
		sink.Start(ctx)
		a.cleanup = append(a.cleanup, sink.Stop)
	}

	registry, err := buildProviders(cfg)
	if err != nil {
		return nil, err
	}

	classReg, err := loadClasses(h.ClassesPath())
	if err != nil {
		return nil, err
	}
	if err := classReg.LoadExampleImages(ctx, blobs); err != nil {
		return nil, fmt.Errorf("failed to load class example images: %w", err)
	}
	ruleSet, err := loadRules(h.RulesPath())
	if err != nil {
		return nil, err
	}

	dlq, err := intake.NewDeadLetterStore(h.DeadLetterPath(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open dead-letter store: %w", err)
	}
	queue := intake.NewQueue(
		cfg.Admission.QueueWatermarkHigh,
		cfg.Admission.VisibilityTimeout,
		cfg.Admission.MaxReceives,
		dlq.Handle,
	)
	gate := intake.NewGate(cfg.Admission.MaxInFlight)
	intakeSvc := intake.NewService(tracker, queue, logger)

	stages := buildStages(cfg, blobs, source, registry, classReg, ruleSet, sink, logger)
	pipe := pipeline.New(cfg, blobs, tracker, queue, gate, stages, logger)

	a.services = &svcctx.Services{
		Tracker:  tracker,
		Blobs:    blobs,
		Queue:    queue,
		Gate:     gate,
		Intake:   intakeSvc,
		Registry: registry,
		Classes:  classReg,
		Sink:     sink,
		Home:     h,
		Logger:   logger,
	}
	a.pipeline = pipe
	return a, nil
}

// buildStorage creates the blob store and input source for the configured
// backend.
func buildStorage(ctx context.Context, cfg *config.Config, h *home.Dir, a *app) (blob.Store, ingest.Source, error) {
	switch cfg.Storage.Backend {
	case "", "fs":
		dataDir := cfg.Storage.DataDir
		if dataDir == "" {
			dataDir = h.DataPath()
		}
		store, err := blob.NewFSStore(dataDir)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open fs blob store: %w", err)
		}
		return store, ingest.NewFSSource(), nil

	case "gcs":
		store, err := blob.NewGCSStore(ctx, blob.GCSConfig{
			Bucket: cfg.Storage.GCSBucket,
			Prefix: cfg.Storage.GCSPrefix,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open gcs blob store: %w", err)
		}
		a.cleanup = append(a.cleanup, func() { _ = store.Close() })

		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create gcs client: %w", err)
		}
		a.cleanup = append(a.cleanup, func() { _ = client.Close() })
		return store, ingest.NewGCSSource(client), nil

	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// buildProviders constructs clients for every enabled provider and binds
// them to stages per configuration.
func buildProviders(cfg *config.Config) (*providers.Registry, error) {
	registry := providers.NewRegistry()

	clients := make(map[string]*providers.OpenAIClient)
	for name, pc := range cfg.LLMProviders {
		if !pc.Enabled {
			continue
		}
		if pc.Type != "openai" {
			return nil, fmt.Errorf("unknown llm provider type %q for %s", pc.Type, name)
		}
		clients[name] = providers.NewOpenAIClient(providers.OpenAIConfig{
			APIKey:      config.ResolveEnvVars(pc.APIKey),
			Model:       pc.Model,
			Temperature: pc.Temperature,
			MaxTokens:   pc.MaxTokens,
			RPS:         pc.RateLimit,
			Timeout:     time.Duration(pc.TimeoutSecs) * time.Second,
		})
	}

	if def := cfg.Stages.Default; def != "" {
		c, ok := clients[def]
		if !ok {
			return nil, fmt.Errorf("default provider %q is not an enabled llm provider", def)
		}
		registry.SetDefaultLLM(c)
	}
	for _, stage := range []string{
		providers.StageClassify, providers.StageExtract, providers.StageAssess,
		providers.StageRules, providers.StageSummarize, providers.StageEvaluate,
	} {
		name := cfg.StageBinding(stage)
		if name == "" || name == cfg.Stages.Default {
			continue
		}
		c, ok := clients[name]
		if !ok {
			return nil, fmt.Errorf("stage %s bound to unknown provider %q", stage, name)
		}
		registry.BindLLM(stage, c)
	}

	ocrName := cfg.StageBinding(providers.StageOCR)
	pc, ok := cfg.GetOCRProvider(ocrName)
	if !ok || !pc.Enabled {
		return nil, fmt.Errorf("ocr provider %q is not enabled", ocrName)
	}
	if pc.Type != "openai" {
		return nil, fmt.Errorf("unknown ocr provider type %q", pc.Type)
	}
	registry.BindOCR(providers.StageOCR, providers.NewOpenAIClient(providers.OpenAIConfig{
		APIKey: config.ResolveEnvVars(pc.APIKey),
		Model:  pc.Model,
		RPS:    pc.RateLimit,
	}))

	return registry, nil
}

func loadClasses(dir string) (*classes.Registry, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return classes.NewRegistry(), nil
	}
	reg, err := classes.LoadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load classes from %s: %w", dir, err)
	}
	return reg, nil
}

func loadRules(dir string) ([]*rules.Rule, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, nil
	}
	rs, err := rules.LoadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules from %s: %w", dir, err)
	}
	return rs, nil
}

// buildStages assembles the stage sequence: the ocr/classify/extract core,
// then the optional stages switched on in pipeline.enabled_stages.
func buildStages(
	cfg *config.Config,
	blobs blob.Store,
	source ingest.Source,
	registry *providers.Registry,
	classReg *classes.Registry,
	ruleSet []*rules.Rule,
	sink *track.Sink,
	logger *slog.Logger,
) []pipeline.Stage {
	stages := []pipeline.Stage{
		ocr.New(blobs, source, registry, sink, ocr.Options{
			ContinueOnPageError: cfg.Pipeline.ContinueOnPageError,
		}, logger),
		classify.New(blobs, registry, classReg, sink, classify.Options{
			Method:           cfg.Classification.Method,
			SplitThreshold:   cfg.Classification.SplitThreshold,
			HolisticMaxPages: cfg.Classification.HolisticMaxPages,
			MinConfidence:    cfg.Classification.MinConfidence,
		}, logger),
		extract.New(blobs, registry, classReg, sink, extract.Options{
			Concurrency:            cfg.Extraction.ConcurrencyPerDocument,
			ContinueOnSectionError: cfg.Pipeline.ContinueOnSectionError,
		}, logger),
	}

	if cfg.Pipeline.StageEnabled("assess") {
		stages = append(stages, assess.New(blobs, registry, classReg, sink, assess.Options{}, logger))
	}
	if cfg.Pipeline.StageEnabled("postprocess") && len(ruleSet) > 0 {
		stages = append(stages, rules.New(blobs, registry, sink, rules.Options{
			Rules:                 ruleSet,
			ChunkPages:            cfg.RuleValidation.ChunkPages,
			OverlapFraction:       cfg.RuleValidation.ChunkOverlapFraction,
			RecommendationOptions: cfg.RuleValidation.RecommendationOptions,
		}, logger))
	}
	if cfg.Pipeline.StageEnabled("summarize") {
		stages = append(stages, summarize.New(blobs, registry, sink, summarize.Options{}, logger))
	}
	if cfg.Pipeline.StageEnabled("evaluate") && cfg.Evaluation.GroundTruthDir != "" {
		stages = append(stages, evaluate.New(blobs, registry, classReg, evaluate.Options{
			GroundTruthDir: cfg.Evaluation.GroundTruthDir,
		}, logger))
	}
	return stages
}
