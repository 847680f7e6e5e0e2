package results

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-scriptlets/api/schemas"
)

// PipelineConfig carries the optional collaborators of the pipeline.
type PipelineConfig struct {
	Describer Describer
}

// EventSource loads the events of a run.
type EventSource interface {
	GetEventsByRunID(ctx context.Context, runID string) ([]schemas.InterceptionEvent, error)
}

// RunPipeline normalizes, enriches and summarizes the events of one run.
func RunPipeline(ctx context.Context, runID string, events []schemas.InterceptionEvent, config PipelineConfig) (*Report, error) {
	normalized := make([]NormalizedEvent, 0, len(events))
	for _, e := range events {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("pipeline cancelled during normalization: %w", ctx.Err())
		default:
			normalized = append(normalized, Normalize(e))
		}
	}

	enriched, err := Enrich(ctx, normalized, config.Describer)
	if err != nil {
		return nil, fmt.Errorf("error enriching events: %w", err)
	}

	return GenerateReport(runID, enriched), nil
}

// Pipeline builds reports from persisted runs.
type Pipeline struct {
	source EventSource
	config PipelineConfig
	logger *zap.Logger
}

// NewPipeline creates a pipeline reading from source.
func NewPipeline(source EventSource, config PipelineConfig, logger *zap.Logger) *Pipeline {
	return &Pipeline{source: source, config: config, logger: logger.Named("results")}
}

// ProcessRunResults loads and reports on a persisted run.
func (p *Pipeline) ProcessRunResults(ctx context.Context, runID string) (*Report, error) {
	events, err := p.source.GetEventsByRunID(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load events for run %s: %w", runID, err)
	}
	p.logger.Debug("Loaded run events", zap.String("run_id", runID), zap.Int("events", len(events)))
	return RunPipeline(ctx, runID, events, p.config)
}
