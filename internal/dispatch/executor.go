package dispatch

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/spendpilot/spendpilot/internal/agents"
	"github.com/spendpilot/spendpilot/internal/model"
)

// Executor runs one decoded job.
type Executor interface {
	Execute(ctx context.Context, runID uuid.UUID, job model.Job) (agents.Result, error)
}

// Agents routes each job variant to its agent.
type Agents struct {
	Ingestor  *agents.Ingestor
	Extractor *agents.Extractor
	Resolver  *agents.Resolver
	Uploader  *agents.Uploader
	Optimizer *agents.Optimizer
}

// Execute implements Executor.
func (a *Agents) Execute(ctx context.Context, runID uuid.UUID, job model.Job) (agents.Result, error) {
	switch j := job.(type) {
	case model.IngestJob:
		return a.Ingestor.Ingest(ctx, runID, j.Platform, j.Window)
	case model.ExtractJob:
		return a.Extractor.Extract(ctx, j.Window)
	case model.ResolveJob:
		return a.Resolver.Resolve(ctx, runID, j.Window)
	case model.UploadJob:
		return a.Uploader.Upload(ctx, j.Window, j.Dry)
	case model.OptimizeJob:
		return a.Optimizer.Optimize(ctx, runID, j.Window, j.Dry)
	default:
		return agents.Result{}, fmt.Errorf("%w: %T", model.ErrUnknownAgent, job)
	}
}
