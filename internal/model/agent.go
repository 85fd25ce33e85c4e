package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Agent names on the wire.
const (
	AgentIngestorPrefix      = "ingestor-"
	AgentTouchpointExtractor = "touchpoint-extractor"
	AgentAttributionResolver = "attribution-resolver"
	AgentConversionUploader  = "conversion-uploader"
	AgentBudgetOptimizer     = "budget-optimizer"
)

// MaxIngestDays caps the number of days one ingestor run may backfill.
const MaxIngestDays = 93

var (
	// ErrUnknownAgent is returned when an agent name is outside the known set.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrInvalidWindow is returned for windows whose start is after their end
	// or whose dates do not parse.
	ErrInvalidWindow = errors.New("invalid window")
)

// Job is one executable agent invocation. The set of implementations is
// closed: IngestJob, ExtractJob, ResolveJob, UploadJob and OptimizeJob.
// Consumers dispatch with an exhaustive type switch.
type Job interface {
	// Agent returns the wire name of the agent.
	Agent() string
	// Bounds returns the requested window (possibly zero).
	Bounds() Window
	// DryRun reports whether external writes are suppressed.
	DryRun() bool

	sealed()
}

// IngestJob pulls daily metrics for one platform.
type IngestJob struct {
	Platform Platform
	Window   Window
}

// ExtractJob derives touchpoints from raw events.
type ExtractJob struct {
	Window Window
}

// ResolveJob attributes conversions to their last touchpoint.
type ResolveJob struct {
	Window Window
}

// UploadJob pushes attributed conversions back to the platforms.
type UploadJob struct {
	Window Window
	Dry    bool
}

// OptimizeJob runs the CAC budget controller.
type OptimizeJob struct {
	Window Window
	Dry    bool
}

func (j IngestJob) Agent() string   { return AgentIngestorPrefix + string(j.Platform) }
func (j ExtractJob) Agent() string  { return AgentTouchpointExtractor }
func (j ResolveJob) Agent() string  { return AgentAttributionResolver }
func (j UploadJob) Agent() string   { return AgentConversionUploader }
func (j OptimizeJob) Agent() string { return AgentBudgetOptimizer }

func (j IngestJob) Bounds() Window   { return j.Window }
func (j ExtractJob) Bounds() Window  { return j.Window }
func (j ResolveJob) Bounds() Window  { return j.Window }
func (j UploadJob) Bounds() Window   { return j.Window }
func (j OptimizeJob) Bounds() Window { return j.Window }

// Ingestion, extraction and resolution only write to the Fact Store, so
// they have no dry-run mode.
func (IngestJob) DryRun() bool     { return false }
func (ExtractJob) DryRun() bool    { return false }
func (ResolveJob) DryRun() bool    { return false }
func (j UploadJob) DryRun() bool   { return j.Dry }
func (j OptimizeJob) DryRun() bool { return j.Dry }

func (IngestJob) sealed()   {}
func (ExtractJob) sealed()  {}
func (ResolveJob) sealed()  {}
func (UploadJob) sealed()   {}
func (OptimizeJob) sealed() {}

// ParseAgent converts a wire agent name into its Job variant. It is the only
// place agent strings are interpreted.
func ParseAgent(name string, window Window, dryRun bool) (Job, error) {
	if err := window.Validate(); err != nil {
		return nil, err
	}
	switch name {
	case AgentTouchpointExtractor:
		return ExtractJob{Window: window}, nil
	case AgentAttributionResolver:
		return ResolveJob{Window: window}, nil
	case AgentConversionUploader:
		return UploadJob{Window: window, Dry: dryRun}, nil
	case AgentBudgetOptimizer:
		return OptimizeJob{Window: window, Dry: dryRun}, nil
	}
	if rest, ok := strings.CutPrefix(name, AgentIngestorPrefix); ok {
		p, err := ParsePlatform(rest)
		if err == nil && string(p) == rest {
			if err := checkIngestWindow(window); err != nil {
				return nil, err
			}
			return IngestJob{Platform: p, Window: window}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, name)
}

// checkIngestWindow bounds ingestor backfills: a start needs an explicit end
// and the window may cover at most MaxIngestDays dates.
func checkIngestWindow(w Window) error {
	if w.Start.IsZero() {
		return nil
	}
	if w.End.IsZero() {
		return fmt.Errorf("%w: an ingestor window with a start needs an end", ErrInvalidWindow)
	}
	if Day(w.End).Sub(Day(w.Start)) >= MaxIngestDays*24*time.Hour {
		return fmt.Errorf("%w: an ingestor window covers at most %d days", ErrInvalidWindow, MaxIngestDays)
	}
	return nil
}

// AgentNames lists every agent name given the configured platforms, in
// operational order: ingestors first, then extractor, resolver, uploader
// and optimizer.
func AgentNames(platforms []Platform) []string {
	names := make([]string, 0, len(platforms)+4)
	for _, p := range platforms {
		names = append(names, AgentIngestorPrefix+string(p))
	}
	return append(names,
		AgentTouchpointExtractor,
		AgentAttributionResolver,
		AgentConversionUploader,
		AgentBudgetOptimizer,
	)
}
