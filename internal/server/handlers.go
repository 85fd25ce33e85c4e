package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/spendpilot/spendpilot/internal/model"
	"github.com/spendpilot/spendpilot/internal/storage"
)

// Store is the Fact Store surface the handlers read and write.
// *storage.DB satisfies it.
type Store interface {
	Ping(ctx context.Context) error
	ListTickets(ctx context.Context, f model.TicketFilter) ([]model.RunTicket, error)
	ListStaleTickets(ctx context.Context, olderThan time.Duration) ([]model.RunTicket, error)
	InsertRawEvents(ctx context.Context, events []model.RawEvent) (int64, error)
	ListPolicies(ctx context.Context, enabledOnly bool) ([]model.CampaignPolicy, error)
	UpsertPolicies(ctx context.Context, policies []model.CampaignPolicy) error
	KPIs(ctx context.Context, w model.Window) ([]model.KPIRow, error)
	AttributionReport(ctx context.Context, w model.Window) ([]model.AttributionRow, error)
}

// Enqueuer creates run tickets. *dispatch.Dispatcher satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, req model.EnqueueRequest) (model.RunTicket, error)
}

// defaultReportDays is the report window when start is omitted.
const defaultReportDays = 7

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               Store
	enq                 Enqueuer
	platforms           func() []model.Platform
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	staleAfter          time.Duration
	now                 func() time.Time
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	Store               Store
	Enqueuer            Enqueuer
	Platforms           func() []model.Platform
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	StaleAfter          time.Duration
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	platforms := d.Platforms
	if platforms == nil {
		platforms = func() []model.Platform { return nil }
	}
	maxBody := d.MaxRequestBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Handlers{
		store:               d.Store,
		enq:                 d.Enqueuer,
		platforms:           platforms,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: maxBody,
		staleAfter:          d.StaleAfter,
		now:                 time.Now,
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.store.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Postgres: pgStatus,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	})
}

// HandleListAgents handles GET /v1/agents.
func (h *Handlers) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"agents": model.AgentNames(h.platforms()),
	})
}

// HandleRunAgent handles POST /v1/agents/run. The response carries the
// ticket with ok=null; callers poll /v1/runs for the outcome.
func (h *Handlers) HandleRunAgent(w http.ResponseWriter, r *http.Request) {
	var req model.EnqueueRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Agent == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "agent is required")
		return
	}

	ticket, err := h.enq.Enqueue(r.Context(), req)
	switch {
	case errors.Is(err, model.ErrUnknownAgent), errors.Is(err, model.ErrInvalidWindow):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	case err != nil:
		h.writeInternalError(w, r, "failed to enqueue agent", err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, ticket)
}

// HandleListRuns handles GET /v1/runs.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := model.TicketFilter{
		Agent: q.Get("agent"),
		Limit: queryLimit(r, 50),
	}
	if raw := q.Get("run_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run_id: "+raw)
			return
		}
		f.RunID = &id
	}

	tickets, err := h.store.ListTickets(r.Context(), f)
	if err != nil {
		h.writeInternalError(w, r, "failed to list runs", err)
		return
	}
	if tickets == nil {
		tickets = []model.RunTicket{}
	}
	writeJSON(w, r, http.StatusOK, tickets)
}

// HandleStaleRuns handles GET /v1/runs/stale.
func (h *Handlers) HandleStaleRuns(w http.ResponseWriter, r *http.Request) {
	tickets, err := h.store.ListStaleTickets(r.Context(), h.staleAfter)
	if err != nil {
		h.writeInternalError(w, r, "failed to list stale runs", err)
		return
	}
	if tickets == nil {
		tickets = []model.RunTicket{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"stale_after": h.staleAfter.String(),
		"runs":        tickets,
	})
}

// HandleIngestEvents handles POST /v1/events. Events are stored
// idempotently by event_id, so clients may resend a batch.
func (h *Handlers) HandleIngestEvents(w http.ResponseWriter, r *http.Request) {
	var req model.EventsRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	n, err := h.store.InsertRawEvents(r.Context(), req.Events)
	if err != nil {
		h.writeInternalError(w, r, "failed to store events", err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, model.EventsResponse{
		Received: len(req.Events),
		Inserted: int(n),
	})
}

// HandleListPolicies handles GET /v1/policies.
func (h *Handlers) HandleListPolicies(w http.ResponseWriter, r *http.Request) {
	enabledOnly, _ := strconv.ParseBool(r.URL.Query().Get("enabled"))
	policies, err := h.store.ListPolicies(r.Context(), enabledOnly)
	if err != nil {
		h.writeInternalError(w, r, "failed to list policies", err)
		return
	}
	if policies == nil {
		policies = []model.CampaignPolicy{}
	}
	writeJSON(w, r, http.StatusOK, policies)
}

// HandlePutPolicies handles PUT /v1/policies. Every policy is validated
// before any is written; the batch is stored atomically.
func (h *Handlers) HandlePutPolicies(w http.ResponseWriter, r *http.Request) {
	var req model.PoliciesRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if len(req.Policies) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "policies must not be empty")
		return
	}
	for i := range req.Policies {
		p := &req.Policies[i]
		if pl, err := model.ParsePlatform(string(p.Platform)); err == nil {
			p.Platform = pl
		}
		if err := p.Validate(); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, fmt.Sprintf("policies[%d]: %v", i, err))
			return
		}
	}

	if err := h.store.UpsertPolicies(r.Context(), req.Policies); err != nil {
		if errors.Is(err, storage.ErrInvalidPolicy) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
		h.writeInternalError(w, r, "failed to store policies", err)
		return
	}
	h.logger.Info("policies updated",
		"count", len(req.Policies),
		"subject", subjectOf(r))
	writeJSON(w, r, http.StatusOK, map[string]int{"updated": len(req.Policies)})
}

// HandleKPIs handles GET /v1/reports/kpis.
func (h *Handlers) HandleKPIs(w http.ResponseWriter, r *http.Request) {
	win, ok := h.reportWindow(w, r)
	if !ok {
		return
	}
	rows, err := h.store.KPIs(r.Context(), win)
	if err != nil {
		h.writeInternalError(w, r, "failed to build kpi report", err)
		return
	}
	if rows == nil {
		rows = []model.KPIRow{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"window": win, "rows": rows})
}

// HandleAttributionReport handles GET /v1/reports/attribution.
func (h *Handlers) HandleAttributionReport(w http.ResponseWriter, r *http.Request) {
	win, ok := h.reportWindow(w, r)
	if !ok {
		return
	}
	rows, err := h.store.AttributionReport(r.Context(), win)
	if err != nil {
		h.writeInternalError(w, r, "failed to build attribution report", err)
		return
	}
	if rows == nil {
		rows = []model.AttributionRow{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"window": win, "rows": rows})
}

// reportWindow parses ?start=&end= and fills missing bounds with the last
// defaultReportDays days.
func (h *Handlers) reportWindow(w http.ResponseWriter, r *http.Request) (model.Window, bool) {
	q := r.URL.Query()
	win, err := model.ParseWindow(q.Get("start"), q.Get("end"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return model.Window{}, false
	}
	win = win.Resolve(h.now(), defaultReportDays)
	if err := win.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return model.Window{}, false
	}
	return win, true
}

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg,
		"error", err,
		"path", r.URL.Path,
		"request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

func subjectOf(r *http.Request) string {
	if c := ClaimsFromContext(r.Context()); c != nil {
		return c.Subject
	}
	return ""
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = storage.MaxTicketLimit

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}
