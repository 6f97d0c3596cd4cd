package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/doc-indexer/internal/clock"
	"github.com/fairyhunter13/doc-indexer/internal/domain"
	"github.com/fairyhunter13/doc-indexer/internal/retrieval"
	"github.com/fairyhunter13/doc-indexer/internal/tokens"
	"github.com/fairyhunter13/doc-indexer/internal/usecase"
)

// readinessProbeTimeout bounds each collaborator check during readyz.
const readinessProbeTimeout = 2 * time.Second

// Probe is one readiness check against a collaborator.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// Server bundles the usecase services behind the HTTP surface.
type Server struct {
	Ingest  usecase.IngestService
	Status  usecase.StatusService
	Cancel  usecase.CancelService
	Retry   usecase.RetryService
	Reindex usecase.ReindexService
	DLQ     usecase.DLQAdminService
	Stats   usecase.StatsService
	Search  *retrieval.Retriever
	Tokens  *tokens.Estimator
	Probes  []Probe
}

// Mount registers the read-only routes: status, DLQ views, stats and
// health probes.
func (s *Server) Mount(r chi.Router) {
	r.Get("/jobs/{id}", s.handleStatus)
	r.Get("/dlq", s.handleDLQList)
	r.Get("/dlq/trends", s.handleDLQTrends)
	r.Get("/queue/stats", s.handleQueueStats)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
}

// MountMutating registers the state-changing and costly routes so the
// router can rate limit them as a group. Query sits here because every
// semantic search spends an embedding call.
func (s *Server) MountMutating(r chi.Router) {
	r.Post("/ingest", s.handleIngest)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	r.Post("/jobs/{id}/retry", s.handleRetry)
	r.Post("/reindex-all", s.handleReindex)
	r.Post("/dlq/{id}/resolve", s.handleDLQResolve)
	r.Post("/query", s.handleQuery)
}

type ingestRequest struct {
	ProjectID    string `json:"project_id" validate:"required"`
	FileID       string `json:"file_id" validate:"required"`
	ChunkSize    int    `json:"chunk_size,omitempty" validate:"omitempty,min=1"`
	ChunkOverlap int    `json:"chunk_overlap,omitempty" validate:"omitempty,min=0"`
	ForceOCR     bool   `json:"force_ocr,omitempty"`
}

type ingestResponse struct {
	JobID              string `json:"job_id"`
	QueuePosition      int64  `json:"queue_position"`
	EstimatedStartTime string `json:"estimated_start_time"`
	IngestID           string `json:"ingest_id"`
}

type duplicateIngestResponse struct {
	Code  string `json:"code"`
	JobID string `json:"job_id"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	ingestID := r.Header.Get("X-Ingest-Id")
	if verrs := ValidateID("X-Ingest-Id", ingestID); verrs != nil {
		writeError(w, r, domain.ErrInvalidArgument, verrs)
		return
	}
	var body ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, domain.ErrInvalidArgument, "malformed JSON body")
		return
	}
	if verrs := ValidateStruct(body); verrs != nil {
		writeError(w, r, domain.ErrInvalidArgument, verrs)
		return
	}

	res, err := s.Ingest.Ingest(r.Context(), usecase.IngestRequest{
		IngestID:     ingestID,
		ProjectID:    body.ProjectID,
		FileID:       body.FileID,
		ChunkSize:    body.ChunkSize,
		ChunkOverlap: body.ChunkOverlap,
		ForceOCR:     body.ForceOCR,
		Priority:     domain.Priority(r.Header.Get("X-Priority")),
	})
	if errors.Is(err, domain.ErrDuplicateIngest) {
		writeJSON(w, http.StatusConflict, duplicateIngestResponse{Code: "DUPLICATE_INGEST", JobID: res.JobID})
		return
	}
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	LoggerFrom(r).Info("ingest accepted",
		slog.String("job_id", res.JobID),
		slog.String("ingest_id", res.IngestID))
	writeJSON(w, http.StatusAccepted, ingestResponse{
		JobID:              res.JobID,
		QueuePosition:      res.QueuePosition,
		EstimatedStartTime: clock.FormatTime(res.EstimatedStartTime),
		IngestID:           res.IngestID,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if verrs := ValidateID("id", jobID); verrs != nil {
		writeError(w, r, domain.ErrInvalidArgument, verrs)
		return
	}
	st, err := s.Status.Status(r.Context(), jobID)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if verrs := ValidateID("id", jobID); verrs != nil {
		writeError(w, r, domain.ErrInvalidArgument, verrs)
		return
	}
	reason := r.URL.Query().Get("reason")
	requestedBy := r.Header.Get("X-Requested-By")

	res, err := s.Cancel.Cancel(r.Context(), jobID, reason, requestedBy)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if verrs := ValidateID("id", jobID); verrs != nil {
		writeError(w, r, domain.ErrInvalidArgument, verrs)
		return
	}
	q := r.URL.Query()

	var maxRetries *int
	if n, verrs := ParseIntParam("max_retries", q.Get("max_retries"), 100); verrs != nil {
		writeError(w, r, domain.ErrInvalidArgument, verrs)
		return
	} else if q.Get("max_retries") != "" {
		maxRetries = &n
	}
	var delay *time.Duration
	if n, verrs := ParseIntParam("delay_seconds", q.Get("delay_seconds"), 86400); verrs != nil {
		writeError(w, r, domain.ErrInvalidArgument, verrs)
		return
	} else if q.Get("delay_seconds") != "" {
		d := time.Duration(n) * time.Second
		delay = &d
	}

	res, err := s.Retry.Retry(r.Context(), jobID, maxRetries, delay)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	if res.SentToDLQ {
		writeJSON(w, http.StatusOK, map[string]any{
			"retry_job_id": nil,
			"sent_to_dlq":  true,
			"dlq_entry":    dlqEntryView(*res.DLQEntry),
		})
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

type reindexRequest struct {
	ProjectID       string `json:"project_id" validate:"required"`
	NewEmbedVersion string `json:"new_embed_version" validate:"required,startswith=v"`
	BatchSize       int    `json:"batch_size,omitempty" validate:"omitempty,min=1,max=1000"`
}

func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request) {
	var body reindexRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, domain.ErrInvalidArgument, "malformed JSON body")
		return
	}
	if verrs := ValidateStruct(body); verrs != nil {
		writeError(w, r, domain.ErrInvalidArgument, verrs)
		return
	}
	res, err := s.Reindex.Reindex(r.Context(), usecase.ReindexRequest{
		ProjectID:       body.ProjectID,
		NewEmbedVersion: body.NewEmbedVersion,
		BatchSize:       body.BatchSize,
	})
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

type dlqEntryDTO struct {
	ID           string              `json:"id"`
	JobID        string              `json:"job_id"`
	IngestID     string              `json:"ingest_id"`
	ProjectID    string              `json:"project_id"`
	LastStep     string              `json:"last_step,omitempty"`
	ErrorKind    string              `json:"error_kind"`
	ErrorMessage string              `json:"error_message,omitempty"`
	AttemptCount int                 `json:"attempt_count"`
	FailedAt     string              `json:"failed_at"`
	TraceID      string              `json:"trace_id,omitempty"`
	Analysis     *domain.DLQAnalysis `json:"analysis,omitempty"`
	ResolvedAt   *string             `json:"resolved_at,omitempty"`
	ResolvedBy   string              `json:"resolved_by,omitempty"`
	Notes        string              `json:"notes,omitempty"`
}

func dlqEntryView(e domain.DLQEntry) dlqEntryDTO {
	dto := dlqEntryDTO{
		ID:           e.ID,
		JobID:        e.JobID,
		IngestID:     e.IngestID,
		ProjectID:    e.ProjectID,
		LastStep:     e.LastStep,
		ErrorKind:    string(e.ErrorKind),
		ErrorMessage: e.ErrorMessage,
		AttemptCount: e.AttemptCount,
		FailedAt:     clock.FormatTime(e.FailedAt),
		TraceID:      e.TraceID,
		Analysis:     e.Analysis,
		ResolvedBy:   e.ResolvedBy,
		Notes:        e.Notes,
	}
	if e.ResolvedAt != nil {
		v := clock.FormatTime(*e.ResolvedAt)
		dto.ResolvedAt = &v
	}
	return dto
}

func (s *Server) handleDLQList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, verrs := ParseIntParam("limit", q.Get("limit"), 500)
	if verrs != nil {
		writeError(w, r, domain.ErrInvalidArgument, verrs)
		return
	}
	entries, err := s.DLQ.List(r.Context(), limit, q.Get("error_type_filter"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	out := make([]dlqEntryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, dlqEntryView(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out, "count": len(out)})
}

func (s *Server) handleDLQTrends(w http.ResponseWriter, r *http.Request) {
	days, verrs := ParseIntParam("days", r.URL.Query().Get("days"), 365)
	if verrs != nil {
		writeError(w, r, domain.ErrInvalidArgument, verrs)
		return
	}
	report, err := s.DLQ.Trends(r.Context(), days)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type dlqResolveRequest struct {
	Notes      string `json:"notes"`
	ResolvedBy string `json:"resolved_by"`
}

func (s *Server) handleDLQResolve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if verrs := ValidateID("id", id); verrs != nil {
		writeError(w, r, domain.ErrInvalidArgument, verrs)
		return
	}
	var body dlqResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, domain.ErrInvalidArgument, "malformed JSON body")
		return
	}
	if err := s.DLQ.Resolve(r.Context(), id, body.ResolvedBy, body.Notes); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"resolved": true})
}

type queryRequest struct {
	ProjectID        string `json:"project_id" validate:"required"`
	Query            string `json:"query" validate:"required"`
	Mode             string `json:"mode,omitempty" validate:"omitempty,oneof=semantic keyword hybrid metadata"`
	Limit            int    `json:"limit,omitempty" validate:"omitempty,min=1,max=50"`
	ContextType      string `json:"context_type,omitempty"`
	MaxContextTokens int    `json:"max_context_tokens,omitempty" validate:"omitempty,min=256,max=32768"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if s.Search == nil || s.Tokens == nil {
		writeError(w, r, domain.ErrInternal, "search is not configured")
		return
	}
	var body queryRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, domain.ErrInvalidArgument, "malformed JSON body")
		return
	}
	if verrs := ValidateStruct(body); verrs != nil {
		writeError(w, r, domain.ErrInvalidArgument, verrs)
		return
	}
	limit := body.Limit
	if limit == 0 {
		limit = 8
	}
	filter := map[string]any{"project_id": body.ProjectID}

	var (
		results []retrieval.SearchResult
		err     error
	)
	switch body.Mode {
	case "semantic":
		results, err = s.Search.Semantic(r.Context(), body.Query, limit, filter)
	case "keyword":
		results, err = s.Search.Keyword(r.Context(), body.Query, limit, filter)
	case "metadata":
		results, err = s.Search.MetadataOnly(r.Context(), body.Query, filter, limit)
	default:
		results, err = s.Search.Hybrid(r.Context(), body.Query, limit, filter)
	}
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	if results == nil {
		results = []retrieval.SearchResult{}
	}

	resp := map[string]any{"results": results, "count": len(results)}
	if body.MaxContextTokens > 0 {
		contextType := body.ContextType
		if contextType == "" {
			contextType = retrieval.ContextMixed
		}
		text, err := retrieval.NewBuilder(s.Tokens, body.ProjectID).Build(results, body.MaxContextTokens, contextType)
		if err != nil {
			writeError(w, r, domain.ErrInvalidArgument, err.Error())
			return
		}
		resp["context"] = text
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Stats.Stats(r.Context())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	failures := map[string]string{}
	for _, p := range s.Probes {
		ctx, cancel := context.WithTimeout(r.Context(), readinessProbeTimeout)
		err := p.Check(ctx)
		cancel()
		if err != nil {
			failures[p.Name] = err.Error()
		}
	}
	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failures": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
