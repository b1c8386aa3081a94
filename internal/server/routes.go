package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/stratamem/strata/internal/engine"
	"github.com/stratamem/strata/internal/store"
)

// recordJSON is the wire shape of a memory record. Content hash and
// internal timestamps stay server-side.
type recordJSON struct {
	ID           string            `json:"id"`
	Owner        string            `json:"owner"`
	Content      string            `json:"content"`
	Tier         string            `json:"tier"`
	Status       string            `json:"status"`
	Importance   float64           `json:"importance"`
	DecayWeight  float64           `json:"decay_weight"`
	AccessCount  int64             `json:"access_count"`
	Tags         []string          `json:"tags"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    int64             `json:"created_at"`
	LastAccessed int64             `json:"last_accessed"`
}

func toRecordJSON(rec *store.MemoryRecord) recordJSON {
	return recordJSON{
		ID:           rec.ID,
		Owner:        rec.Owner,
		Content:      rec.Content,
		Tier:         rec.Tier,
		Status:       rec.Status,
		Importance:   rec.Importance,
		DecayWeight:  rec.DecayWeight,
		AccessCount:  rec.AccessCount,
		Tags:         rec.Tags,
		Metadata:     rec.Metadata,
		CreatedAt:    rec.CreatedAt,
		LastAccessed: rec.LastAccessed,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the engine error taxonomy to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var verr *engine.ValidationError
	switch {
	case errors.As(err, &verr):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrDimensionMismatch):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrUpstreamUnavailable):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Owner      string            `json:"owner"`
		Content    string            `json:"content"`
		Tags       []string          `json:"tags"`
		Metadata   map[string]string `json:"metadata"`
		Importance *float64          `json:"importance"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	rec, created, err := s.engine.Ingest(r.Context(), engine.IngestRequest{
		Owner:      req.Owner,
		Content:    req.Content,
		Tags:       req.Tags,
		Metadata:   req.Metadata,
		Importance: req.Importance,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{
		"record":  toRecordJSON(rec),
		"created": created,
	})
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.Get(r.Context(), chi.URLParam(r, "recordID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordJSON(rec))
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.Promote(r.Context(), chi.URLParam(r, "recordID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordJSON(rec))
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.Archive(r.Context(), chi.URLParam(r, "recordID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordJSON(rec))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Delete(r.Context(), chi.URLParam(r, "recordID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	req := engine.SearchRequest{
		Query:     q.Get("q"),
		Owner:     q.Get("owner"),
		Summarize: q.Get("summarize") == "true",
	}
	if tiers := q.Get("tiers"); tiers != "" {
		req.Tiers = strings.Split(tiers, ",")
	}
	if tags := q.Get("tags"); tags != "" {
		req.Tags = strings.Split(tags, ",")
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		req.Limit = n
	}
	var err error
	if req.CreatedAfter, err = millisParam(q.Get("created_after")); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "created_after must be unix milliseconds"})
		return
	}
	if req.CreatedBefore, err = millisParam(q.Get("created_before")); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "created_before must be unix milliseconds"})
		return
	}

	result, err := s.engine.Search(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	type entryJSON struct {
		Record  recordJSON `json:"record"`
		Score   float64    `json:"score"`
		Signals []string   `json:"signals"`
	}
	entries := make([]entryJSON, len(result.Entries))
	for i, e := range result.Entries {
		entries[i] = entryJSON{
			Record:  toRecordJSON(&e.Record),
			Score:   e.Score,
			Signals: e.Signals,
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"query":          req.Query,
		"count":          len(entries),
		"results":        entries,
		"partial":        result.Partial,
		"failed_signals": result.FailedSignals,
		"summary":        result.Summary,
		"tokens_used":    result.TokensUsed,
	})
}

func millisParam(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func (s *Server) handleConsolidate(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.RunConsolidationTick(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	type jobJSON struct {
		ID       string `json:"id"`
		Tier     string `json:"tier"`
		Status   string `json:"status"`
		Scanned  int    `json:"scanned"`
		Promoted int    `json:"promoted"`
		Archived int    `json:"archived"`
		Merged   int    `json:"merged"`
		Failed   int    `json:"failed"`
		Error    string `json:"error,omitempty"`
	}
	jobs := make([]jobJSON, len(report.Jobs))
	for i, j := range report.Jobs {
		jobs[i] = jobJSON{
			ID:       j.ID,
			Tier:     j.Tier,
			Status:   j.Status,
			Scanned:  j.Counts.Scanned,
			Promoted: j.Counts.Promoted,
			Archived: j.Counts.Archived,
			Merged:   j.Counts.Merged,
			Failed:   j.Counts.Failed,
			Error:    j.Error,
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":                 jobs,
		"embedded":             report.Embedded,
		"enriched":             report.Enriched,
		"invalidated_entities": report.InvalidatedEntities,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tiers":        st.Tiers,
		"archived":     st.Archived,
		"vectors":      st.Vectors,
		"entities":     st.Entities,
		"edges":        st.Edges,
		"tombstones":   st.Tombstones,
		"dead_letters": st.DeadLetters,
		"keyword_docs": st.KeywordDocs,
		"alias_cache":  map[string]int64{"hits": st.AliasHits, "misses": st.AliasMisses},
		"embed_cache":  map[string]int64{"hits": st.EmbedHits, "misses": st.EmbedMisses},
	})
}
