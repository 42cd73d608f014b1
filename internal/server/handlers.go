package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tkaneda/queryloop/internal/gateway"
	"github.com/tkaneda/queryloop/internal/repository"
)

type handlers struct {
	deps   Deps
	logger *slog.Logger
}

type resolveRequest struct {
	Query string `json:"query"`
}

// resolveQuery handles POST /v1/query, the live serving path.
func (h *handlers) resolveQuery(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query must not be empty")
		return
	}

	resp, err := h.deps.Router.Resolve(r.Context(), req.Query)
	if err != nil {
		h.writeGatewayError(w, "resolve", err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

type groupResponse struct {
	ID                  uuid.UUID  `json:"id"`
	CanonicalIdentifier string     `json:"canonical_identifier"`
	PromotedAt          *time.Time `json:"promoted_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

func toGroupResponse(g *repository.QueryGroup) groupResponse {
	return groupResponse{
		ID:                  g.ID,
		CanonicalIdentifier: g.CanonicalIdentifier,
		PromotedAt:          g.PromotedAt,
		CreatedAt:           g.CreatedAt,
		UpdatedAt:           g.UpdatedAt,
	}
}

// listGroups handles GET /v1/groups with limit/offset pagination.
func (h *handlers) listGroups(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	groups, total, err := h.deps.Repo.ListGroups(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list groups")
		return
	}

	out := make([]groupResponse, len(groups))
	for i, g := range groups {
		out[i] = toGroupResponse(g)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"groups": out,
		"total":  total,
	})
}

// getGroup handles GET /v1/groups/{groupID}.
func (h *handlers) getGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "groupID")
	if !ok {
		return
	}

	group, err := h.deps.Repo.GetGroup(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "group not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load group")
		return
	}

	writeJSON(w, http.StatusOK, toGroupResponse(group))
}

type queryResponse struct {
	ID          uuid.UUID            `json:"id"`
	Content     string               `json:"content"`
	Domain      repository.Domain    `json:"domain"`
	Expectation repository.ReplyType `json:"expectation"`
	CreatedAt   time.Time            `json:"created_at"`
	Amplitude   *float64             `json:"amplitude,omitempty"`
}

// listGroupQueries handles GET /v1/groups/{groupID}/queries, returning each
// variation with its amplitude when evaluated.
func (h *handlers) listGroupQueries(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "groupID")
	if !ok {
		return
	}

	if _, err := h.deps.Repo.GetGroup(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "group not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load group")
		return
	}

	queries, err := h.deps.Repo.ListQueries(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list queries")
		return
	}

	out := make([]queryResponse, len(queries))
	for i, q := range queries {
		out[i] = queryResponse{
			ID:          q.ID,
			Content:     q.Content,
			Domain:      q.Domain,
			Expectation: q.Expectation,
			CreatedAt:   q.CreatedAt,
		}
		ev, err := h.deps.Repo.GetEvaluation(r.Context(), q.ID)
		switch {
		case err == nil:
			out[i].Amplitude = &ev.Amplitude
		case errors.Is(err, repository.ErrNotFound):
			// Unevaluated; amplitude stays absent.
		default:
			writeError(w, http.StatusInternalServerError, "failed to load evaluation")
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"queries": out})
}

// runCycle handles POST /v1/groups/{groupID}/cycle, the manual trigger for
// one explore/evaluate/promote cycle.
func (h *handlers) runCycle(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "groupID")
	if !ok {
		return
	}

	group, err := h.deps.Repo.GetGroup(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "group not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load group")
		return
	}

	result, err := h.deps.Engine.RunCycle(r.Context(), group)
	if err != nil {
		h.writeGatewayError(w, "cycle", err)
		return
	}

	// The promotion may have changed the best performer.
	h.deps.Router.InvalidateGroup(id)

	writeJSON(w, http.StatusOK, map[string]any{
		"group":     toGroupResponse(result.Group),
		"query_id":  result.Query.ID,
		"content":   result.Query.Content,
		"amplitude": result.Evaluation.Amplitude,
	})
}

// deleteEvaluation handles DELETE /v1/queries/{queryID}/evaluation so a
// query can be re-scored.
func (h *handlers) deleteEvaluation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "queryID")
	if !ok {
		return
	}

	q, err := h.deps.Repo.GetQuery(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "query not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load query")
		return
	}

	if err := h.deps.Repo.DeleteEvaluation(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "query has no evaluation")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete evaluation")
		return
	}

	h.deps.Router.InvalidateGroup(q.GroupID)
	w.WriteHeader(http.StatusNoContent)
}

type tokenRequest struct {
	ClientName string `json:"client_name"`
}

// issueToken handles POST /v1/auth/token, minting a bearer token for a
// named client.
func (h *handlers) issueToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ClientName == "" {
		writeError(w, http.StatusBadRequest, "client_name must not be empty")
		return
	}

	token, err := h.deps.JWTManager.GenerateToken(req.ClientName)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// writeGatewayError maps gateway failures to HTTP statuses: timeouts to 504,
// other gateway failures to 502, everything else to 500.
func (h *handlers) writeGatewayError(w http.ResponseWriter, op string, err error) {
	h.logger.Error("request failed", "op", op, "error", err)

	switch {
	case gateway.IsTimeout(err):
		writeError(w, http.StatusGatewayTimeout, "upstream gateway timed out")
	case isCallError(err):
		writeError(w, http.StatusBadGateway, "upstream gateway failed")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func isCallError(err error) bool {
	var ce *gateway.CallError
	return errors.As(err, &ce) || errors.Is(err, gateway.ErrIndexMismatch)
}

func pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+param)
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(r *http.Request, name string, fallback int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
