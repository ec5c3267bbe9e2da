package rest

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/mohitkumar/fleetrules/logger"
	"github.com/mohitkumar/fleetrules/model"
	"github.com/mohitkumar/fleetrules/persistence"
	"go.uber.org/zap"
)

type badQuery string

func (e badQuery) Error() string {
	return string(e)
}

// parseFilter reads workflow_id, tenant_id, status, from, to (RFC 3339),
// limit and offset.
func parseFilter(q url.Values) (persistence.ExecutionFilter, error) {
	var f persistence.ExecutionFilter
	if raw := q.Get("workflow_id"); len(raw) > 0 {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return f, badQuery("invalid workflow_id")
		}
		f.WorkflowID = &id
	}
	if raw := q.Get("tenant_id"); len(raw) > 0 {
		t, err := uuid.Parse(raw)
		if err != nil {
			return f, badQuery("invalid tenant_id")
		}
		f.TenantID = &t
	}
	if raw := q.Get("status"); len(raw) > 0 {
		f.Status = model.ExecutionStatus(raw)
		if !f.Status.Valid() {
			return f, badQuery("invalid status")
		}
	}
	for name, dst := range map[string]**time.Time{"from": &f.From, "to": &f.To} {
		raw := q.Get(name)
		if len(raw) == 0 {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return f, badQuery("invalid " + name)
		}
		t = t.UTC()
		*dst = &t
	}
	for name, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		raw := q.Get(name)
		if len(raw) == 0 {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return f, badQuery("invalid " + name)
		}
		*dst = n
	}
	return f.Normalize(), nil
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request, filter persistence.ExecutionFilter) {
	execs, err := s.executions.List(r.Context(), filter)
	if err != nil {
		logger.Error("error listing executions", zap.Error(err))
		respondWithStorageError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"executions": execs,
		"limit":      filter.Limit,
		"offset":     filter.Offset,
	})
}

func (s *Server) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r.URL.Query())
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.listExecutions(w, r, filter)
}

func (s *Server) HandleListWorkflowExecutions(w http.ResponseWriter, r *http.Request) {
	id, ok := workflowID(r)
	if !ok {
		respondWithError(w, http.StatusBadRequest, "invalid workflow id")
		return
	}
	filter, err := parseFilter(r.URL.Query())
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter.WorkflowID = &id
	s.listExecutions(w, r, filter)
}

func (s *Server) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	exec, err := s.executions.Get(r.Context(), id)
	if err != nil {
		logger.Info("execution not found", zap.String("execution", id), zap.Error(err))
		respondWithStorageError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, exec)
}
