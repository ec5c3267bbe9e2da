package rest

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/mohitkumar/fleetrules/engine"
	"github.com/mohitkumar/fleetrules/logger"
	"github.com/mohitkumar/fleetrules/model"
	"go.uber.org/zap"
)

type eventRequest struct {
	Type     model.EventType `json:"type"`
	TenantID *uuid.UUID      `json:"tenant_id,omitempty"`
	Source   model.EntityRef `json:"source"`
	Payload  map[string]any  `json:"payload"`
}

type eventResponse struct {
	EventID    string             `json:"event_id"`
	Executions []*model.Execution `json:"executions,omitempty"`
}

// HandleEvent ingests one event. With a dispatcher configured it is queued
// and 202 returned; ?mode=sync (or no dispatcher) handles it inline and
// returns the executions it produced. Inline runs outlive a dropped client
// connection so an execution never stops halfway through its actions.
func (s *Server) HandleEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := decode(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "malformed event: "+err.Error())
		return
	}
	evt := model.NewEvent(req.Type, req.TenantID, req.Source, req.Payload)
	if err := evt.Validate(); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.submitter == nil || r.URL.Query().Get("mode") == "sync" {
		execs := s.handler.Handle(context.WithoutCancel(r.Context()), evt)
		respondWithJSON(w, http.StatusOK, eventResponse{EventID: evt.ID, Executions: execs})
		return
	}
	err := s.submitter.Submit(evt)
	switch {
	case err == nil:
		respondWithJSON(w, http.StatusAccepted, eventResponse{EventID: evt.ID})
	case errors.Is(err, engine.ErrQueueFull), errors.Is(err, engine.ErrDispatcherStopped):
		logger.Warn("rejecting event", zap.String("event", evt.ID), zap.String("type", string(evt.Type)), zap.Error(err))
		respondWithError(w, http.StatusServiceUnavailable, err.Error())
	default:
		respondWithError(w, http.StatusBadRequest, err.Error())
	}
}
