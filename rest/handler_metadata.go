package rest

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/mohitkumar/fleetrules/logger"
	"github.com/mohitkumar/fleetrules/model"
)

func workflowID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id, err == nil
}

func (s *Server) HandleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf model.Workflow
	if err := decode(r, &wf); err != nil {
		respondWithError(w, http.StatusBadRequest, "malformed workflow: "+err.Error())
		return
	}
	wf.ID = 0
	saved, err := s.metadataService.SaveWorkflow(r.Context(), wf)
	if err != nil {
		logger.Error("error creating workflow", zap.String("name", wf.Name), zap.Error(err))
		respondWithStorageError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, saved)
}

func (s *Server) HandleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := workflowID(r)
	if !ok {
		respondWithError(w, http.StatusBadRequest, "invalid workflow id")
		return
	}
	var wf model.Workflow
	if err := decode(r, &wf); err != nil {
		respondWithError(w, http.StatusBadRequest, "malformed workflow: "+err.Error())
		return
	}
	wf.ID = id
	saved, err := s.metadataService.SaveWorkflow(r.Context(), wf)
	if err != nil {
		logger.Error("error updating workflow", zap.Int64("workflow", id), zap.Error(err))
		respondWithStorageError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, saved)
}

func (s *Server) HandleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := workflowID(r)
	if !ok {
		respondWithError(w, http.StatusBadRequest, "invalid workflow id")
		return
	}
	wf, err := s.metadataService.GetWorkflow(r.Context(), id)
	if err != nil {
		logger.Info("workflow does not exist", zap.Int64("workflow", id))
		respondWithStorageError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, wf)
}

func (s *Server) HandleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := workflowID(r)
	if !ok {
		respondWithError(w, http.StatusBadRequest, "invalid workflow id")
		return
	}
	if err := s.metadataService.DeleteWorkflow(r.Context(), id); err != nil {
		respondWithStorageError(w, err)
		return
	}
	respondOKWithoutBody(w)
}

// HandleListWorkflows lists live workflows, optionally for one ?tenant_id.
func (s *Server) HandleListWorkflows(w http.ResponseWriter, r *http.Request) {
	var tenant *uuid.UUID
	if raw := r.URL.Query().Get("tenant_id"); len(raw) > 0 {
		t, err := uuid.Parse(raw)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "invalid tenant_id")
			return
		}
		tenant = &t
	}
	workflows, err := s.metadataService.ListWorkflows(r.Context(), tenant)
	if err != nil {
		respondWithStorageError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, workflows)
}
