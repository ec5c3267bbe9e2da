package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/mohitkumar/fleetrules/action"
	"github.com/mohitkumar/fleetrules/engine"
	"github.com/mohitkumar/fleetrules/logger"
	"github.com/mohitkumar/fleetrules/metadata"
	"github.com/mohitkumar/fleetrules/model"
	"github.com/mohitkumar/fleetrules/persistence"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Submitter queues events for background handling. *engine.Dispatcher
// implements it.
type Submitter interface {
	Submit(evt model.Event) error
}

var _ Submitter = new(engine.Dispatcher)

type ServerConfig struct {
	Port            int
	MetadataService metadata.MetadataService
	Handler         engine.Handler
	// Submitter is optional; without it events are always handled inline.
	Submitter  Submitter
	Executions persistence.ExecutionStorage
	Actions    *action.Executor
	// Gatherer is optional; without it /metrics is not routed.
	Gatherer prometheus.Gatherer
}

type Server struct {
	http.Server
	Port            int
	metadataService metadata.MetadataService
	handler         engine.Handler
	submitter       Submitter
	executions      persistence.ExecutionStorage
	actions         *action.Executor
}

func NewServer(conf ServerConfig) (*Server, error) {
	if conf.MetadataService == nil || conf.Handler == nil || conf.Executions == nil {
		return nil, fmt.Errorf("http server needs a metadata service, an event handler and an execution storage")
	}
	s := &Server{
		Server: http.Server{
			Addr:        fmt.Sprintf(":%d", conf.Port),
			IdleTimeout: 2 * time.Second,
		},
		Port:            conf.Port,
		metadataService: conf.MetadataService,
		handler:         conf.Handler,
		submitter:       conf.Submitter,
		executions:      conf.Executions,
		actions:         conf.Actions,
	}

	router := mux.NewRouter()
	router.HandleFunc("/events", s.HandleEvent).Methods(http.MethodPost)

	router.HandleFunc("/workflows", s.HandleCreateWorkflow).Methods(http.MethodPost)
	router.HandleFunc("/workflows", s.HandleListWorkflows).Methods(http.MethodGet)
	router.HandleFunc("/workflows/{id:[0-9]+}", s.HandleGetWorkflow).Methods(http.MethodGet)
	router.HandleFunc("/workflows/{id:[0-9]+}", s.HandleUpdateWorkflow).Methods(http.MethodPut)
	router.HandleFunc("/workflows/{id:[0-9]+}", s.HandleDeleteWorkflow).Methods(http.MethodDelete)
	router.HandleFunc("/workflows/{id:[0-9]+}/executions", s.HandleListWorkflowExecutions).Methods(http.MethodGet)

	router.HandleFunc("/actions", s.HandleListActionTypes).Methods(http.MethodGet)

	router.HandleFunc("/executions", s.HandleListExecutions).Methods(http.MethodGet)
	router.HandleFunc("/executions/{id}", s.HandleGetExecution).Methods(http.MethodGet)

	if conf.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(conf.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	router.Use(loggingMiddleware)
	s.Handler = router
	return s, nil
}

func (s *Server) Start() error {
	logger.Info("starting http server on", zap.Int("port", s.Port))
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop() error {
	logger.Info("stopping http server")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := s.Shutdown(ctx)
	if err != nil {
		logger.Error("error shutting down http server", zap.Error(err))
	}
	return nil
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("http request", zap.String("method", r.Method), zap.String("uri", r.RequestURI))
		next.ServeHTTP(w, r)
	})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, _ := json.Marshal(payload)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondOKWithoutBody(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

// respondWithStorageError maps service and storage errors onto status codes.
func respondWithStorageError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		respondWithError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, metadata.ErrInvalidWorkflow):
		respondWithError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, persistence.ErrExecutionFinalized):
		respondWithError(w, http.StatusConflict, err.Error())
	default:
		respondWithError(w, http.StatusInternalServerError, "error in storage layer")
	}
}

func decode(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
