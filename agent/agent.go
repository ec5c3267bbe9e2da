package agent

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/mohitkumar/fleetrules/action"
	"github.com/mohitkumar/fleetrules/analytics"
	"github.com/mohitkumar/fleetrules/condition"
	"github.com/mohitkumar/fleetrules/config"
	"github.com/mohitkumar/fleetrules/engine"
	"github.com/mohitkumar/fleetrules/logger"
	"github.com/mohitkumar/fleetrules/metadata"
	"github.com/mohitkumar/fleetrules/persistence"
	"github.com/mohitkumar/fleetrules/persistence/memory"
	"github.com/mohitkumar/fleetrules/persistence/postgres"
	"github.com/mohitkumar/fleetrules/persistence/redis"
	"github.com/mohitkumar/fleetrules/resolver"
	"github.com/mohitkumar/fleetrules/rest"
	"github.com/mohitkumar/fleetrules/trigger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// EntityStore is the platform persistence layer: reads for field resolution
// and writes for update_field actions.
type EntityStore interface {
	resolver.EntityLookup
	action.EntityWriter
}

// Collaborators are the platform services the engine talks to. Nil members
// fall back to in-memory implementations (and a real HTTP webhook client).
type Collaborators struct {
	Entities  EntityStore
	Geofences condition.GeofenceLookup
	Alerts    action.AlertService
	Webhooks  action.WebhookClient
}

type Agent struct {
	Config          config.Config
	collaborators   Collaborators
	registry        *prometheus.Registry
	collector       analytics.WorkflowDataCollector
	workflows       metadata.WorkflowStorage
	executions      persistence.ExecutionStorage
	metadataService *metadata.MetadataServiceImpl
	executor        *action.Executor
	engine          *engine.Engine
	dispatcher      *engine.Dispatcher
	reaper          *engine.Reaper
	httpServer      *rest.Server
	closers         []func() error
	shutdown        bool
	shutdownLock    sync.Mutex
	wg              sync.WaitGroup
}

func New(conf config.Config, collaborators Collaborators) (*Agent, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	a := &Agent{
		Config:        conf,
		collaborators: collaborators,
	}
	setup := []func() error{
		a.setupCollaborators,
		a.setupAnalytics,
		a.setupStorage,
		a.setupEngine,
		a.setupDispatcher,
		a.setupReaper,
		a.setupHttpServer,
	}
	for _, fn := range setup {
		if err := fn(); err != nil {
			a.close()
			return nil, err
		}
	}
	return a, nil
}

func (a *Agent) setupCollaborators() error {
	if a.collaborators.Entities == nil {
		a.collaborators.Entities = resolver.NewStaticLookup()
	}
	if a.collaborators.Geofences == nil {
		a.collaborators.Geofences = condition.NewStaticGeofences()
	}
	if a.collaborators.Alerts == nil {
		a.collaborators.Alerts = action.NewMemoryAlertService()
	}
	if a.collaborators.Webhooks == nil {
		a.collaborators.Webhooks = action.NewHTTPWebhookClient(a.Config.WebhookConfig)
	}
	return nil
}

func (a *Agent) setupAnalytics() error {
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector, err := analytics.InitDataCollector(a.Config.AnalyticsConfig, a.registry)
	if err != nil {
		return err
	}
	if s, ok := collector.(interface{ Sync() error }); ok {
		a.closers = append(a.closers, s.Sync)
	}
	a.collector = collector
	return nil
}

func (a *Agent) setupStorage() error {
	switch a.Config.StorageType {
	case config.STORAGE_TYPE_INMEM:
		a.workflows = memory.NewWorkflowStorage()
		a.executions = memory.NewExecutionStorage()
	case config.STORAGE_TYPE_REDIS:
		workflows := redis.NewRedisWorkflowStorage(a.Config.RedisConfig)
		executions := redis.NewRedisExecutionStorage(a.Config.RedisConfig)
		a.closers = append(a.closers, workflows.Close, executions.Close)
		if err := executions.Ping(context.Background()); err != nil {
			return err
		}
		a.workflows, a.executions = workflows, executions
	case config.STORAGE_TYPE_POSTGRES:
		ctx := context.Background()
		pool, err := postgres.NewPool(ctx, a.Config.PostgresConfig)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error {
			pool.Close()
			return nil
		})
		if err := postgres.Migrate(ctx, pool); err != nil {
			return err
		}
		a.workflows = postgres.NewWorkflowStorage(pool)
		a.executions = postgres.NewExecutionStorage(pool)
	default:
		return fmt.Errorf("unknown storage type %q", a.Config.StorageType)
	}
	logger.Info("storage ready", zap.String("type", string(a.Config.StorageType)))
	return nil
}

func (a *Agent) setupEngine() error {
	a.executor = action.NewExecutor(
		action.NewLogAction(),
		action.NewAlertAction(a.collaborators.Alerts),
		action.NewUpdateFieldAction(a.collaborators.Entities),
		action.NewWebhookAction(a.collaborators.Webhooks),
	)
	a.metadataService = metadata.NewMetadataService(a.workflows, a.executor)
	matcher := trigger.NewMatcher(a.metadataService, trigger.NewCandidateCache(a.Config.EngineConfig.MatcherCacheTTL))
	a.metadataService.OnChange(matcher.Invalidate)
	a.engine = engine.NewEngine(
		matcher,
		condition.NewEvaluator(a.collaborators.Geofences),
		resolver.New(a.collaborators.Entities, a.Config.EngineConfig.MaxFieldDepth),
		a.executor,
		a.executions,
		a.collector,
	)
	return nil
}

func (a *Agent) setupDispatcher() error {
	a.dispatcher = engine.NewDispatcher(a.engine, a.Config.EngineConfig.Dispatch)
	return nil
}

func (a *Agent) setupReaper() error {
	if !a.Config.EngineConfig.ReaperEnabled {
		return nil
	}
	a.reaper = engine.NewReaper(a.executions, a.Config.EngineConfig.Reaper)
	return nil
}

func (a *Agent) setupHttpServer() error {
	var err error
	a.httpServer, err = rest.NewServer(rest.ServerConfig{
		Port:            a.Config.HttpPort,
		MetadataService: a.metadataService,
		Handler:         a.engine,
		Submitter:       a.dispatcher,
		Executions:      a.executions,
		Actions:         a.executor,
		Gatherer:        a.registry,
	})
	return err
}

func (a *Agent) Engine() *engine.Engine {
	return a.engine
}

func (a *Agent) Dispatcher() *engine.Dispatcher {
	return a.dispatcher
}

func (a *Agent) MetadataService() metadata.MetadataService {
	return a.metadataService
}

func (a *Agent) Executions() persistence.ExecutionStorage {
	return a.executions
}

// Handler is the HTTP surface for embedding in an existing server.
func (a *Agent) Handler() http.Handler {
	return a.httpServer.Handler
}

// Start runs the dispatcher, the reaper and, when serve is set, the HTTP
// server on the configured port.
func (a *Agent) Start(serve bool) error {
	a.dispatcher.Start()
	if a.reaper != nil {
		a.reaper.Start()
	}
	if !serve {
		return nil
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.httpServer.Start(); err != nil {
			logger.Error("http server stopped", zap.Error(err))
		}
	}()
	return nil
}

func (a *Agent) Shutdown() error {
	logger.Info("shutting down agent")
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()
	if a.shutdown {
		return nil
	}
	a.shutdown = true

	shutdown := []func() error{
		a.httpServer.Stop,
		func() error {
			a.dispatcher.Stop()
			return nil
		},
		func() error {
			if a.reaper != nil {
				a.reaper.Stop()
			}
			return nil
		},
	}
	for _, fn := range shutdown {
		if err := fn(); err != nil {
			return err
		}
	}
	logger.Info("waiting for all services to shutdown...")
	a.wg.Wait()
	return a.close()
}

func (a *Agent) close() error {
	var first error
	for _, fn := range a.closers {
		if err := fn(); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
