package engine

import (
	"context"
	"sync"
	"time"

	"github.com/mohitkumar/fleetrules/logger"
	"github.com/mohitkumar/fleetrules/model"
	"github.com/mohitkumar/fleetrules/persistence"
	"github.com/mohitkumar/fleetrules/util"
	"go.uber.org/zap"
)

const ABANDONED_MESSAGE = "execution abandoned"

type ReaperConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

// Reaper fails executions left pending or running longer than StaleAfter,
// typically by a process that died mid run.
type Reaper struct {
	executions persistence.ExecutionStorage
	staleAfter time.Duration
	tw         *util.TickWorker
	wg         *sync.WaitGroup
}

func NewReaper(executions persistence.ExecutionStorage, conf ReaperConfig) *Reaper {
	r := &Reaper{
		executions: executions,
		staleAfter: conf.StaleAfter,
		wg:         &sync.WaitGroup{},
	}
	r.tw = util.NewTickWorker("reaper", conf.Interval, func() {
		if _, err := r.Reap(context.Background()); err != nil {
			logger.Error("error reaping stale executions", zap.Error(err))
		}
	}, r.wg)
	return r
}

func (r *Reaper) Start() {
	r.tw.Start()
}

func (r *Reaper) Stop() {
	r.tw.Stop()
	r.wg.Wait()
}

// Reap fails every stale execution and returns how many it changed.
func (r *Reaper) Reap(ctx context.Context) (int, error) {
	stale, err := r.executions.ListStale(ctx, time.Now().UTC().Add(-r.staleAfter))
	if err != nil {
		return 0, err
	}
	reaped := 0
	for _, exec := range stale {
		full, err := r.executions.Get(ctx, exec.ID)
		if err != nil {
			logger.Warn("error loading stale execution", zap.String("execution", exec.ID), zap.Error(err))
			continue
		}
		entry := full.Log(ABANDONED_MESSAGE, map[string]any{"status": string(full.Status)})
		if err := r.executions.AppendLog(ctx, full.ID, entry); err != nil {
			logger.Debug("stale execution finished meanwhile", zap.String("execution", full.ID), zap.Error(err))
			continue
		}
		if err := full.Transition(model.FAILED); err != nil {
			continue
		}
		full.ErrorMessage = ABANDONED_MESSAGE
		if err := r.executions.Save(ctx, full); err != nil {
			logger.Warn("error failing stale execution", zap.String("execution", full.ID), zap.Error(err))
			continue
		}
		logger.Info("stale execution failed", zap.String("execution", full.ID), zap.Int64("workflow", full.WorkflowID))
		reaped++
	}
	return reaped, nil
}
