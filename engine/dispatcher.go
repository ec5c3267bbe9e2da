package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/buraksezer/consistent"
	"github.com/mohitkumar/fleetrules/logger"
	"github.com/mohitkumar/fleetrules/model"
	"github.com/mohitkumar/fleetrules/util"
	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"
)

var ErrQueueFull = errors.New("dispatch queue full")
var ErrDispatcherStopped = errors.New("dispatcher stopped")

type hasher struct{}

func (h hasher) Sum64(data []byte) uint64 {
	return murmur3.Sum64(data)
}

type member string

func (m member) String() string {
	return string(m)
}

type DispatcherConfig struct {
	Workers        int `mapstructure:"workers"`
	QueueCapacity  int `mapstructure:"queue_capacity"`
	PartitionCount int `mapstructure:"partition_count"`
}

// Dispatcher hands events to background workers. Events raised by the same
// source entity always land on the same worker, so they are handled in
// submission order.
type Dispatcher struct {
	handler Handler
	ring    *consistent.Consistent
	workers map[string]*util.Worker
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	stopped bool
}

func NewDispatcher(handler Handler, conf DispatcherConfig) *Dispatcher {
	if conf.Workers <= 0 {
		conf.Workers = 1
	}
	if conf.QueueCapacity <= 0 {
		conf.QueueCapacity = 1
	}
	if conf.PartitionCount <= 0 {
		conf.PartitionCount = 271
	}
	ring := consistent.New(nil, consistent.Config{
		PartitionCount:    conf.PartitionCount,
		ReplicationFactor: 20,
		Load:              1.25,
		Hasher:            hasher{},
	})
	d := &Dispatcher{
		handler: handler,
		ring:    ring,
		workers: make(map[string]*util.Worker, conf.Workers),
		wg:      &sync.WaitGroup{},
	}
	for i := 0; i < conf.Workers; i++ {
		name := fmt.Sprintf("dispatch-%d", i)
		d.workers[name] = util.NewWorker(name, d.wg, d.handle, conf.QueueCapacity)
		ring.Add(member(name))
	}
	return d
}

func (d *Dispatcher) handle(task util.Task) error {
	evt, ok := task.(model.Event)
	if !ok {
		return fmt.Errorf("unexpected task %T", task)
	}
	d.handler.Handle(context.Background(), evt)
	return nil
}

func (d *Dispatcher) Start() {
	for _, w := range d.workers {
		w.Start()
	}
	logger.Info("dispatcher started", zap.Int("workers", len(d.workers)))
}

// workerFor picks the worker owning the event's source entity.
func (d *Dispatcher) workerFor(evt model.Event) *util.Worker {
	owner := d.ring.LocateKey([]byte(evt.Source.String()))
	return d.workers[owner.String()]
}

// Submit queues evt without blocking. It fails with ErrQueueFull when the
// owning worker is saturated.
func (d *Dispatcher) Submit(evt model.Event) error {
	if err := evt.Validate(); err != nil {
		return err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrDispatcherStopped
	}
	if !d.workerFor(evt).TrySend(evt) {
		logger.Warn("dispatch queue full", zap.String("event", evt.ID), zap.String("source", evt.Source.String()))
		return ErrQueueFull
	}
	return nil
}

func (d *Dispatcher) Pending() int {
	total := 0
	for _, w := range d.workers {
		total += w.Pending()
	}
	return total
}

// Stop refuses new events, finishes the queued ones and waits for the
// workers to exit.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()
	for _, w := range d.workers {
		w.Stop()
	}
	d.wg.Wait()
}
