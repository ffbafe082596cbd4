package worker

import (
	"sync"
	"time"

	"github.com/pingcap-incubator/tinytxn/kv/util/logutil"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// TaskStop makes the worker return after the tasks queued before it are handled.
type TaskStop struct{}

// TaskTick is delivered to the handler on every tick of a periodic worker.
type TaskTick struct{}

type Task interface{}

// Worker runs a TaskHandler on its own goroutine. Tasks are delivered in the
// order they are sent. A worker created with NewTickWorker additionally
// delivers a TaskTick every interval.
type Worker struct {
	name     string
	sender   chan<- Task
	receiver <-chan Task
	interval time.Duration
	running  atomic.Bool
	wg       *sync.WaitGroup
}

type TaskHandler interface {
	Handle(t Task)
}

type Starter interface {
	Start()
}

func (w *Worker) Start(handler TaskHandler) {
	if w.running.Swap(true) {
		return
	}
	w.wg.Add(1)
	go func() {
		defer logutil.LogPanic()
		defer w.wg.Done()
		if s, ok := handler.(Starter); ok {
			s.Start()
		}
		var tick <-chan time.Time
		if w.interval > 0 {
			ticker := time.NewTicker(w.interval)
			defer ticker.Stop()
			tick = ticker.C
		}
		log.Info("worker started", zap.String("name", w.name), zap.Duration("interval", w.interval))
		for {
			select {
			case <-tick:
				handler.Handle(TaskTick{})
			case task := <-w.receiver:
				if _, ok := task.(TaskStop); ok {
					log.Info("worker stopped", zap.String("name", w.name))
					return
				}
				handler.Handle(task)
			}
		}
	}()
}

func (w *Worker) Name() string {
	return w.name
}

func (w *Worker) Sender() chan<- Task {
	return w.sender
}

// Stop asks a started worker to exit. It does not wait; use the WaitGroup
// passed to the constructor for that.
func (w *Worker) Stop() {
	if !w.running.Swap(false) {
		return
	}
	w.sender <- TaskStop{}
}

const defaultWorkerCapacity = 128

func NewWorker(name string, wg *sync.WaitGroup) *Worker {
	return NewTickWorker(name, 0, wg)
}

// NewTickWorker creates a worker that also receives a TaskTick every interval.
// A non-positive interval disables ticking.
func NewTickWorker(name string, interval time.Duration, wg *sync.WaitGroup) *Worker {
	ch := make(chan Task, defaultWorkerCapacity)
	return &Worker{
		sender:   (chan<- Task)(ch),
		receiver: (<-chan Task)(ch),
		name:     name,
		interval: interval,
		wg:       wg,
	}
}
