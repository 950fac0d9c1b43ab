package canvas

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"

	"github.com/astromechza/pixelgrid/pkg/telemetry"
)

// Task is one run of a periodic job. now is the tick time.
type Task func(ctx context.Context, now time.Time) error

type scheduledTask struct {
	name   string
	period time.Duration
	fn     Task
}

// Scheduler owns the periodic jobs of the server. Each job gets its own
// ticker from the clock; a run is never interrupted, cancelling the context
// only stops further runs.
type Scheduler struct {
	clock  Clock
	logger *slog.Logger
	msink  metrics.MetricSink

	lk    sync.Mutex
	tasks []scheduledTask
}

func NewScheduler(clock Clock, logger *slog.Logger, sink metrics.MetricSink) *Scheduler {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Scheduler{
		clock:  clock,
		logger: telemetry.LoggerOrDefault(logger),
		msink:  telemetry.SinkOrBlackhole(sink),
	}
}

// Every registers fn to run each period. Non-positive periods are ignored.
func (s *Scheduler) Every(name string, period time.Duration, fn Task) {
	if period <= 0 {
		s.logger.Info("periodic task disabled", telemetry.LabelTask.L(name))
		return
	}
	s.lk.Lock()
	defer s.lk.Unlock()
	s.tasks = append(s.tasks, scheduledTask{name: name, period: period, fn: fn})
}

// Run blocks until ctx is done and every task returned.
func (s *Scheduler) Run(ctx context.Context) {
	s.lk.Lock()
	tasks := append([]scheduledTask(nil), s.tasks...)
	s.lk.Unlock()

	wg := new(sync.WaitGroup)
	for _, task := range tasks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, task)
		}()
	}
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, task scheduledTask) {
	t := s.clock.NewTicker(task.period)
	defer t.Stop()
	s.logger.Info("started periodic task", telemetry.LabelTask.L(task.name), "period", task.period)
	for {
		select {
		case now := <-t.Chan():
			s.run(ctx, task, now)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) run(ctx context.Context, task scheduledTask, now time.Time) {
	if err := task.fn(ctx, now); err != nil {
		s.msink.IncrCounterWithLabels(telemetry.MetricScheduledTaskErrors, 1, []metrics.Label{telemetry.LabelTask.M(task.name)})
		s.logger.Error("periodic task failed", telemetry.LabelTask.L(task.name), telemetry.LabelError.L(err))
	}
}
