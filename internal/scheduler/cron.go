package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// CronRunner fires Multiplexer tasks on cron schedules. Overlapping runs of
// the same entry are skipped and panics are recovered.
type CronRunner struct {
	cron    *cron.Cron
	mux     *Multiplexer
	logger  *slog.Logger
	timeout time.Duration
	baseCtx context.Context
}

// NewCronRunner builds a runner in UTC. timeout bounds one firing; zero
// means no bound.
func NewCronRunner(mux *Multiplexer, timeout time.Duration, logger *slog.Logger) *CronRunner {
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger: logger}
	return &CronRunner{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		mux:     mux,
		logger:  logger,
		timeout: timeout,
		baseCtx: context.Background(),
	}
}

// Schedule registers tasks to run, in order, each time spec fires.
func (r *CronRunner) Schedule(spec string, tasks ...TaskType) error {
	_, err := r.cron.AddFunc(spec, func() { r.RunTasks(r.baseCtx, tasks...) })
	if err != nil {
		return err
	}
	r.logger.Info("maintenance schedule registered",
		slog.String("spec", spec),
		slog.Any("tasks", tasks))
	return nil
}

// RunTasks runs tasks sequentially and returns how many failed. A failure is
// logged by the multiplexer and does not stop later tasks.
func (r *CronRunner) RunTasks(ctx context.Context, tasks ...TaskType) int {
	failed := 0
	for _, task := range tasks {
		if ctx.Err() != nil {
			return failed + 1
		}
		taskCtx, cancel := ctx, context.CancelFunc(func() {})
		if r.timeout > 0 {
			taskCtx, cancel = context.WithTimeout(ctx, r.timeout)
		}
		if _, err := r.mux.Handle(taskCtx, MaintenancePayload{Task: task}); err != nil {
			failed++
		}
		cancel()
	}
	return failed
}

// Run starts the scheduler and blocks until ctx is cancelled, then waits for
// in-flight jobs to finish.
func (r *CronRunner) Run(ctx context.Context) {
	r.baseCtx = ctx
	r.cron.Start()
	<-ctx.Done()
	r.logger.Info("stopping maintenance scheduler")
	<-r.cron.Stop().Done()
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
