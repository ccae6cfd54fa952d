package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/taskrelay/taskrelay/internal/executor"
	"github.com/taskrelay/taskrelay/internal/log"
	"github.com/taskrelay/taskrelay/internal/pubsub"
	"github.com/taskrelay/taskrelay/internal/store"
	"github.com/taskrelay/taskrelay/internal/summarize"
	"github.com/taskrelay/taskrelay/internal/tracing"
)

// DefaultPollInterval is the idle sleep between empty claim polls.
const DefaultPollInterval = 10 * time.Second

// DefaultConsumerID identifies this worker process as hostname:pid.
func DefaultConsumerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

// Options configures a worker Server.
type Options struct {
	Store    *store.Reliable
	Executor executor.Executor

	// AgentOrch selects the pool of tasks this worker claims.
	AgentOrch string
	// ConsumerID defaults to hostname:pid.
	ConsumerID string
	// Env is "dev" or "prod".
	Env string

	PollInterval       time.Duration
	CancelPollInterval time.Duration
	CoalesceBatch      int
	CoalesceDelay      time.Duration

	FeedbackSummarizer summarize.FeedbackSummarizer
	ErrorSummarizer    summarize.ErrorSummarizer
	Tracer             trace.Tracer
}

// Server is the polling worker: claim, prepare, execute with the
// cancellation watcher, finalize. One task is in flight at a time;
// horizontal scale comes from running more processes.
type Server struct {
	store         *store.Reliable
	exec          executor.Executor
	preparer      *Preparer
	coalescer     *Coalescer
	errSummarizer summarize.ErrorSummarizer
	metrics       *Metrics
	tracer        trace.Tracer
	events        *pubsub.Broker[string]

	agentOrch  string
	consumerID string
	env        string

	pollInterval       time.Duration
	cancelPollInterval time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewServer(opts Options) *Server {
	consumerID := opts.ConsumerID
	if consumerID == "" {
		consumerID = DefaultConsumerID()
	}
	env := opts.Env
	if env != "dev" {
		env = "prod"
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	errSummarizer := opts.ErrorSummarizer
	if errSummarizer == nil {
		errSummarizer = summarize.StaticError{}
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("taskrelay")
	}

	metrics := &Metrics{}
	coalescer := NewCoalescer(opts.Store, opts.CoalesceBatch, opts.CoalesceDelay)
	coalescer.OnFlushed = metrics.AddFlushed
	coalescer.OnDropped = metrics.AddDropped
	opts.Store.OnExhausted = func(string) { metrics.IncRetryExhausted() }

	return &Server{
		store:              opts.Store,
		exec:               opts.Executor,
		preparer:           NewPreparer(opts.Store, opts.FeedbackSummarizer),
		coalescer:          coalescer,
		errSummarizer:      errSummarizer,
		metrics:            metrics,
		tracer:             tracer,
		events:             pubsub.NewBroker[string](),
		agentOrch:          opts.AgentOrch,
		consumerID:         consumerID,
		env:                env,
		pollInterval:       pollInterval,
		cancelPollInterval: opts.CancelPollInterval,
		stopCh:             make(chan struct{}),
	}
}

// Coalescer exposes the event coalescer for runtime tuning.
func (s *Server) Coalescer() *Coalescer { return s.coalescer }

// Metrics exposes the worker counters.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Subscribe returns a channel of task lifecycle events (claimed,
// completed, failed, cancelled) carrying the task ID. The subscription
// ends when ctx is cancelled.
func (s *Server) Subscribe(ctx context.Context) <-chan pubsub.Event[string] {
	return s.events.Subscribe(ctx)
}

// Run blocks until ctx is done or Stop is called. A task-level failure
// never ends the loop; the coalescer is flushed once on the way out.
func (s *Server) Run(ctx context.Context) error {
	log.Info(log.CatWorker, "worker started",
		"agent_orch", s.agentOrch, "consumer", s.consumerID, "env", s.env,
		"poll_interval", s.pollInterval)

	for !s.stopping(ctx) {
		if s.pollOnce(ctx) {
			// A task was just processed; claim again right away.
			continue
		}
		if !s.sleepIdle(ctx) {
			break
		}
	}

	s.coalescer.Flush()
	s.events.Close()
	snap := s.metrics.Snapshot()
	log.Info(log.CatWorker, "worker stopped",
		"claimed", snap.TasksClaimed, "completed", snap.TasksCompleted,
		"failed", snap.TasksFailed, "cancelled", snap.TasksCancelled,
		"events_flushed", snap.EventsFlushed, "records_dropped", snap.RecordsDropped,
		"retry_exhaustions", snap.RetryExhaustions)
	return nil
}

// Stop requests a graceful shutdown. Idempotent; the current task
// finishes first.
func (s *Server) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// pollOnce claims at most one task and processes it. Returns true when
// a task was handled, false when the pool was empty or the claim
// failed.
func (s *Server) pollOnce(ctx context.Context) bool {
	claimCtx, span := s.tracer.Start(ctx, tracing.SpanClaim, trace.WithAttributes(
		attribute.String(tracing.AttrAgentOrch, s.agentOrch),
		attribute.String(tracing.AttrConsumer, s.consumerID),
		attribute.String(tracing.AttrEnv, s.env),
	))
	task, err := s.store.ClaimPending(claimCtx, s.agentOrch, s.consumerID, s.env)
	span.End()
	if err != nil {
		log.ErrorErr(log.CatWorker, "claim failed", err, "agent_orch", s.agentOrch)
		return false
	}
	if task == nil {
		return false
	}

	s.metrics.IncClaimed()
	s.events.Publish(pubsub.ClaimedEvent, task.ID)
	log.Info(log.CatWorker, "task claimed",
		"task_id", task.ID, "proc_inst_id", task.ProcInstID, "tool", task.Tool)
	s.processTask(ctx, *task)
	return true
}

// sleepIdle waits out the poll interval. Returns false when shutdown
// interrupted the sleep.
func (s *Server) sleepIdle(ctx context.Context) bool {
	timer := time.NewTimer(s.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-s.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

func (s *Server) stopping(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-s.stopCh:
		return true
	default:
		return false
	}
}
