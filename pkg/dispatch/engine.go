// Package dispatch runs registered functions for incoming requests and
// drives each request id through its lifecycle.
//
// INLINE requests execute in the caller's context and never touch the job
// table. Deferred modes (FUTURE_CALL, MAIL, SMS) record IN_PROGRESS, run in
// a background goroutine under a per-job timeout, write exactly one terminal
// record, and then hand the result to the mode's notifier.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/gorws/pkg/jobtable"
	"github.com/3leaps/gorws/pkg/notify"
	"github.com/3leaps/gorws/pkg/registry"
)

// ErrShuttingDown is returned by Submit once Shutdown has begun.
var ErrShuttingDown = errors.New("dispatch engine is shutting down")

// errExpired answers a replay of an id whose terminal record was pruned.
var errExpired = &ValidationError{Field: "request_id", Message: "Request id expired"}

const (
	DefaultJobTimeout    = 5 * time.Minute
	DefaultNotifyTimeout = 30 * time.Second
)

// Resolver looks up a function by name.
type Resolver interface {
	Resolve(name string) (registry.Function, error)
}

// Options configures an Engine. Zero values select the defaults.
type Options struct {
	// JobTimeout bounds each execution. Negative disables the bound.
	JobTimeout time.Duration

	// NotifyTimeout bounds each notification send.
	NotifyTimeout time.Duration

	// Notifiers maps MAIL and SMS to their delivery channel. A missing entry
	// means results for that mode are only available by polling.
	Notifiers map[Mode]notify.Notifier

	Logger *zap.Logger

	// NewID generates request ids for submissions that omit one.
	NewID func() string
}

// Engine owns request execution and lifecycle transitions.
type Engine struct {
	resolver Resolver
	table    *jobtable.Table

	jobTimeout    time.Duration
	notifyTimeout time.Duration
	notifiers     map[Mode]notify.Notifier
	logger        *zap.Logger
	newID         func() string

	baseCtx    context.Context
	baseCancel context.CancelFunc
	admitMu    sync.Mutex
	inflight   sync.WaitGroup
	closing    atomic.Bool
}

func New(resolver Resolver, table *jobtable.Table, opts Options) *Engine {
	if opts.JobTimeout == 0 {
		opts.JobTimeout = DefaultJobTimeout
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = DefaultNotifyTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.New().String() }
	}
	if table == nil {
		table = jobtable.New()
	}

	notifiers := make(map[Mode]notify.Notifier, len(opts.Notifiers))
	for mode, n := range opts.Notifiers {
		if n != nil {
			notifiers[mode] = n
		}
	}

	base, cancel := context.WithCancel(context.Background())
	return &Engine{
		resolver:      resolver,
		table:         table,
		jobTimeout:    opts.JobTimeout,
		notifyTimeout: opts.NotifyTimeout,
		notifiers:     notifiers,
		logger:        opts.Logger,
		newID:         opts.NewID,
		baseCtx:       base,
		baseCancel:    cancel,
	}
}

// Table exposes the engine's job table.
func (e *Engine) Table() *jobtable.Table {
	return e.table
}

// Submit validates req and either executes it inline or schedules it.
//
// A request id that already reached a terminal status is answered from the
// table without re-executing; once its record is pruned the id is refused
// with a ValidationError. A request id that is still IN_PROGRESS is
// answered with IN_PROGRESS and no duplicate task is scheduled.
func (e *Engine) Submit(ctx context.Context, req Request) (Response, error) {
	if err := req.Validate(); err != nil {
		return Response{}, err
	}
	if req.RequestID == "" {
		req.RequestID = e.newID()
	}

	logger := e.logger.With(
		zap.String("request_id", req.RequestID),
		zap.String("service_name", req.ServiceName),
		zap.String("mode", string(req.Mode)))

	if rec, ok := e.table.Get(req.RequestID); ok {
		logger.Debug("Request id already known", zap.String("status", string(rec.Status)))
		return responseFromRecord(rec), nil
	}
	if e.table.Expired(req.RequestID) {
		logger.Info("Rejected replay of pruned request id")
		return Response{}, errExpired
	}

	if req.Mode == ModeInline {
		logger.Info("Executing request inline")
		runCtx, cancel := e.withJobTimeout(ctx)
		defer cancel()
		return responseFromOutcome(req.RequestID, e.execute(runCtx, req, logger)), nil
	}

	rec, created, err := e.admit(req)
	if errors.Is(err, jobtable.ErrExpired) {
		return Response{}, errExpired
	}
	if err != nil {
		return Response{}, err
	}
	if !created {
		return responseFromRecord(rec), nil
	}

	runCtx, cancel := e.withJobTimeout(e.baseCtx)
	if err := e.table.AttachTask(req.RequestID, cancel); err != nil {
		logger.Warn("Failed to attach task handle", zap.Error(err))
	}

	go e.run(runCtx, cancel, req, logger)

	logger.Info("Request scheduled")
	return responseFromRecord(rec), nil
}

// admit records a deferred request and reserves its in-flight slot. The
// closing check and the reservation share admitMu with Shutdown, so no task
// is admitted once Shutdown has started waiting.
func (e *Engine) admit(req Request) (jobtable.Record, bool, error) {
	e.admitMu.Lock()
	defer e.admitMu.Unlock()

	if e.closing.Load() {
		return jobtable.Record{}, false, ErrShuttingDown
	}
	rec, created, err := e.table.PutInProgress(jobtable.Record{
		RequestID:   req.RequestID,
		ServiceName: req.ServiceName,
		Mode:        string(req.Mode),
	})
	if err != nil {
		return jobtable.Record{}, false, fmt.Errorf("record request %s: %w", req.RequestID, err)
	}
	if created {
		e.inflight.Add(1)
	}
	return rec, created, nil
}

func (e *Engine) withJobTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	if e.jobTimeout < 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, e.jobTimeout)
}

// run is the background task for a deferred request.
func (e *Engine) run(ctx context.Context, cancel context.CancelFunc, req Request, logger *zap.Logger) {
	defer e.inflight.Done()
	defer func() {
		cancel()
		e.table.RemoveTaskHandle(req.RequestID)
		logger.Debug("Task handle released")
	}()

	out := e.execute(ctx, req, logger)
	if err := e.table.Complete(req.RequestID, out); err != nil {
		logger.Error("Failed to record terminal status", zap.Error(err))
		return
	}

	e.notify(req, responseFromOutcome(req.RequestID, out), logger)
}

// execute resolves and invokes the function. It never returns an error:
// every failure becomes an ERROR outcome.
func (e *Engine) execute(ctx context.Context, req Request, logger *zap.Logger) jobtable.Outcome {
	fn, err := e.resolver.Resolve(req.ServiceName)
	if err != nil {
		logger.Warn("Function not found")
		return jobtable.Outcome{
			Status:      jobtable.StatusError,
			ErrorReason: jobtable.ReasonFunctionNotFound,
			Detail:      fmt.Sprintf("function %q is not registered", req.ServiceName),
		}
	}

	start := time.Now()
	result, err := registry.Call(ctx, fn, req.Parameters)
	elapsed := time.Since(start)
	if err != nil {
		detail := err.Error()
		var execErr *registry.ExecutionError
		if errors.As(err, &execErr) {
			detail = execErr.Diagnostic
		}
		logger.Warn("Function execution failed",
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return jobtable.Outcome{
			Status:      jobtable.StatusError,
			ErrorReason: jobtable.ReasonFunctionExecutionError,
			Detail:      detail,
		}
	}

	logger.Info("Function executed", zap.Duration("elapsed", elapsed))
	return jobtable.Outcome{Status: jobtable.StatusSuccess, Data: result}
}

func (e *Engine) notify(req Request, resp Response, logger *zap.Logger) {
	n, ok := e.notifiers[req.Mode]
	if !ok {
		return
	}

	destination := req.MailID
	if req.Mode == ModeSMS {
		destination = req.PhoneNo
	}

	ctx, cancel := context.WithTimeout(e.baseCtx, e.notifyTimeout)
	defer cancel()

	if err := n.Send(ctx, destination, resp.payload()); err != nil {
		logger.Warn("Result notification failed", zap.Error(err))
		return
	}
	logger.Debug("Result notification sent")
}

// Lookup returns the current lifecycle state of a deferred request.
func (e *Engine) Lookup(requestID string) (Response, bool) {
	rec, ok := e.table.Get(requestID)
	if !ok {
		return Response{}, false
	}
	return responseFromRecord(rec), true
}

// Wait blocks until requestID is terminal or ctx is done.
func (e *Engine) Wait(ctx context.Context, requestID string) (Response, error) {
	rec, err := e.table.Wait(ctx, requestID)
	if err != nil {
		return responseFromRecord(rec), err
	}
	return responseFromRecord(rec), nil
}

// Cancel aborts a running deferred request. The task observes cancellation
// through its context and records FUNCTION_EXECUTION_ERROR.
func (e *Engine) Cancel(requestID string) bool {
	ok := e.table.Cancel(requestID)
	if ok {
		e.logger.Info("Request cancellation requested", zap.String("request_id", requestID))
	}
	return ok
}

// Draining reports whether Shutdown has been called.
func (e *Engine) Draining() bool {
	return e.closing.Load()
}

// Shutdown stops accepting deferred work and waits for in-flight tasks.
// If ctx ends first the remaining tasks are cancelled and ctx's error is
// returned.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.admitMu.Lock()
	e.closing.Store(true)
	e.admitMu.Unlock()

	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.baseCancel()
		return nil
	case <-ctx.Done():
		e.logger.Warn("Shutdown deadline reached; cancelling in-flight requests",
			zap.Int("in_progress", e.table.Stats().InProgress))
		e.baseCancel()
		<-done
		return ctx.Err()
	}
}

// RunJanitor prunes terminal records older than retention every interval
// until ctx is done.
func (e *Engine) RunJanitor(ctx context.Context, interval, retention time.Duration) {
	if interval <= 0 || retention <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := e.table.Prune(retention); n > 0 {
				e.logger.Debug("Pruned terminal jobs", zap.Int("count", n))
			}
		}
	}
}
