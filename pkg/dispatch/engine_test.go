package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gorws/pkg/jobtable"
	"github.com/3leaps/gorws/pkg/notify"
	"github.com/3leaps/gorws/pkg/registry"
)

var (
	operands = []registry.Param{
		{Name: "a", Kind: registry.KindNumber},
		{Name: "b", Kind: registry.KindNumber},
	}
	tagged   = []registry.Param{{Name: "tag", Kind: registry.KindString}}
	tagParam = map[string]any{"tag": "t"}
)

type fixture struct {
	engine  *Engine
	calls   atomic.Int32
	release chan struct{}
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{release: make(chan struct{})}

	r := registry.New()
	mustRegister := func(fn registry.Function) {
		_, err := r.Register(fn)
		require.NoError(t, err)
	}

	mustRegister(registry.NewFunction("add", "", operands, func(ctx context.Context, args registry.Args) (any, error) {
		f.calls.Add(1)
		return map[string]any{"result": args["a"].(float64) + args["b"].(float64)}, nil
	}))
	mustRegister(registry.NewFunction("div", "", operands, func(ctx context.Context, args registry.Args) (any, error) {
		f.calls.Add(1)
		if args["b"].(float64) == 0 {
			return map[string]any{"error": "Division by zero is not allowed"}, nil
		}
		return map[string]any{"result": args["a"].(float64) / args["b"].(float64)}, nil
	}))
	mustRegister(registry.NewFunction("boom", "", tagged, func(ctx context.Context, args registry.Args) (any, error) {
		f.calls.Add(1)
		return nil, errors.New("boom")
	}))
	mustRegister(registry.NewFunction("block", "", tagged, func(ctx context.Context, args registry.Args) (any, error) {
		f.calls.Add(1)
		select {
		case <-f.release:
			return "released", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))

	f.engine = New(r, jobtable.New(), opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = f.engine.Shutdown(ctx)
	})
	return f
}

func waitTerminal(t *testing.T, e *Engine, id string) Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := e.Wait(ctx, id)
	require.NoError(t, err)
	return resp
}

func TestSubmit_Validation(t *testing.T) {
	f := newFixture(t, Options{})
	params := map[string]any{"a": 1.0, "b": 2.0}

	tests := []struct {
		name  string
		req   Request
		field string
	}{
		{"missing service", Request{Parameters: params, Mode: ModeInline}, "service_name"},
		{"missing params", Request{ServiceName: "add", Mode: ModeInline}, "sub_json"},
		{"bad mode", Request{ServiceName: "add", Parameters: params, Mode: "LATER"}, "request_type"},
		{"mail without address", Request{ServiceName: "add", Parameters: params, Mode: ModeMail}, "mail_id"},
		{"mail bad address", Request{ServiceName: "add", Parameters: params, Mode: ModeMail, MailID: "nope"}, "mail_id"},
		{"sms bad phone", Request{ServiceName: "add", Parameters: params, Mode: ModeSMS, PhoneNo: "5551234"}, "phone_no"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.RequestID = "v-" + tt.name
			_, err := f.engine.Submit(context.Background(), tt.req)
			require.Error(t, err)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)

			_, known := f.engine.Lookup(tt.req.RequestID)
			assert.False(t, known, "validation failures never create a job")
		})
	}
	assert.Zero(t, f.calls.Load())
}

func TestSubmit_Inline(t *testing.T) {
	f := newFixture(t, Options{})

	resp, err := f.engine.Submit(context.Background(), Request{
		RequestID:   "inline-1",
		ServiceName: "add",
		Parameters:  map[string]any{"a": 2, "b": 3},
		Mode:        ModeInline,
	})
	require.NoError(t, err)
	assert.Equal(t, jobtable.StatusSuccess, resp.Status)
	assert.Equal(t, map[string]any{"result": 5.0}, resp.Data)

	_, known := f.engine.Lookup("inline-1")
	assert.False(t, known, "inline requests bypass the job table")
}

func TestSubmit_InlineErrors(t *testing.T) {
	f := newFixture(t, Options{})

	t.Run("unknown function", func(t *testing.T) {
		resp, err := f.engine.Submit(context.Background(), Request{
			ServiceName: "nope",
			Parameters:  tagParam,
			Mode:        ModeInline,
		})
		require.NoError(t, err)
		assert.Equal(t, jobtable.StatusError, resp.Status)
		assert.Equal(t, jobtable.ReasonFunctionNotFound, resp.ErrorReason)
		assert.Nil(t, resp.Data)
	})

	t.Run("raised error", func(t *testing.T) {
		resp, err := f.engine.Submit(context.Background(), Request{
			ServiceName: "boom",
			Parameters:  tagParam,
			Mode:        ModeInline,
		})
		require.NoError(t, err)
		assert.Equal(t, jobtable.StatusError, resp.Status)
		assert.Equal(t, jobtable.ReasonFunctionExecutionError, resp.ErrorReason)
		assert.Equal(t, "boom", resp.Detail)
	})

	t.Run("argument mismatch", func(t *testing.T) {
		resp, err := f.engine.Submit(context.Background(), Request{
			ServiceName: "add",
			Parameters:  map[string]any{"a": 1},
			Mode:        ModeInline,
		})
		require.NoError(t, err)
		assert.Equal(t, jobtable.ReasonFunctionExecutionError, resp.ErrorReason)
		assert.Equal(t, `add: argument "b": missing required argument`, resp.Detail)
	})

	t.Run("division by zero is a payload", func(t *testing.T) {
		resp, err := f.engine.Submit(context.Background(), Request{
			ServiceName: "div",
			Parameters:  map[string]any{"a": 1, "b": 0},
			Mode:        ModeInline,
		})
		require.NoError(t, err)
		assert.Equal(t, jobtable.StatusSuccess, resp.Status)
		assert.Equal(t, map[string]any{"error": "Division by zero is not allowed"}, resp.Data)
	})
}

func TestSubmit_FutureCallLifecycle(t *testing.T) {
	f := newFixture(t, Options{})

	resp, err := f.engine.Submit(context.Background(), Request{
		RequestID:   "fc-1",
		ServiceName: "add",
		Parameters:  map[string]any{"a": 2, "b": 3},
		Mode:        ModeFutureCall,
	})
	require.NoError(t, err)
	assert.Equal(t, jobtable.StatusInProgress, resp.Status)
	assert.Equal(t, "fc-1", resp.RequestID)

	final := waitTerminal(t, f.engine, "fc-1")
	assert.Equal(t, jobtable.StatusSuccess, final.Status)
	assert.Equal(t, map[string]any{"result": 5.0}, final.Data)

	// Replays are answered from the table.
	again, err := f.engine.Submit(context.Background(), Request{
		RequestID:   "fc-1",
		ServiceName: "add",
		Parameters:  map[string]any{"a": 100, "b": 100},
		Mode:        ModeInline,
	})
	require.NoError(t, err)
	assert.Equal(t, final, again)
	assert.EqualValues(t, 1, f.calls.Load())
}

func TestSubmit_ReplayAfterPruneNeverReExecutes(t *testing.T) {
	f := newFixture(t, Options{})
	req := Request{
		RequestID:   "pruned-1",
		ServiceName: "add",
		Parameters:  map[string]any{"a": 2, "b": 3},
		Mode:        ModeFutureCall,
	}

	_, err := f.engine.Submit(context.Background(), req)
	require.NoError(t, err)
	waitTerminal(t, f.engine, "pruned-1")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go f.engine.RunJanitor(ctx, time.Millisecond, time.Millisecond)
	require.Eventually(t, func() bool {
		_, known := f.engine.Lookup("pruned-1")
		return !known
	}, 2*time.Second, 5*time.Millisecond)
	stop()

	for _, mode := range []Mode{ModeFutureCall, ModeInline, ModeMail} {
		t.Run(string(mode), func(t *testing.T) {
			replay := req
			replay.Mode = mode
			replay.MailID = "ops@example.com"
			_, err := f.engine.Submit(context.Background(), replay)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, "request_id", verr.Field)
			assert.Equal(t, "Request id expired", verr.Message)
		})
	}
	assert.EqualValues(t, 1, f.calls.Load())
}

func TestSubmit_InProgressIsNotRescheduled(t *testing.T) {
	f := newFixture(t, Options{})
	req := Request{RequestID: "dup", ServiceName: "block", Parameters: tagParam, Mode: ModeFutureCall}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := f.engine.Submit(context.Background(), req)
			assert.NoError(t, err)
			assert.Equal(t, jobtable.StatusInProgress, resp.Status)
		}()
	}
	wg.Wait()

	close(f.release)
	final := waitTerminal(t, f.engine, "dup")
	assert.Equal(t, jobtable.StatusSuccess, final.Status)
	assert.Equal(t, "released", final.Data)
	assert.EqualValues(t, 1, f.calls.Load())
}

func TestSubmit_GeneratesRequestID(t *testing.T) {
	f := newFixture(t, Options{NewID: func() string { return "generated" }})

	resp, err := f.engine.Submit(context.Background(), Request{
		ServiceName: "add",
		Parameters:  map[string]any{"a": 1, "b": 1},
		Mode:        ModeFutureCall,
	})
	require.NoError(t, err)
	assert.Equal(t, "generated", resp.RequestID)
	waitTerminal(t, f.engine, "generated")
}

func TestSubmit_DeferredUnknownFunction(t *testing.T) {
	f := newFixture(t, Options{})

	resp, err := f.engine.Submit(context.Background(), Request{
		RequestID:   "missing",
		ServiceName: "nope",
		Parameters:  tagParam,
		Mode:        ModeFutureCall,
	})
	require.NoError(t, err)
	assert.Equal(t, jobtable.StatusInProgress, resp.Status)

	final := waitTerminal(t, f.engine, "missing")
	assert.Equal(t, jobtable.StatusError, final.Status)
	assert.Equal(t, jobtable.ReasonFunctionNotFound, final.ErrorReason)
}

func TestSubmit_JobTimeout(t *testing.T) {
	f := newFixture(t, Options{JobTimeout: 20 * time.Millisecond})

	_, err := f.engine.Submit(context.Background(), Request{
		RequestID:   "slow",
		ServiceName: "block",
		Parameters:  tagParam,
		Mode:        ModeFutureCall,
	})
	require.NoError(t, err)

	final := waitTerminal(t, f.engine, "slow")
	assert.Equal(t, jobtable.StatusError, final.Status)
	assert.Equal(t, jobtable.ReasonFunctionExecutionError, final.ErrorReason)
	assert.Equal(t, "deadline exceeded", final.Detail)
}

func TestCancel(t *testing.T) {
	f := newFixture(t, Options{})

	_, err := f.engine.Submit(context.Background(), Request{
		RequestID:   "c-1",
		ServiceName: "block",
		Parameters:  tagParam,
		Mode:        ModeFutureCall,
	})
	require.NoError(t, err)

	assert.True(t, f.engine.Cancel("c-1"))
	final := waitTerminal(t, f.engine, "c-1")
	assert.Equal(t, jobtable.StatusError, final.Status)
	assert.Equal(t, "cancelled", final.Detail)

	assert.False(t, f.engine.Cancel("c-1"), "terminal jobs cannot be cancelled")
	assert.False(t, f.engine.Cancel("unknown"))
}

type recordingNotifier struct {
	mu    sync.Mutex
	sent  []string
	last  notify.Payload
	err   error
	calls chan struct{}
}

func newRecordingNotifier(err error) *recordingNotifier {
	return &recordingNotifier{err: err, calls: make(chan struct{}, 4)}
}

func (n *recordingNotifier) Send(_ context.Context, destination string, payload notify.Payload) error {
	n.mu.Lock()
	n.sent = append(n.sent, destination)
	n.last = payload
	n.mu.Unlock()
	n.calls <- struct{}{}
	return n.err
}

func (n *recordingNotifier) await(t *testing.T) {
	t.Helper()
	select {
	case <-n.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("notifier was not called")
	}
}

func TestSubmit_MailNotifies(t *testing.T) {
	mail := newRecordingNotifier(nil)
	f := newFixture(t, Options{Notifiers: map[Mode]notify.Notifier{ModeMail: mail}})

	_, err := f.engine.Submit(context.Background(), Request{
		RequestID:   "m-1",
		ServiceName: "add",
		Parameters:  map[string]any{"a": 1, "b": 2},
		Mode:        ModeMail,
		MailID:      "user@example.com",
	})
	require.NoError(t, err)
	mail.await(t)

	mail.mu.Lock()
	defer mail.mu.Unlock()
	assert.Equal(t, []string{"user@example.com"}, mail.sent)
	assert.Equal(t, "SUCCESS", mail.last["status"])
	assert.Equal(t, map[string]any{"result": 3.0}, mail.last["data"])

	rec, ok := f.engine.Lookup("m-1")
	require.True(t, ok)
	assert.Equal(t, jobtable.StatusSuccess, rec.Status, "status is terminal before the notifier runs")
}

func TestSubmit_NotifierFailureKeepsStatus(t *testing.T) {
	sms := newRecordingNotifier(errors.New("provider down"))
	f := newFixture(t, Options{Notifiers: map[Mode]notify.Notifier{ModeSMS: sms}})

	_, err := f.engine.Submit(context.Background(), Request{
		RequestID:   "s-1",
		ServiceName: "add",
		Parameters:  map[string]any{"a": 1, "b": 2},
		Mode:        ModeSMS,
		PhoneNo:     "+15551234567",
	})
	require.NoError(t, err)
	sms.await(t)

	final := waitTerminal(t, f.engine, "s-1")
	assert.Equal(t, jobtable.StatusSuccess, final.Status)
}

func TestShutdown(t *testing.T) {
	f := newFixture(t, Options{})

	_, err := f.engine.Submit(context.Background(), Request{
		RequestID:   "sd-1",
		ServiceName: "block",
		Parameters:  tagParam,
		Mode:        ModeFutureCall,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = f.engine.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	rec, ok := f.engine.Lookup("sd-1")
	require.True(t, ok)
	assert.Equal(t, jobtable.StatusError, rec.Status, "in-flight task is cancelled at the deadline")

	_, err = f.engine.Submit(context.Background(), Request{
		RequestID:   "sd-2",
		ServiceName: "add",
		Parameters:  map[string]any{"a": 1, "b": 1},
		Mode:        ModeFutureCall,
	})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestShutdown_ConcurrentSubmitsCompleteOrAreRefused(t *testing.T) {
	for round := 0; round < 20; round++ {
		f := newFixture(t, Options{})

		var (
			mu       sync.Mutex
			accepted []string
			wg       sync.WaitGroup
		)
		start := make(chan struct{})
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				id := fmt.Sprintf("race-%d-%d", round, i)
				_, err := f.engine.Submit(context.Background(), Request{
					RequestID:   id,
					ServiceName: "add",
					Parameters:  map[string]any{"a": 1, "b": 1},
					Mode:        ModeFutureCall,
				})
				if errors.Is(err, ErrShuttingDown) {
					return
				}
				assert.NoError(t, err)
				mu.Lock()
				accepted = append(accepted, id)
				mu.Unlock()
			}(i)
		}

		close(start)
		require.NoError(t, f.engine.Shutdown(context.Background()))
		wg.Wait()

		// Everything accepted was admitted before Shutdown began waiting, so
		// it ran to completion on a live context.
		for _, id := range accepted {
			resp, ok := f.engine.Lookup(id)
			require.True(t, ok, id)
			assert.Equal(t, jobtable.StatusSuccess, resp.Status, id)
		}
	}
}

func TestParseMode(t *testing.T) {
	m, ok := ParseMode("FUTURE_CALL")
	assert.True(t, ok)
	assert.Equal(t, ModeFutureCall, m)

	for _, s := range []string{"future_call", " FUTURE_CALL", "Mail", ""} {
		_, ok = ParseMode(s)
		assert.False(t, ok, "%q must not match", s)
	}

	_, ok = ParseMode("FAX")
	assert.False(t, ok)
}

func TestValidDestinations(t *testing.T) {
	assert.True(t, ValidMail("first.last+tag@example.co.uk"))
	assert.False(t, ValidMail("user@"))
	assert.True(t, ValidPhone("+14155550100"))
	assert.False(t, ValidPhone("+0123"))
	assert.False(t, ValidPhone("14155550100"))
}
