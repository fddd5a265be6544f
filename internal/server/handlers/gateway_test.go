package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/gorws/internal/errors"
	"github.com/3leaps/gorws/pkg/auth"
	"github.com/3leaps/gorws/pkg/dispatch"
	"github.com/3leaps/gorws/pkg/jobtable"
	"github.com/3leaps/gorws/pkg/notify"
	"github.com/3leaps/gorws/pkg/registry"
)

const testKey = "k-test"

type gatewayFixture struct {
	router  chi.Router
	engine  *dispatch.Engine
	release chan struct{}

	mu   sync.Mutex
	sent []string
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	f := &gatewayFixture{release: make(chan struct{})}

	reg := registry.New()
	operands := []registry.Param{
		{Name: "a", Kind: registry.KindNumber},
		{Name: "b", Kind: registry.KindNumber},
	}
	_, err := reg.Register(registry.NewFunction("add", "Return a + b", operands,
		func(ctx context.Context, args registry.Args) (any, error) {
			return map[string]any{"result": args["a"].(float64) + args["b"].(float64)}, nil
		}))
	require.NoError(t, err)
	_, err = reg.Register(registry.NewFunction("wait", "Block until released",
		[]registry.Param{{Name: "label", Kind: registry.KindString}},
		func(ctx context.Context, args registry.Args) (any, error) {
			select {
			case <-f.release:
				return map[string]any{"label": args["label"]}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}))
	require.NoError(t, err)

	record := notify.NotifierFunc(func(_ context.Context, destination string, _ notify.Payload) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.sent = append(f.sent, destination)
		return nil
	})

	f.engine = dispatch.New(reg, jobtable.New(), dispatch.Options{
		Notifiers: map[dispatch.Mode]notify.Notifier{
			dispatch.ModeMail: record,
			dispatch.ModeSMS:  record,
		},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = f.engine.Shutdown(ctx)
	})

	f.router = chi.NewRouter()
	NewGateway(f.engine, auth.NewStaticKeys([]string{testKey}), reg, nil).Routes(f.router)
	return f
}

func (f *gatewayFixture) do(method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *gatewayFixture) post(body string) *httptest.ResponseRecorder {
	return f.do(http.MethodPost, "/web_server", body, map[string]string{APIKeyHeader: testKey})
}

func decodeStatusBody(t *testing.T, rec *httptest.ResponseRecorder) statusBody {
	t.Helper()
	var body statusBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) dispatch.Response {
	t.Helper()
	var resp dispatch.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp
}

func TestSubmit_RejectsMalformedBody(t *testing.T) {
	f := newGatewayFixture(t)

	for _, body := range []string{`{not json`, `null`, `[1,2]`, `"text"`, ``} {
		t.Run(body, func(t *testing.T) {
			rec := f.post(body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, statusBody{Status: "INVALID_ARGUMENT", Error: "Invalid JSON format"}, decodeStatusBody(t, rec))
		})
	}
}

func TestSubmit_APIKey(t *testing.T) {
	f := newGatewayFixture(t)
	valid := `{"service_name":"add","sub_json":{"a":1,"b":2},"request_type":"INLINE"}`

	t.Run("missing", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/web_server", valid, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, statusBody{Status: "UNAUTHORIZED", Error: "Invalid API Key"}, decodeStatusBody(t, rec))
	})

	t.Run("wrong header", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/web_server", valid, map[string]string{APIKeyHeader: "nope"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("api_key field", func(t *testing.T) {
		body := `{"api_key":"k-test","service_name":"add","sub_json":{"a":1,"b":2},"request_type":"INLINE"}`
		rec := f.do(http.MethodPost, "/web_server", body, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("header name in body", func(t *testing.T) {
		body := `{"X-API-Key":"k-test","service_name":"add","sub_json":{"a":1,"b":2},"request_type":"INLINE"}`
		rec := f.do(http.MethodPost, "/web_server", body, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("malformed body wins over missing key", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/web_server", `{`, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestSubmit_ValidationMessages(t *testing.T) {
	f := newGatewayFixture(t)

	cases := []struct {
		name string
		body string
		want string
	}{
		{"missing service", `{"sub_json":{"a":1},"request_type":"INLINE"}`, "Missing required fields"},
		{"missing sub_json", `{"service_name":"add","request_type":"INLINE"}`, "Missing required fields"},
		{"empty sub_json", `{"service_name":"add","sub_json":{},"request_type":"INLINE"}`, "Missing required fields"},
		{"missing request_type", `{"service_name":"add","sub_json":{"a":1}}`, "Missing required fields"},
		{"lowercase request_type", `{"service_name":"add","sub_json":{"a":1},"request_type":"inline"}`, "Missing required fields"},
		{"sub_json not object", `{"service_name":"add","sub_json":[1],"request_type":"INLINE"}`, "sub_json must be a JSON object"},
		{"mail without address", `{"service_name":"add","sub_json":{"a":1},"request_type":"MAIL"}`, "Invalid or missing email"},
		{"mail bad address", `{"service_name":"add","sub_json":{"a":1},"request_type":"MAIL","mail_id":"nobody"}`, "Invalid or missing email"},
		{"sms without phone", `{"service_name":"add","sub_json":{"a":1},"request_type":"SMS"}`, "Invalid or missing phone number"},
		{"sms bad phone", `{"service_name":"add","sub_json":{"a":1},"request_type":"SMS","phone_no":"12ab"}`, "Invalid or missing phone number"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.post(tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			body := decodeStatusBody(t, rec)
			assert.Equal(t, "INVALID_ARGUMENT", body.Status)
			assert.Equal(t, tc.want, body.Error)
		})
	}
}

func TestSubmit_InlineReturnsResult(t *testing.T) {
	f := newGatewayFixture(t)

	rec := f.post(`{"request_id":"r-inline","service_name":"add","sub_json":{"a":2,"b":40},"request_type":"INLINE"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeResponse(t, rec)
	assert.Equal(t, "r-inline", resp.RequestID)
	assert.Equal(t, jobtable.StatusSuccess, resp.Status)
	assert.Equal(t, map[string]any{"result": 42.0}, resp.Data)

	// INLINE results are not recorded.
	rec = f.do(http.MethodGet, "/jobs/r-inline", "", map[string]string{APIKeyHeader: testKey})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmit_InlineErrorsAreTerminal(t *testing.T) {
	f := newGatewayFixture(t)

	rec := f.post(`{"service_name":"missing","sub_json":{"a":1},"request_type":"INLINE"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Equal(t, jobtable.StatusError, resp.Status)
	assert.Equal(t, jobtable.ReasonFunctionNotFound, resp.ErrorReason)
	assert.NotEmpty(t, resp.RequestID)

	rec = f.post(`{"service_name":"add","sub_json":{"a":"x","b":1},"request_type":"INLINE"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decodeResponse(t, rec)
	assert.Equal(t, jobtable.ReasonFunctionExecutionError, resp.ErrorReason)
}

func TestSubmit_FutureCallLifecycle(t *testing.T) {
	f := newGatewayFixture(t)
	hdr := map[string]string{APIKeyHeader: testKey}
	body := `{"request_id":"r-fc","service_name":"wait","sub_json":{"label":"x"},"request_type":"FUTURE_CALL"}`

	rec := f.post(body)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, jobtable.StatusInProgress, decodeResponse(t, rec).Status)

	// Resubmitting while running does not schedule a second task.
	rec = f.post(body)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.do(http.MethodGet, "/jobs/r-fc", "", hdr)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	close(f.release)
	_, err := f.engine.Wait(context.Background(), "r-fc")
	require.NoError(t, err)

	rec = f.do(http.MethodGet, "/jobs/r-fc", "", hdr)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Equal(t, jobtable.StatusSuccess, resp.Status)
	assert.Equal(t, map[string]any{"label": "x"}, resp.Data)

	// A terminal replay answers from the table.
	rec = f.post(body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, resp, decodeResponse(t, rec))
}

func TestSubmit_PrunedReplayIsRejected(t *testing.T) {
	f := newGatewayFixture(t)
	body := `{"request_id":"r-pruned","service_name":"add","sub_json":{"a":1,"b":2},"request_type":"FUTURE_CALL"}`

	require.Equal(t, http.StatusAccepted, f.post(body).Code)
	_, err := f.engine.Wait(context.Background(), "r-pruned")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.Equal(t, 1, f.engine.Table().Prune(time.Millisecond))

	rec := f.post(body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, statusBody{Status: "INVALID_ARGUMENT", Error: "Request id expired"}, decodeStatusBody(t, rec))
}

func TestSubmit_MailAndSMSNotify(t *testing.T) {
	f := newGatewayFixture(t)
	close(f.release)

	rec := f.post(`{"request_id":"r-mail","service_name":"add","sub_json":{"a":1,"b":1},"request_type":"MAIL","mail_id":"ops@example.com"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	rec = f.post(`{"request_id":"r-sms","service_name":"add","sub_json":{"a":1,"b":1},"request_type":"SMS","phone_no":"+15550100"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	for _, id := range []string{"r-mail", "r-sms"} {
		_, err := f.engine.Wait(context.Background(), id)
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.sent) == 2
	}, time.Second, 10*time.Millisecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.ElementsMatch(t, []string{"ops@example.com", "+15550100"}, f.sent)
}

func TestGetJob(t *testing.T) {
	f := newGatewayFixture(t)

	rec := f.do(http.MethodGet, "/jobs/unknown", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodGet, "/jobs/unknown?api_key="+testKey, "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, apperrors.CodeNotFound, body.Error.Code)
	assert.Equal(t, "unknown", body.Error.Details["request_id"])
}

func TestCancelJob(t *testing.T) {
	f := newGatewayFixture(t)
	hdr := map[string]string{APIKeyHeader: testKey}

	rec := f.post(`{"request_id":"r-cancel","service_name":"wait","sub_json":{"label":"c"},"request_type":"FUTURE_CALL"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.do(http.MethodDelete, "/jobs/r-cancel", "", hdr)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"request_id":"r-cancel","status":"CANCELLING"}`, rec.Body.String())

	resp, err := f.engine.Wait(context.Background(), "r-cancel")
	require.NoError(t, err)
	assert.Equal(t, jobtable.StatusError, resp.Status)
	assert.Equal(t, jobtable.ReasonFunctionExecutionError, resp.ErrorReason)

	rec = f.do(http.MethodDelete, "/jobs/r-cancel", "", hdr)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListFunctions(t *testing.T) {
	f := newGatewayFixture(t)

	rec := f.do(http.MethodGet, "/functions", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Functions []FunctionInfo `json:"functions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Functions, 2)
	assert.Equal(t, "add", body.Functions[0].Name)
	assert.Equal(t, "Return a + b", body.Functions[0].Description)
	assert.Len(t, body.Functions[0].Params, 2)
	assert.Equal(t, "wait", body.Functions[1].Name)
}

func TestNewGateway_DefaultsToAllowAll(t *testing.T) {
	reg := registry.New()
	engine := dispatch.New(reg, jobtable.New(), dispatch.Options{})
	r := chi.NewRouter()
	NewGateway(engine, nil, reg, nil).Routes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/web_server",
		strings.NewReader(`{"service_name":"add","sub_json":{"a":1},"request_type":"INLINE"}`)))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp dispatch.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, jobtable.ReasonFunctionNotFound, resp.ErrorReason)
}
