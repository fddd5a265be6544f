package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/gorws/internal/errors"
	"github.com/3leaps/gorws/pkg/auth"
	"github.com/3leaps/gorws/pkg/dispatch"
	"github.com/3leaps/gorws/pkg/jobtable"
	"github.com/3leaps/gorws/pkg/registry"
)

// APIKeyHeader carries the caller's key when it is not in the body.
const APIKeyHeader = "X-API-Key"

const maxRequestBody = 1 << 20

// Wire messages for the submission endpoint.
const (
	msgInvalidJSON   = "Invalid JSON format"
	msgInvalidAPIKey = "Invalid API Key"
	msgSubJSONObject = "sub_json must be a JSON object"

	statusInvalidArg   = "INVALID_ARGUMENT"
	statusUnauthorized = "UNAUTHORIZED"
)

var errNotObject = errors.New("request body must be a JSON object")

// FunctionCatalog is the read side of the function registry.
type FunctionCatalog interface {
	Names() []string
	Resolve(name string) (registry.Function, error)
}

// Gateway exposes the dispatch engine over HTTP.
type Gateway struct {
	engine     *dispatch.Engine
	authorizer auth.Authorizer
	functions  FunctionCatalog
	logger     *zap.Logger
}

func NewGateway(engine *dispatch.Engine, authorizer auth.Authorizer, functions FunctionCatalog, logger *zap.Logger) *Gateway {
	if authorizer == nil {
		authorizer = auth.AllowAll
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{engine: engine, authorizer: authorizer, functions: functions, logger: logger}
}

// Routes mounts the gateway endpoints on r.
func (g *Gateway) Routes(r chi.Router) {
	r.Post("/web_server", g.Submit)
	r.Get("/jobs/{requestID}", g.GetJob)
	r.Delete("/jobs/{requestID}", g.CancelJob)
	r.Get("/functions", g.ListFunctions)
}

type submitRequest struct {
	RequestID   string          `json:"request_id"`
	ServiceName string          `json:"service_name"`
	SubJSON     json.RawMessage `json:"sub_json"`
	RequestType string          `json:"request_type"`
	MailID      string          `json:"mail_id"`
	PhoneNo     string          `json:"phone_no"`
	APIKey      string          `json:"api_key"`

	// HeaderKey accepts clients that put the header name in the body.
	HeaderKey string `json:"X-API-Key"`
}

// statusBody is the flat error body of the submission endpoint.
type statusBody struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// Submit serves POST /web_server.
//
// Checks run in order: well-formed JSON object, API key, required fields,
// destination for MAIL/SMS. Terminal results are 200; IN_PROGRESS is 202.
func (g *Gateway) Submit(w http.ResponseWriter, r *http.Request) {
	var body submitRequest
	if err := decodeObject(w, r, &body); err != nil {
		g.logger.Debug("Rejected malformed submission", zap.Error(err))
		apperrors.WriteJSON(w, http.StatusBadRequest, statusBody{Status: statusInvalidArg, Error: msgInvalidJSON})
		return
	}

	key := firstNonEmpty(r.Header.Get(APIKeyHeader), body.APIKey, body.HeaderKey)
	if !g.authorizer.IsValid(key) {
		g.logger.Warn("Rejected submission with invalid API key", zap.String("service_name", body.ServiceName))
		apperrors.WriteJSON(w, http.StatusUnauthorized, statusBody{Status: statusUnauthorized, Error: msgInvalidAPIKey})
		return
	}

	params, err := decodeParameters(body.SubJSON)
	if err != nil {
		apperrors.WriteJSON(w, http.StatusBadRequest, statusBody{Status: statusInvalidArg, Error: err.Error()})
		return
	}

	resp, err := g.engine.Submit(r.Context(), dispatch.Request{
		RequestID:   strings.TrimSpace(body.RequestID),
		ServiceName: strings.TrimSpace(body.ServiceName),
		Parameters:  params,
		Mode:        dispatch.Mode(body.RequestType),
		MailID:      strings.TrimSpace(body.MailID),
		PhoneNo:     strings.TrimSpace(body.PhoneNo),
	})
	if err != nil {
		var verr *dispatch.ValidationError
		switch {
		case errors.As(err, &verr):
			apperrors.WriteJSON(w, http.StatusBadRequest, statusBody{Status: statusInvalidArg, Error: verr.Message})
		case errors.Is(err, dispatch.ErrShuttingDown):
			respondWithError(w, r, apperrors.NewServiceUnavailable("server is shutting down"))
		default:
			respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "failed to submit request"))
		}
		return
	}

	writeLifecycle(w, resp)
}

// GetJob serves GET /jobs/{requestID}.
func (g *Gateway) GetJob(w http.ResponseWriter, r *http.Request) {
	if !g.authorized(w, r) {
		return
	}
	id := chi.URLParam(r, "requestID")
	resp, ok := g.engine.Lookup(id)
	if !ok {
		respondWithError(w, r, apperrors.NewNotFound("request id not found").
			WithDetails(map[string]any{"request_id": id}))
		return
	}
	writeLifecycle(w, resp)
}

// CancelJob serves DELETE /jobs/{requestID}.
func (g *Gateway) CancelJob(w http.ResponseWriter, r *http.Request) {
	if !g.authorized(w, r) {
		return
	}
	id := chi.URLParam(r, "requestID")
	if !g.engine.Cancel(id) {
		respondWithError(w, r, apperrors.NewNotFound("no running job for request id").
			WithDetails(map[string]any{"request_id": id}))
		return
	}
	apperrors.WriteJSON(w, http.StatusAccepted, map[string]string{
		"request_id": id,
		"status":     "CANCELLING",
	})
}

// FunctionInfo describes one registered function.
type FunctionInfo struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Params      []registry.Param `json:"params"`
}

// ListFunctions serves GET /functions.
func (g *Gateway) ListFunctions(w http.ResponseWriter, r *http.Request) {
	out := []FunctionInfo{}
	if g.functions != nil {
		for _, name := range g.functions.Names() {
			fn, err := g.functions.Resolve(name)
			if err != nil {
				continue
			}
			params := fn.Params()
			if params == nil {
				params = []registry.Param{}
			}
			out = append(out, FunctionInfo{Name: name, Description: fn.Description(), Params: params})
		}
	}
	apperrors.WriteJSON(w, http.StatusOK, map[string]any{"functions": out})
}

func (g *Gateway) authorized(w http.ResponseWriter, r *http.Request) bool {
	key := firstNonEmpty(r.Header.Get(APIKeyHeader), r.URL.Query().Get("api_key"))
	if g.authorizer.IsValid(key) {
		return true
	}
	respondWithError(w, r, apperrors.NewUnauthorized(msgInvalidAPIKey))
	return false
}

func writeLifecycle(w http.ResponseWriter, resp dispatch.Response) {
	status := http.StatusOK
	if resp.Status == jobtable.StatusInProgress {
		status = http.StatusAccepted
	}
	apperrors.WriteJSON(w, status, resp)
}

func decodeObject(w http.ResponseWriter, r *http.Request, v any) error {
	var raw json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&raw); err != nil {
		return err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return errNotObject
	}
	return json.Unmarshal(raw, v)
}

// decodeParameters returns nil for an absent or empty sub_json so the
// engine reports it as a missing field.
func decodeParameters(raw json.RawMessage) (map[string]any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] != '{' {
		return nil, errors.New(msgSubJSONObject)
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var params map[string]any
	if err := dec.Decode(&params); err != nil {
		return nil, errors.New(msgSubJSONObject)
	}
	return params, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
