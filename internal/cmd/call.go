package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gorws/internal/observability"
	"github.com/3leaps/gorws/internal/server/handlers"
	"github.com/3leaps/gorws/pkg/dispatch"
	"github.com/3leaps/gorws/pkg/jobtable"
)

var callCmd = &cobra.Command{
	Use:   "call <service>",
	Short: "Submit a request to a running server",
	Long: `Submit one request to a gorws server and print the response.

Parameters are given as --param name=value. Values that parse as JSON
(numbers, booleans, objects) are sent as such; anything else is a string.
FUTURE_CALL requests are polled until they finish. MAIL and SMS requests
return immediately; the result is delivered to the destination.

Example:
  gorws call add --param a=2 --param b=3
  gorws call div --type FUTURE_CALL --param a=1 --param b=4
  gorws call mul --type MAIL --mail ops@example.com --param a=6 --param b=7`,
	Args: cobra.ExactArgs(1),
	RunE: runCall,
}

var (
	callServer       string
	callAPIKey       string
	callType         string
	callParams       []string
	callMail         string
	callPhone        string
	callRequestID    string
	callPollInterval time.Duration
	callTimeout      time.Duration
)

func init() {
	rootCmd.AddCommand(callCmd)

	callCmd.Flags().StringVar(&callServer, "server", "http://localhost:5000", "Server base URL")
	callCmd.Flags().StringVar(&callAPIKey, "api-key", os.Getenv("GORWS_API_KEY"), "API key (default $GORWS_API_KEY)")
	callCmd.Flags().StringVarP(&callType, "type", "t", string(dispatch.ModeInline), "Request type: INLINE, FUTURE_CALL, MAIL or SMS")
	callCmd.Flags().StringArrayVar(&callParams, "param", nil, "Parameter as name=value (repeatable)")
	callCmd.Flags().StringVar(&callMail, "mail", "", "Destination address for MAIL")
	callCmd.Flags().StringVar(&callPhone, "phone", "", "Destination number for SMS (E.164)")
	callCmd.Flags().StringVar(&callRequestID, "request-id", "", "Request id (default: generated)")
	callCmd.Flags().DurationVar(&callPollInterval, "poll-interval", time.Second, "Polling interval for FUTURE_CALL")
	callCmd.Flags().DurationVar(&callTimeout, "timeout", 10*time.Minute, "Give up waiting after this long")
}

func runCall(cmd *cobra.Command, args []string) error {
	mode, ok := dispatch.ParseMode(strings.ToUpper(strings.TrimSpace(callType)))
	if !ok {
		return exitError(foundry.ExitInvalidArgument, "Invalid --type value", fmt.Errorf("unsupported request type %q", callType))
	}
	params, err := parseParams(callParams)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --param value", err)
	}
	if callPollInterval <= 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --poll-interval value", fmt.Errorf("poll interval must be positive"))
	}

	requestID := callRequestID
	if requestID == "" {
		requestID = uuid.New().String()
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
	defer cancel()

	client := &callClient{
		base:   strings.TrimRight(callServer, "/"),
		apiKey: callAPIKey,
		http:   &http.Client{Timeout: 30 * time.Second},
	}

	body := map[string]any{
		"request_id":   requestID,
		"service_name": args[0],
		"sub_json":     params,
		"request_type": string(mode),
	}
	if callMail != "" {
		body["mail_id"] = callMail
	}
	if callPhone != "" {
		body["phone_no"] = callPhone
	}

	observability.CLILogger.Debug("Submitting request",
		zap.String("request_id", requestID),
		zap.String("service_name", args[0]),
		zap.String("mode", string(mode)))

	status, raw, err := client.submit(ctx, body)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Request failed", err)
	}
	if status != http.StatusAccepted || mode != dispatch.ModeFutureCall {
		return printCallResult(cmd.OutOrStdout(), status, raw)
	}

	observability.CLILogger.Info("Request accepted; polling for result",
		zap.String("request_id", requestID),
		zap.Duration("interval", callPollInterval))

	status, raw, err = client.poll(ctx, requestID, callPollInterval)
	if err != nil {
		if ctx.Err() != nil {
			return exitError(foundry.ExitSignalInt, "Gave up waiting for result", err)
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Polling failed", err)
	}
	return printCallResult(cmd.OutOrStdout(), status, raw)
}

// parseParams turns name=value pairs into a sub_json object.
func parseParams(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("expected name=value, got %q", pair)
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			out[name] = decoded
			continue
		}
		out[name] = value
	}
	return out, nil
}

type callClient struct {
	base   string
	apiKey string
	http   *http.Client
}

func (c *callClient) submit(ctx context.Context, body map[string]any) (int, []byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/web_server", bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *callClient) get(ctx context.Context, requestID string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/jobs/"+url.PathEscape(requestID), nil)
	if err != nil {
		return 0, nil, err
	}
	return c.do(req)
}

func (c *callClient) do(req *http.Request) (int, []byte, error) {
	if c.apiKey != "" {
		req.Header.Set(handlers.APIKeyHeader, c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, raw, nil
}

// poll fetches the job until it leaves IN_PROGRESS.
func (c *callClient) poll(ctx context.Context, requestID string, interval time.Duration) (int, []byte, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return 0, nil, ctx.Err()
		case <-ticker.C:
		}

		status, raw, err := c.get(ctx, requestID)
		if err != nil {
			return 0, nil, err
		}
		if status != http.StatusAccepted {
			return status, raw, nil
		}

		var resp dispatch.Response
		if err := json.Unmarshal(raw, &resp); err == nil && resp.Status != jobtable.StatusInProgress {
			return status, raw, nil
		}
		observability.CLILogger.Debug("Still in progress", zap.String("request_id", requestID))
	}
}

func printCallResult(out io.Writer, status int, raw []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		buf.Reset()
		buf.Write(raw)
	}
	_, _ = fmt.Fprintln(out, buf.String())

	switch {
	case status == http.StatusUnauthorized:
		return exitError(foundry.ExitInvalidArgument, "Request rejected", fmt.Errorf("invalid API key"))
	case status >= 400 && status < 500:
		return exitError(foundry.ExitInvalidArgument, "Request rejected", fmt.Errorf("HTTP %d", status))
	case status >= 500:
		return exitError(foundry.ExitExternalServiceUnavailable, "Server error", fmt.Errorf("HTTP %d", status))
	}

	var resp dispatch.Response
	if err := json.Unmarshal(raw, &resp); err == nil && resp.Status == jobtable.StatusError {
		return exitError(foundry.ExitExternalServiceUnavailable, "Request failed", fmt.Errorf("%s: %s", resp.ErrorReason, resp.Detail))
	}
	return nil
}
