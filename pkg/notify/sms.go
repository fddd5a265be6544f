package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"
)

// DefaultTwilioBaseURL is the Twilio REST API root.
const DefaultTwilioBaseURL = "https://api.twilio.com"

// SMSConfig configures Twilio delivery. BaseURL redirects API calls to
// another host (a mock or a regional proxy).
type SMSConfig struct {
	AccountSID string
	AuthToken  string
	From       string
	BaseURL    string
	Timeout    time.Duration
}

// SMSNotifier sends results through the Twilio Messages API.
type SMSNotifier struct {
	cfg       SMSConfig
	target    *url.URL
	transport http.RoundTripper
	logger    *zap.Logger
}

func NewSMSNotifier(cfg SMSConfig, logger *zap.Logger) *SMSNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultTwilioBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	s := &SMSNotifier{cfg: cfg, transport: http.DefaultTransport, logger: logger}
	if cfg.BaseURL != DefaultTwilioBaseURL {
		u, err := url.Parse(cfg.BaseURL)
		if err != nil || u.Host == "" {
			logger.Warn("Ignoring invalid Twilio base URL", zap.String("base_url", cfg.BaseURL))
		} else {
			s.target = u
		}
	}
	return s
}

func (s *SMSNotifier) Send(ctx context.Context, destination string, payload Payload) error {
	s.logger.Debug("Sending SMS", zap.String("to", destination))

	if s.cfg.AccountSID == "" || s.cfg.AuthToken == "" || s.cfg.From == "" {
		s.logger.Warn("Twilio credentials are missing")
		return ErrNotConfigured
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	params := &openapi.CreateMessageParams{}
	params.SetTo(destination)
	params.SetFrom(s.cfg.From)
	params.SetBody(Body(payload))

	msg, err := s.restClient(ctx).Api.CreateMessage(params)
	if err != nil {
		var restErr *twilioclient.TwilioRestError
		if errors.As(err, &restErr) {
			err = fmt.Errorf("twilio returned %d: %w", restErr.Status, err)
		}
		s.logger.Warn("Error sending SMS", zap.String("to", destination), zap.Error(err))
		return fmt.Errorf("send sms to %s: %w", destination, err)
	}

	sid := ""
	if msg != nil && msg.Sid != nil {
		sid = *msg.Sid
	}
	s.logger.Info("SMS sent successfully", zap.String("to", destination), zap.String("sid", sid))
	return nil
}

// restClient builds a Twilio client whose requests carry ctx. The SDK call
// itself takes no context.
func (s *SMSNotifier) restClient(ctx context.Context) *twilio.RestClient {
	base := &twilioclient.Client{
		Credentials: twilioclient.NewCredentials(s.cfg.AccountSID, s.cfg.AuthToken),
		HTTPClient: &http.Client{
			Timeout:   s.cfg.Timeout,
			Transport: &contextTransport{ctx: ctx, target: s.target, next: s.transport},
		},
	}
	base.SetAccountSid(s.cfg.AccountSID)
	return twilio.NewRestClientWithParams(twilio.ClientParams{Client: base})
}

// contextTransport binds outgoing requests to ctx and optionally rewrites
// their scheme and host to target.
type contextTransport struct {
	ctx    context.Context
	target *url.URL
	next   http.RoundTripper
}

func (t *contextTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(t.ctx)
	if t.target != nil {
		r.URL.Scheme = t.target.Scheme
		r.URL.Host = t.target.Host
		r.Host = t.target.Host
	}
	return t.next.RoundTrip(r)
}
