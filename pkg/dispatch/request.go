package dispatch

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/3leaps/gorws/pkg/jobtable"
	"github.com/3leaps/gorws/pkg/notify"
)

// Mode selects how a request is executed.
type Mode string

const (
	// ModeInline runs the function in the caller's request context.
	ModeInline Mode = "INLINE"

	// ModeFutureCall runs the function in the background; callers poll.
	ModeFutureCall Mode = "FUTURE_CALL"

	// ModeMail is ModeFutureCall plus a result mail.
	ModeMail Mode = "MAIL"

	// ModeSMS is ModeFutureCall plus a result SMS.
	ModeSMS Mode = "SMS"
)

// ParseMode maps a wire request_type onto a Mode. The match is exact:
// "inline" is not INLINE.
func ParseMode(s string) (Mode, bool) {
	switch m := Mode(s); m {
	case ModeInline, ModeFutureCall, ModeMail, ModeSMS:
		return m, true
	default:
		return "", false
	}
}

// Deferred reports whether m is tracked in the job table.
func (m Mode) Deferred() bool {
	return m == ModeFutureCall || m == ModeMail || m == ModeSMS
}

var (
	mailPattern  = regexp.MustCompile(`^[a-zA-Z0-9_.+-]+@[a-zA-Z0-9-]+\.[a-zA-Z0-9-.]+$`)
	phonePattern = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)
)

// ValidMail reports whether s looks like a mail address.
func ValidMail(s string) bool { return mailPattern.MatchString(s) }

// ValidPhone reports whether s is an E.164-like phone number.
func ValidPhone(s string) bool { return phonePattern.MatchString(s) }

// Request is a validated unit of work.
type Request struct {
	RequestID   string
	ServiceName string
	Parameters  map[string]any
	Mode        Mode
	MailID      string
	PhoneNo     string
}

// ValidationError is an INVALID_ARGUMENT failure. It is always reported
// synchronously and never creates a job.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// Validate checks required fields and the mode-specific destination.
func (r Request) Validate() error {
	if strings.TrimSpace(r.ServiceName) == "" {
		return &ValidationError{Field: "service_name", Message: "Missing required fields"}
	}
	if len(r.Parameters) == 0 {
		return &ValidationError{Field: "sub_json", Message: "Missing required fields"}
	}
	if _, ok := ParseMode(string(r.Mode)); !ok {
		return &ValidationError{Field: "request_type", Message: "Missing required fields"}
	}

	switch r.Mode {
	case ModeMail:
		if !ValidMail(r.MailID) {
			return &ValidationError{Field: "mail_id", Message: "Invalid or missing email"}
		}
	case ModeSMS:
		if !ValidPhone(r.PhoneNo) {
			return &ValidationError{Field: "phone_no", Message: "Invalid or missing phone number"}
		}
	}
	return nil
}

// Response is the lifecycle state returned to a caller.
type Response struct {
	RequestID   string               `json:"request_id"`
	Status      jobtable.Status      `json:"status"`
	Data        any                  `json:"data,omitempty"`
	ErrorReason jobtable.ErrorReason `json:"error_reason,omitempty"`
	Detail      string               `json:"detail,omitempty"`
}

func responseFromRecord(rec jobtable.Record) Response {
	resp := Response{RequestID: rec.RequestID, Status: rec.Status}
	switch rec.Status {
	case jobtable.StatusSuccess:
		resp.Data = rec.Data
	case jobtable.StatusError:
		resp.ErrorReason = rec.ErrorReason
		resp.Detail = rec.Detail
	}
	return resp
}

func responseFromOutcome(id string, out jobtable.Outcome) Response {
	return responseFromRecord(jobtable.Record{
		RequestID:   id,
		Status:      out.Status,
		Data:        out.Data,
		ErrorReason: out.ErrorReason,
		Detail:      out.Detail,
	})
}

// payload is the notification body for a terminal response.
func (r Response) payload() notify.Payload {
	p := notify.Payload{"request_id": r.RequestID, "status": string(r.Status)}
	if r.Status == jobtable.StatusSuccess {
		p["data"] = r.Data
	}
	if r.ErrorReason != "" {
		p["error_reason"] = string(r.ErrorReason)
	}
	return p
}
