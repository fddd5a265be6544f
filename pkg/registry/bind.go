package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Bind destructures params into fn's declared named arguments.
//
// Missing required arguments, undeclared extra arguments and values of the
// wrong kind all fail with an *ArgumentError.
func Bind(fn Function, params map[string]any) (Args, error) {
	declared := fn.Params()
	known := make(map[string]struct{}, len(declared))
	args := make(Args, len(declared))

	for _, p := range declared {
		known[p.Name] = struct{}{}
		v, ok := params[p.Name]
		if !ok {
			if p.Optional {
				continue
			}
			return nil, &ArgumentError{Function: fn.Name(), Param: p.Name, Reason: "missing required argument"}
		}
		nv, err := coerce(p.Kind, v)
		if err != nil {
			return nil, &ArgumentError{Function: fn.Name(), Param: p.Name, Reason: err.Error()}
		}
		args[p.Name] = nv
	}

	var extra []string
	for name := range params {
		if _, ok := known[name]; !ok {
			extra = append(extra, name)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		return nil, &ArgumentError{Function: fn.Name(), Param: extra[0], Reason: "unexpected argument"}
	}

	return args, nil
}

// Call binds params and invokes fn. Any failure, including a panic inside
// the function, comes back as an *ExecutionError whose Diagnostic carries
// the underlying message.
func Call(ctx context.Context, fn Function, params map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &ExecutionError{Function: fn.Name(), Diagnostic: diagnostic(fmt.Sprintf("panic: %v", r))}
		}
	}()

	args, err := Bind(fn, params)
	if err != nil {
		return nil, &ExecutionError{Function: fn.Name(), Diagnostic: diagnostic(err.Error()), Err: err}
	}

	result, err = fn.Invoke(ctx, args)
	if err != nil {
		var diag string
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			diag = "deadline exceeded"
		case errors.Is(err, context.Canceled):
			diag = "cancelled"
		default:
			diag = diagnostic(err.Error())
		}
		return nil, &ExecutionError{Function: fn.Name(), Diagnostic: diag, Err: err}
	}
	return result, nil
}

// MaxDiagnosticLen caps the diagnostic returned to callers.
const MaxDiagnosticLen = 256

// diagnostic keeps the first line of msg, capped at MaxDiagnosticLen runes.
// Multi-line messages such as stack dumps never reach the caller.
func diagnostic(msg string) string {
	if i := strings.IndexAny(msg, "\r\n"); i >= 0 {
		msg = msg[:i]
	}
	msg = strings.TrimSpace(msg)
	if r := []rune(msg); len(r) > MaxDiagnosticLen {
		msg = string(r[:MaxDiagnosticLen-3]) + "..."
	}
	if msg == "" {
		return "function raised an error"
	}
	return msg
}

func coerce(kind Kind, v any) (any, error) {
	switch kind {
	case KindAny, "":
		return v, nil
	case KindString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", v)
		}
		return s, nil
	case KindBool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool, got %T", v)
		}
		return b, nil
	case KindNumber:
		f, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("expected number, got %T", v)
		}
		return f, nil
	case KindInteger:
		f, ok := toFloat(v)
		if !ok || f != math.Trunc(f) {
			return nil, fmt.Errorf("expected integer, got %v", v)
		}
		return f, nil
	case KindObject:
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expected object, got %T", v)
		}
		return m, nil
	case KindArray:
		a, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("expected array, got %T", v)
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unsupported kind %q", kind)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
