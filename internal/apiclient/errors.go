package apiclient

import (
	"errors"
	"strings"
)

// Kind classifies client failures so callers can branch without parsing
// message text.
type Kind int

const (
	// KindNetwork: the request never produced an HTTP response.
	KindNetwork Kind = iota + 1
	// KindHTTP: the response status was outside 2xx.
	KindHTTP
	// KindInvalidFormat: the body was not the expected JSON shape.
	KindInvalidFormat
	// KindApplication: a 2xx envelope with result "error".
	KindApplication
	// KindInvalidToken: an application error rejecting the CSRF token.
	KindInvalidToken
	// KindValidation: the form failed local validation; nothing was sent.
	KindValidation
	// KindMissingToken: a token refresh answered without csrfToken.
	KindMissingToken
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindHTTP:
		return "http"
	case KindInvalidFormat:
		return "invalid_format"
	case KindApplication:
		return "application"
	case KindInvalidToken:
		return "invalid_token"
	case KindValidation:
		return "validation"
	case KindMissingToken:
		return "missing_token"
	default:
		return "unknown"
	}
}

// Error is the error type returned by every Client operation.
type Error struct {
	Kind       Kind
	Message    string
	StatusCode int      // set for KindHTTP
	Fields     []string // offending form fields, set for KindValidation
	Err        error    // underlying cause, if any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is, or wraps, an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}

// applicationError classifies an upstream error message. The upstream has no
// error codes; a rejected token is recognised by marker appearing verbatim
// in msg.
func applicationError(msg, marker string) *Error {
	kind := KindApplication
	if marker != "" && strings.Contains(msg, marker) {
		kind = KindInvalidToken
	}
	return &Error{Kind: kind, Message: msg}
}
