package httpclient

import (
	"errors"
	"fmt"
)

// Kind classifies a failed request.
type Kind string

const (
	KindTimeout    Kind = "timeout"
	KindConnection Kind = "connection"
	KindNotFound   Kind = "not_found"
	KindRateLimit  Kind = "rate_limit"
	KindClient     Kind = "client"
	KindServer     Kind = "server"
	KindInvalid    Kind = "invalid_request"
	// KindOther is reported by KindOf for errors that did not come from Do.
	KindOther Kind = "other"
)

// Error is a failed request: a transport failure (StatusCode 0) or a
// non-2xx answer.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	// Body is the response body of a non-2xx answer.
	Body []byte
	Err  error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("httpclient: %s (HTTP %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("httpclient: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func timeoutError(err error) *Error {
	return &Error{Kind: KindTimeout, Message: err.Error(), Err: err}
}

func connectionError(err error) *Error {
	return &Error{Kind: KindConnection, Message: err.Error(), Err: err}
}

func invalidRequest(msg string) *Error {
	return &Error{Kind: KindInvalid, Message: msg}
}

// StatusError returns the error for an answer with status, nil for 2xx.
func StatusError(status int, body []byte) *Error {
	var kind Kind
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == 404:
		kind = KindNotFound
	case status == 429:
		kind = KindRateLimit
	case status >= 400 && status < 500:
		kind = KindClient
	default:
		kind = KindServer
	}
	return &Error{Kind: kind, StatusCode: status, Message: fmt.Sprintf("HTTP %d", status), Body: body}
}

// KindOf returns the kind of err: empty for nil, KindOther for errors that
// are not an *Error.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindOther
}

// IsTimeout reports whether err is a request that ran out of time.
func IsTimeout(err error) bool { return KindOf(err) == KindTimeout }

// IsConnection reports whether err is a request that never got an answer.
func IsConnection(err error) bool { return KindOf(err) == KindConnection }
