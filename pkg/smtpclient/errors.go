package smtpclient

import "fmt"

// ErrorClass buckets SMTP failures for retry decisions.
//
// Transient errors (4xx) and permanent errors (5xx) are counted against a
// recipient's retry budget by the dispatcher. Local errors (I/O, malformed
// replies) are not recipient failures and propagate out of the delivery loop.
type ErrorClass string

const (
	ErrorClassTransient ErrorClass = "transient"
	ErrorClassPermanent ErrorClass = "permanent"
	ErrorClassLocal     ErrorClass = "local"
)

// Classify maps an SMTP reply code to an error class. Codes outside the
// 4xx/5xx ranges (including the zero value when no reply was read) are local.
func Classify(code int) ErrorClass {
	switch {
	case code >= 400 && code < 500:
		return ErrorClassTransient
	case code >= 500 && code < 600:
		return ErrorClassPermanent
	default:
		return ErrorClassLocal
	}
}

// Error is a classified SMTP failure. Reply holds the last reply read before
// the failure, if any.
type Error struct {
	Op    string
	Class ErrorClass
	Reply Reply
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("smtp %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("smtp %s: %d %s", e.Op, e.Reply.Code, e.Reply.Text)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func localError(op string, reply Reply, err error) *Error {
	return &Error{Op: op, Class: ErrorClassLocal, Reply: reply, Err: err}
}
