package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Failure categories for message handling. Every handler failure wraps exactly one
// of these so callers can decide whether to reply to the sender, drop silently, or
// just log:
//   - ErrValidation: missing/malformed fields, unknown device, bad token. Reported
//     to the sender, no state change.
//   - ErrAuthorization: relay attempted without an active grant.
//   - ErrUnavailable: destination transport not connected, or the admin link is down.
//   - ErrIntegrity: upstream referenced a session we don't hold.
//
// None of these are fatal to the process.
var (
	ErrValidation    = errors.New("validation failed")
	ErrAuthorization = errors.New("not authorized")
	ErrUnavailable   = errors.New("unavailable")
	ErrIntegrity     = errors.New("unknown reference")
)

// Validationf wraps ErrValidation with a human-readable message suitable for an
// error reply to the device.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}

func Unavailablef(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrUnavailable}, args...)...)
}

// HandlerError is an error with an associated HTTP status code, used by the REST
// surface to build error responses.
type HandlerError struct {
	StatusCode int
	Err        error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("HTTP %d : %s", e.StatusCode, e.Err.Error())
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

type jsonError struct {
	Err string `json:"error"`
}

func (e HandlerError) JSON() []byte {
	je := jsonError{e.Error()}
	b, _ := json.Marshal(je)
	return b
}

// Assert that the expression is true, similar to assert() in C. If expr is false, print or panic.
//
// If expr is false and GATEWAY_DEBUG=1 then the program panics.
// If expr is false and GATEWAY_DEBUG is unset or not '1' then the program logs an error along
// with a field which contains the file/line number of the caller/assertion of Assert.
// Assert should be used to verify invariants which should never be broken during normal
// functioning of the program, and shouldn't be used to log a normal error e.g network errors.
func Assert(msg string, expr bool) {
	if expr {
		return
	}
	if os.Getenv("GATEWAY_DEBUG") == "1" {
		panic(fmt.Sprintf("assert: %s", msg))
	}
	l := logger.Error()
	_, file, line, ok := runtime.Caller(1)
	if ok {
		l = l.Str("assertion", fmt.Sprintf("%s:%d", file, line))
	}
	_, file, line, ok = runtime.Caller(2)
	if ok {
		l = l.Str("caller", fmt.Sprintf("%s:%d", file, line))
	}
	l.Msg("assertion failed: " + msg)
}
