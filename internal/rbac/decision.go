package rbac

import (
	"fmt"
	"net/http"

	"github.com/odyssey-erp/odyssey-iam/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

type outcome uint8

const (
	outcomeIndeterminate outcome = iota
	outcomeAdmit
	outcomeDeny
)

// Decision is the result of evaluating a Check.
type Decision struct {
	outcome outcome
	err     error
}

// Admit lets the request through.
func Admit() Decision { return Decision{outcome: outcomeAdmit} }

// Deny rejects the request with err.
func Deny(err error) Decision {
	if err == nil {
		err = errAccessDenied()
	}
	return Decision{outcome: outcomeDeny, err: err}
}

// Indeterminate means the check has no opinion about the request.
func Indeterminate() Decision { return Decision{} }

// Admitted reports whether the decision admits the request.
func (d Decision) Admitted() bool { return d.outcome == outcomeAdmit }

// Denied reports whether the decision rejects the request.
func (d Decision) Denied() bool { return d.outcome == outcomeDeny }

// Indeterminate reports whether the check abstained.
func (d Decision) Indeterminate() bool { return d.outcome == outcomeIndeterminate }

// Err returns the denial reason, or nil.
func (d Decision) Err() error { return d.err }

func (d Decision) String() string {
	switch d.outcome {
	case outcomeAdmit:
		return "admit"
	case outcomeDeny:
		return "deny"
	default:
		return "indeterminate"
	}
}

// Check is an authorization predicate. It never writes to the response.
type Check func(r *http.Request) Decision

func errAccessDenied() error { return shared.ForbiddenError("access denied") }

// AnyOf admits when any check admits. Checks run in order and evaluation stops
// at the first Admit. When none admits, the first recorded denial is returned;
// with no recorded denial (or no checks) the result is a generic forbidden error.
func AnyOf(checks ...Check) Check {
	return func(r *http.Request) Decision {
		var first error
		for _, check := range checks {
			if check == nil {
				continue
			}
			d := check(r)
			switch {
			case d.Admitted():
				return d
			case d.Denied() && first == nil:
				first = d.err
			}
		}
		if first == nil {
			first = errAccessDenied()
		}
		return Deny(first)
	}
}

// Require turns a check into middleware. Anything but Admit ends the request
// with the mapped problem response.
func Require(check Check) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if check == nil {
				httpx.RespondError(w, errAccessDenied())
				return
			}
			d := check(r)
			if d.Admitted() {
				next.ServeHTTP(w, r)
				return
			}
			err := d.err
			if err == nil {
				err = errAccessDenied()
			}
			httpx.RespondError(w, err)
		})
	}
}

// RequireAny is Require(AnyOf(checks...)).
func RequireAny(checks ...Check) func(http.Handler) http.Handler {
	return Require(AnyOf(checks...))
}

// Adapt wraps middleware that writes its own failure response into a Check.
// The middleware runs against a writer that records the status and discards
// everything else; reaching next admits, a recorded status denies, and doing
// neither is indeterminate. Context values the middleware adds are not kept.
func Adapt(mw func(http.Handler) http.Handler) Check {
	return func(r *http.Request) Decision {
		reached := false
		next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { reached = true })
		sink := &discardWriter{header: make(http.Header)}
		mw(next).ServeHTTP(sink, r)

		if reached {
			return Admit()
		}
		if sink.status == 0 {
			return Indeterminate()
		}
		return Deny(errorForStatus(sink.status))
	}
}

func errorForStatus(status int) error {
	switch status {
	case http.StatusUnauthorized:
		return shared.UnauthorizedError("authentication required")
	case http.StatusForbidden:
		return errAccessDenied()
	case http.StatusNotFound:
		return shared.ErrNotFound
	case http.StatusConflict:
		return shared.ErrConflict
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return shared.ErrValidation
	default:
		return fmt.Errorf("rbac: adapted check responded with status %d", status)
	}
}

type discardWriter struct {
	header http.Header
	status int
}

func (w *discardWriter) Header() http.Header { return w.header }

func (w *discardWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
}

func (w *discardWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return len(b), nil
}
