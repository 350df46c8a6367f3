package phonepe

import (
	"errors"
	"fmt"
)

// GatewayError distinguishes outcomes the caller may retry under the same
// merchant order id (transient) from ones where the order must be abandoned
// (permanent). Messages never carry credentials.
type GatewayError struct {
	Transient bool
	Code      string
	Operation string
	cause     error
}

func (e *GatewayError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.Code != "" {
		return fmt.Sprintf("phonepe %s: %s gateway error (%s)", e.Operation, kind, e.Code)
	}
	return fmt.Sprintf("phonepe %s: %s gateway error", e.Operation, kind)
}

func (e *GatewayError) Unwrap() error {
	return e.cause
}

func transientErr(op, code string, cause error) *GatewayError {
	return &GatewayError{Transient: true, Code: code, Operation: op, cause: cause}
}

func permanentErr(op, code string, cause error) *GatewayError {
	return &GatewayError{Transient: false, Code: code, Operation: op, cause: cause}
}

// IsTransient reports whether err is a gateway error safe to retry later
// under the same order id.
func IsTransient(err error) bool {
	var ge *GatewayError
	return errors.As(err, &ge) && ge.Transient
}

// IsPermanent reports whether err is a gateway rejection that will not heal.
func IsPermanent(err error) bool {
	var ge *GatewayError
	return errors.As(err, &ge) && !ge.Transient
}
