package account

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeInvalidCredentials Code = "invalid_credentials"
	CodeEmailInUse         Code = "email_in_use"
	CodeWeakPassword       Code = "weak_password"
	CodeInvalidEmail       Code = "invalid_email"
	CodeUnauthenticated    Code = "unauthenticated"
)

// AuthError is returned for every rejected account operation. It is final;
// callers surface it and never retry.
type AuthError struct {
	Code    Code
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HasCode reports whether err is an *AuthError with the given code.
func HasCode(err error, code Code) bool {
	var ae *AuthError
	return errors.As(err, &ae) && ae.Code == code
}
