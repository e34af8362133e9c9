package exception

import (
	"errors"
	"strings"
)

// General errors
var (
	ErrNilInstance         = errors.New("nil instance")
	ErrArgumentUnsupported = errors.New("argument unsupported")
	ErrInternal            = errors.New("internal error")
	ErrInResponseError     = errors.New("there is an error in response error field")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrFatalConfig         = errors.New("config: fatal")
)

// FatalConfigError reports configuration the connector cannot run with.
type FatalConfigError struct {
	Problems []string
}

func (e *FatalConfigError) Error() string {
	return "fatal config: " + strings.Join(e.Problems, "; ")
}

func (e *FatalConfigError) Is(target error) bool {
	return target == ErrFatalConfig
}

// NewFatalConfig returns nil when no problem was collected.
func NewFatalConfig(problems ...string) error {
	if len(problems) == 0 {
		return nil
	}
	return &FatalConfigError{Problems: problems}
}
