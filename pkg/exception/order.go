package exception

import "errors"

var (
	ErrOrderDuplicate         = errors.New("order: duplicate client order id")
	ErrOrderUnknown           = errors.New("order: unknown client order id")
	ErrOrderInvalidRequest    = errors.New("order: invalid request")
	ErrOrderUnsupportedType   = errors.New("order: unsupported type")
	ErrOrderInvalidTransition = errors.New("order: invalid state transition")
	ErrOrderInvalidFill       = errors.New("order: invalid fill")
	ErrOrderAmountQuantized   = errors.New("order: amount quantized to zero")
	ErrOrderNotFound          = errors.New("order: not found on venue")
	ErrAmbiguousTerminalState = errors.New("order: conflicting terminal state")
	ErrVenueRejection         = errors.New("order: rejected by venue")
)

// VenueRejection is an order-specific refusal reported by the venue.
type VenueRejection struct {
	Code   string
	Reason string
}

func (e *VenueRejection) Error() string {
	if e.Code == "" {
		return "venue rejection: " + e.Reason
	}
	return "venue rejection " + e.Code + ": " + e.Reason
}

func (e *VenueRejection) Is(target error) bool {
	return target == ErrVenueRejection
}
