package schedule

import "errors"

var ErrUnknownLoop = errors.New("schedule: unknown loop")
