package outcome

import "errors"

var ErrNilFailure = errors.New("outcome: failure without error")
