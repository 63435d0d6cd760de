package estests

import (
	"errors"

	"github.com/codewandler/esbus/core/es"
)

func errorsIsConflict(err error) bool { return errors.Is(err, es.ErrConcurrencyConflict) }
