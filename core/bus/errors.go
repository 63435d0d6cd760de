package bus

import (
	"errors"
	"fmt"

	"github.com/codewandler/esbus/core/es"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrConsumerState   = errors.New("invalid consumer state")
	ErrTransportClosed = errors.New("transport closed")
	ErrInvalidConfig   = fmt.Errorf("%w: invalid bus config", es.ErrInvalidArgument)
)
