package estests

import (
	"testing"

	"github.com/codewandler/esbus/core/es"
)

func TestInMemoryStore(t *testing.T) {
	RunStoreSuite(t, func(t *testing.T) es.EventStore { return es.NewInMemoryStore() })
}
