// Package domain holds a small counter aggregate used across store, repository
// and bus tests.
package domain

import (
	"fmt"

	"github.com/codewandler/esbus/core/es"
)

type (
	TestAgg struct {
		es.BaseAggregate

		Counter        uint16 `json:"counter"`
		NumIncrements  int    `json:"num_increments"`
		NumResets      int    `json:"num_resets"`
		NumTotalEvents int    `json:"num_total_events"`
		Name           string `json:"name"`
	}

	Incremented struct {
		Inc   uint8 `json:"inc,omitempty"`
		Reset bool  `json:"reset,omitempty"`
	}

	Renamed struct {
		Name string `json:"name"`
	}
)

func (Incremented) EventType() string { return "Incremented" }
func (Renamed) EventType() string     { return "Renamed" }

func (e Renamed) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("name is required")
	}
	return nil
}

func NewTestAgg(id string) *TestAgg {
	a := &TestAgg{}
	a.SetID(id)
	es.On(&a.BaseAggregate, a.onIncremented)
	es.On(&a.BaseAggregate, a.onRenamed)
	return a
}

func (a *TestAgg) GetAggType() string { return "test_agg" }

func (a *TestAgg) onIncremented(e *Incremented) error {
	a.NumTotalEvents++

	if e.Inc > 0 {
		a.Counter += uint16(e.Inc)
		a.NumIncrements++
	}

	if e.Reset {
		a.Counter = 0
		a.NumResets++
	}

	return nil
}

func (a *TestAgg) onRenamed(e *Renamed) error {
	a.NumTotalEvents++
	a.Name = e.Name
	return nil
}

// === Commands ===

func (a *TestAgg) Reset() error { return es.RaiseAndApply(a, &Incremented{Reset: true}) }
func (a *TestAgg) Inc() error   { return a.IncBy(1) }
func (a *TestAgg) IncBy(v uint8) error {
	if a.Counter+uint16(v) > 24 {
		return fmt.Errorf("counter cannot exceed 24")
	}
	return es.RaiseAndApply(a, &Incremented{Inc: v})
}
func (a *TestAgg) Rename(name string) error { return es.RaiseAndApply(a, &Renamed{Name: name}) }

// === Read ===

func (a *TestAgg) Count() int { return int(a.Counter) }

// Registry returns a registry knowing every event of the domain.
func Registry() *es.EventRegistry {
	r := es.NewRegistry()
	es.Register[Incremented](r)
	es.Register[Renamed](r)
	return r
}
