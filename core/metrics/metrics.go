// Package metrics holds the backend-neutral primitives shared by the event
// store and bus metrics interfaces. Backends live under adapters/.
package metrics

import "time"

// Timer measures one operation, typically as
//
//	defer m.RepoSaveDuration(aggType).ObserveDuration()
type Timer interface {
	ObserveDuration()
}

type nopTimer struct{}

func (nopTimer) ObserveDuration() {}

func NopTimer() Timer { return nopTimer{} }

// FuncTimer calls observe with the time elapsed since it was created.
type FuncTimer struct {
	start   time.Time
	observe func(time.Duration)
}

func NewFuncTimer(observe func(time.Duration)) *FuncTimer {
	return &FuncTimer{start: time.Now(), observe: observe}
}

func (t *FuncTimer) ObserveDuration() { t.observe(time.Since(t.start)) }
