// Package es provides event-sourced aggregate persistence.
//
// # Overview
//
// State is stored as an ordered, append-only log of events grouped by stream.
// An aggregate is rebuilt by replaying its stream and changed by raising new
// events, which the [Repository] appends with an optimistic concurrency check.
//
// # Aggregates
//
// Embed [BaseAggregate] and install one apply function per event type with
// [On] in the constructor. Dispatch is by event type name, no reflection:
//
//	type Account struct {
//	    es.BaseAggregate
//	    Balance int
//	}
//
//	func NewAccount(id string) *Account {
//	    a := &Account{}
//	    a.SetID(id)
//	    es.On(&a.BaseAggregate, func(e *Deposited) error {
//	        a.Balance += e.Amount
//	        return nil
//	    })
//	    return a
//	}
//
//	func (a *Account) Deposit(n int) error {
//	    return es.RaiseAndApply(a, &Deposited{Amount: n})
//	}
//
// # Event store
//
// [EventStore] appends envelopes to a stream only when the stream is at the
// expected version and assigns each a global sequence number in the same
// write. [InMemoryStore] is the in-process implementation; adapters/sqlite
// and adapters/nats provide durable ones.
//
// # Repository
//
// [Repository.Load] folds a stream into an aggregate. [Repository.Save]
// appends the uncommitted events and then hands the committed envelopes to
// the configured [Publisher]. A publish failure never undoes the commit; it
// is logged and reported to the [PublishFailureFunc] so a relay can retry.
//
//	repo, _ := es.NewRepository(store, registry, es.WithPublisher(publisher))
//	accounts, _ := es.NewTypedRepository(repo, NewAccount)
//	acc, found, err := accounts.Get(ctx, "acc-1")
//
// Conflicts surface as [ErrConcurrencyConflict]; the caller reloads and
// retries.
//
// # Projections
//
// [Projector] follows [EventStore.ReadAll] from a checkpoint and feeds a
// [Handler], for read models living next to the store.
package es
