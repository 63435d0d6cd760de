package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codewandler/esbus/core/es"
	"github.com/codewandler/esbus/core/pool"
)

var errLockLost = errors.New("message lock lost")

// MemoryBroker is an in-process broker with queue semantics close to the
// real ones: delivery locks, delayed redelivery, dead-letter lists and idle
// subscription removal. It implements Transport and Provisioner.
type MemoryBroker struct {
	mu     sync.Mutex
	roots  map[string]map[string]*memSub
	closed bool
	token  uint64
	signal chan struct{}
}

type memSub struct {
	cfg       Subscription
	bindings  map[string]struct{}
	entries   []*memEntry
	dead      []*Message
	receivers int
	idleSince time.Time
}

type memEntry struct {
	msg         *Message
	deliveries  int
	visibleAt   time.Time
	lockedUntil time.Time
	token       uint64
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		roots:  map[string]map[string]*memSub{},
		signal: make(chan struct{}),
	}
}

// wakeLocked wakes every receiver blocked in Next.
func (b *MemoryBroker) wakeLocked() {
	close(b.signal)
	b.signal = make(chan struct{})
}

func (b *MemoryBroker) reapLocked(now time.Time) {
	for _, subs := range b.roots {
		for name, s := range subs {
			if s.cfg.AutoDeleteOnIdle > 0 && s.receivers == 0 && now.Sub(s.idleSince) >= s.cfg.AutoDeleteOnIdle {
				delete(subs, name)
			}
		}
	}
}

func (b *MemoryBroker) subLocked(root, name string) (*memSub, error) {
	if b.closed {
		return nil, ErrTransportClosed
	}
	b.reapLocked(time.Now())
	subs, ok := b.roots[root]
	if !ok {
		return nil, fmt.Errorf("%w: routing root %s", ErrNotFound, root)
	}
	s, ok := subs[name]
	if !ok {
		return nil, fmt.Errorf("%w: subscription %s/%s", ErrNotFound, root, name)
	}
	return s, nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		b.wakeLocked()
	}
	return nil
}

func (b *MemoryBroker) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// === Transport ===

func (b *MemoryBroker) Publish(_ context.Context, root string, msg *Message) error {
	if msg == nil {
		return fmt.Errorf("%w: message is nil", es.ErrInvalidArgument)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrTransportClosed
	}
	b.reapLocked(time.Now())
	subs, ok := b.roots[root]
	if !ok {
		return fmt.Errorf("%w: routing root %s", ErrNotFound, root)
	}
	for _, s := range subs {
		if _, bound := s.bindings[msg.RoutingKey]; bound {
			s.entries = append(s.entries, &memEntry{msg: msg.Clone()})
		}
	}
	b.wakeLocked()
	return nil
}

func (b *MemoryBroker) Subscribe(_ context.Context, root string, sub Subscription) (Receiver, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.subLocked(root, sub.Name)
	if err != nil {
		return nil, err
	}
	s.receivers++
	return &memReceiver{b: b, root: root, name: sub.Name, sub: s}, nil
}

type memReceiver struct {
	b          *MemoryBroker
	root, name string
	sub        *memSub
	closeOnce  sync.Once
}

// attachedLocked returns the subscription the receiver attached to, failing
// when it was removed or replaced since.
func (r *memReceiver) attachedLocked() (*memSub, error) {
	s, err := r.b.subLocked(r.root, r.name)
	if err != nil {
		return nil, err
	}
	if s != r.sub {
		return nil, fmt.Errorf("%w: subscription %s/%s was replaced", ErrNotFound, r.root, r.name)
	}
	return s, nil
}

func (r *memReceiver) Next(ctx context.Context) (Delivery, error) {
	for {
		d, wake, signal, err := r.poll()
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}

		var (
			timer   *time.Timer
			timeout <-chan time.Time
		)
		if !wake.IsZero() {
			timer = time.NewTimer(time.Until(wake))
			timeout = timer.C
		}

		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-signal:
		case <-timeout:
		}
		if timer != nil {
			timer.Stop()
		}
		if err != nil {
			return nil, err
		}
	}
}

// poll locks the first deliverable entry, or reports when the next one
// becomes deliverable.
func (r *memReceiver) poll() (d *memDelivery, wake time.Time, signal <-chan struct{}, err error) {
	b := r.b
	b.mu.Lock()
	defer b.mu.Unlock()

	s, err := r.attachedLocked()
	if err != nil {
		return nil, wake, nil, err
	}

	now := time.Now()
	for _, e := range s.entries {
		ready := e.visibleAt
		if e.lockedUntil.After(ready) {
			ready = e.lockedUntil
		}
		if ready.After(now) {
			if wake.IsZero() || ready.Before(wake) {
				wake = ready
			}
			continue
		}

		b.token++
		e.deliveries++
		e.token = b.token
		e.lockedUntil = now.Add(s.cfg.LockDuration)
		return &memDelivery{
			r:     r,
			entry: e,
			token: e.token,
			msg:   e.msg.Clone(),
			n:     e.deliveries,
		}, wake, nil, nil
	}
	return nil, wake, b.signal, nil
}

func (r *memReceiver) Close() error {
	r.closeOnce.Do(func() {
		b := r.b
		b.mu.Lock()
		defer b.mu.Unlock()
		r.sub.receivers--
		if r.sub.receivers == 0 {
			r.sub.idleSince = time.Now()
		}
	})
	return nil
}

type memDelivery struct {
	r     *memReceiver
	entry *memEntry
	token uint64
	msg   *Message
	n     int
}

func (d *memDelivery) Message() *Message { return d.msg }
func (d *memDelivery) NumDelivered() int { return d.n }

// settle runs fn on the entry while this delivery still holds its lock.
func (d *memDelivery) settle(fn func(s *memSub, idx int)) error {
	b := d.r.b
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := d.r.attachedLocked()
	if err != nil {
		return err
	}
	for i, e := range s.entries {
		if e == d.entry {
			if e.token != d.token {
				return errLockLost
			}
			fn(s, i)
			b.wakeLocked()
			return nil
		}
	}
	return errLockLost
}

func (d *memDelivery) Ack(context.Context) error {
	return d.settle(func(s *memSub, i int) {
		s.entries = append(s.entries[:i], s.entries[i+1:]...)
	})
}

func (d *memDelivery) Nak(_ context.Context, delay time.Duration) error {
	return d.settle(func(s *memSub, i int) {
		e := s.entries[i]
		e.lockedUntil = time.Time{}
		e.visibleAt = time.Now().Add(delay)
	})
}

func (d *memDelivery) DeadLetter(_ context.Context, reason string) error {
	return d.settle(func(s *memSub, i int) {
		msg := s.entries[i].msg.Clone()
		msg.SetHeader(HeaderDeadLetterReason, reason)
		s.dead = append(s.dead, msg)
		s.entries = append(s.entries[:i], s.entries[i+1:]...)
	})
}

// === Provisioner ===

func (b *MemoryBroker) EnsureRoot(_ context.Context, root string) (ProvisionResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Failed, ErrTransportClosed
	}
	if _, ok := b.roots[root]; ok {
		return AlreadyPresent, nil
	}
	b.roots[root] = map[string]*memSub{}
	return Created, nil
}

func (b *MemoryBroker) EnsureSubscription(_ context.Context, root string, sub Subscription) (ProvisionResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Failed, ErrTransportClosed
	}
	b.reapLocked(time.Now())
	subs, ok := b.roots[root]
	if !ok {
		return Failed, fmt.Errorf("%w: routing root %s", ErrNotFound, root)
	}
	if _, ok := subs[sub.Name]; ok {
		return AlreadyPresent, nil
	}
	subs[sub.Name] = &memSub{
		cfg:       sub.WithDefaults(),
		bindings:  map[string]struct{}{},
		idleSince: time.Now(),
	}
	return Created, nil
}

func (b *MemoryBroker) EnsureBinding(_ context.Context, root, sub string, bd Binding) (ProvisionResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.subLocked(root, sub)
	if err != nil {
		return Failed, err
	}
	if _, ok := s.bindings[bd.RoutingKey()]; ok {
		return AlreadyPresent, nil
	}
	s.bindings[bd.RoutingKey()] = struct{}{}
	return Created, nil
}

func (b *MemoryBroker) RemoveBinding(_ context.Context, root, sub string, bd Binding) (ProvisionResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.subLocked(root, sub)
	if errors.Is(err, ErrNotFound) {
		return AlreadyAbsent, nil
	} else if err != nil {
		return Failed, err
	}
	if _, ok := s.bindings[bd.RoutingKey()]; !ok {
		return AlreadyAbsent, nil
	}
	delete(s.bindings, bd.RoutingKey())
	return Removed, nil
}

func (b *MemoryBroker) RemoveSubscription(_ context.Context, root, sub string) (ProvisionResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.subLocked(root, sub); errors.Is(err, ErrNotFound) {
		return AlreadyAbsent, nil
	} else if err != nil {
		return Failed, err
	}
	delete(b.roots[root], sub)
	b.wakeLocked()
	return Removed, nil
}

func (b *MemoryBroker) ListBindings(_ context.Context, root, sub string) ([]Binding, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.subLocked(root, sub)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(s.bindings))
	for k := range s.bindings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Binding, len(keys))
	for i, k := range keys {
		out[i] = Binding{EventType: k}
	}
	return out, nil
}

// === Inspection ===

// DeadLetters returns copies of the dead-lettered messages of a subscription.
func (b *MemoryBroker) DeadLetters(root, sub string) []*Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.roots[root][sub]
	if !ok {
		return nil
	}
	out := make([]*Message, len(s.dead))
	for i, m := range s.dead {
		out[i] = m.Clone()
	}
	return out
}

// Pending returns the number of unsettled messages of a subscription.
func (b *MemoryBroker) Pending(root, sub string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.roots[root][sub]
	if !ok {
		return 0
	}
	return len(s.entries)
}

var (
	_ Transport   = (*MemoryBroker)(nil)
	_ Provisioner = (*MemoryBroker)(nil)
)

// === pooled transport ===

// NewMemoryPool returns a connection pool of memory brokers keyed by
// endpoint, so components configured with the same memory:// URI share one
// broker.
func NewMemoryPool(log *slog.Logger, m pool.Metrics) (*pool.Pool[*MemoryBroker], error) {
	return pool.New(pool.Config[*MemoryBroker]{
		Log:     log,
		Dial:    func(context.Context, string) (*MemoryBroker, error) { return NewMemoryBroker(), nil },
		Alive:   func(b *MemoryBroker) bool { return !b.Closed() },
		Close:   func(b *MemoryBroker) error { return b.Close() },
		Broken:  func(err error) bool { return errors.Is(err, ErrTransportClosed) },
		Metrics: m,
	})
}

// MemoryTransport reaches the memory broker of one endpoint through a pool.
// Closing it does not close the shared broker.
type MemoryTransport struct {
	pool   *pool.Pool[*MemoryBroker]
	key    string
	closed atomic.Bool
}

func NewMemoryTransport(p *pool.Pool[*MemoryBroker], key string) *MemoryTransport {
	return &MemoryTransport{pool: p, key: key}
}

// Broker returns the broker currently serving the endpoint.
func (t *MemoryTransport) Broker(ctx context.Context) (*MemoryBroker, error) {
	return t.pool.Acquire(ctx, t.key)
}

func memDo[T any](ctx context.Context, t *MemoryTransport, fn func(*MemoryBroker) (T, error)) (v T, err error) {
	if t.closed.Load() {
		return v, ErrTransportClosed
	}
	err = t.pool.Do(ctx, t.key, func(b *MemoryBroker) error {
		v, err = fn(b)
		return err
	})
	return v, err
}

func (t *MemoryTransport) Publish(ctx context.Context, root string, msg *Message) error {
	_, err := memDo(ctx, t, func(b *MemoryBroker) (struct{}, error) { return struct{}{}, b.Publish(ctx, root, msg) })
	return err
}

func (t *MemoryTransport) Subscribe(ctx context.Context, root string, sub Subscription) (Receiver, error) {
	return memDo(ctx, t, func(b *MemoryBroker) (Receiver, error) { return b.Subscribe(ctx, root, sub) })
}

func (t *MemoryTransport) Close() error {
	t.closed.Store(true)
	return nil
}

func (t *MemoryTransport) EnsureRoot(ctx context.Context, root string) (ProvisionResult, error) {
	return memDo(ctx, t, func(b *MemoryBroker) (ProvisionResult, error) { return b.EnsureRoot(ctx, root) })
}

func (t *MemoryTransport) EnsureSubscription(ctx context.Context, root string, sub Subscription) (ProvisionResult, error) {
	return memDo(ctx, t, func(b *MemoryBroker) (ProvisionResult, error) { return b.EnsureSubscription(ctx, root, sub) })
}

func (t *MemoryTransport) EnsureBinding(ctx context.Context, root, sub string, bd Binding) (ProvisionResult, error) {
	return memDo(ctx, t, func(b *MemoryBroker) (ProvisionResult, error) { return b.EnsureBinding(ctx, root, sub, bd) })
}

func (t *MemoryTransport) RemoveBinding(ctx context.Context, root, sub string, bd Binding) (ProvisionResult, error) {
	return memDo(ctx, t, func(b *MemoryBroker) (ProvisionResult, error) { return b.RemoveBinding(ctx, root, sub, bd) })
}

func (t *MemoryTransport) RemoveSubscription(ctx context.Context, root, sub string) (ProvisionResult, error) {
	return memDo(ctx, t, func(b *MemoryBroker) (ProvisionResult, error) { return b.RemoveSubscription(ctx, root, sub) })
}

func (t *MemoryTransport) ListBindings(ctx context.Context, root, sub string) ([]Binding, error) {
	return memDo(ctx, t, func(b *MemoryBroker) ([]Binding, error) { return b.ListBindings(ctx, root, sub) })
}

var (
	_ Transport   = (*MemoryTransport)(nil)
	_ Provisioner = (*MemoryTransport)(nil)
)
