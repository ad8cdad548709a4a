package timeline

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/ValentinKolb/ctxhub/lib/errs"
	"github.com/ValentinKolb/ctxhub/lib/shard"
)

// SubscribeOptions tune a subscription.
type SubscribeOptions struct {
	// Buffer is the size of the delivery channel and of the live buffer on
	// the shard. 0 uses the shard default.
	Buffer int
	// Filter, if set, drops changes it returns false for.
	Filter func(shard.Change) bool
}

// Subscription streams the changes of a scope in WAL order: first the
// history from the requested sequence, then live commits.
type Subscription struct {
	ch     chan shard.Change
	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	err  error
	last uint64
}

// Subscribe starts a subscription on s delivering the changes of scope with
// a sequence of at least from. from 0 starts at the next commit.
//
// A subscriber that does not keep up is closed with a Lagged error. It can
// resume without gaps by subscribing again from Last()+1.
func Subscribe(ctx context.Context, s *shard.Shard, scope Scope, from uint64, opts SubscribeOptions) (*Subscription, error) {
	if scope.Doc == uuid.Nil && !scope.Subtree {
		return nil, errs.New(errs.CodeInvalidOperation, "scope needs a document")
	}
	live, err := s.Subscribe(opts.Buffer)
	if err != nil {
		return nil, err
	}
	if from == 0 {
		from = live.From()
	}
	if from > live.From() {
		live.Close()
		return nil, errs.Newf(errs.CodeInvalidOperation, "seq %d is beyond the end of the log (%d)", from, live.From()-1)
	}

	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = cap(live.Changes())
	}
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		ch:     make(chan shard.Change, buffer),
		cancel: cancel,
		done:   make(chan struct{}),
		last:   from - 1,
	}
	go sub.run(ctx, s, live, scope, from, opts.Filter)
	return sub, nil
}

// Changes returns the channel of changes. It is closed when the
// subscription ends, Err tells why.
func (sub *Subscription) Changes() <-chan shard.Change { return sub.ch }

// Err returns why the subscription ended: nil after Close, cancellation or
// shard shutdown, otherwise the error that stopped it.
func (sub *Subscription) Err() error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.err
}

// Last returns the sequence up to which changes were delivered or skipped.
// After the subscription ended with an error, resuming from Last()+1
// continues without gaps.
func (sub *Subscription) Last() uint64 {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.last
}

// Close ends the subscription and waits for it to stop.
func (sub *Subscription) Close() {
	sub.cancel()
	<-sub.done
}

func (sub *Subscription) fail(err error) {
	sub.mu.Lock()
	sub.err = err
	sub.mu.Unlock()
}

func (sub *Subscription) run(ctx context.Context, s *shard.Shard, live *shard.Subscription, scope Scope, from uint64, filter func(shard.Change) bool) {
	defer close(sub.done)
	defer close(sub.ch)
	defer live.Close()

	st, err := StateAt(ctx, s, from-1)
	if err != nil {
		if ctx.Err() == nil {
			sub.fail(err)
		}
		return
	}
	m := newMembership(scope, st)

	// last is advanced before the send: a change counted there is either
	// delivered or the subscription was canceled
	emit := func(ch shard.Change) bool {
		sub.mu.Lock()
		sub.last = ch.Seq
		sub.mu.Unlock()
		if m.observe(ch) && (filter == nil || filter(ch)) {
			select {
			case sub.ch <- ch:
			case <-ctx.Done():
				return false
			}
		}
		return true
	}

	// history up to the first live change
	if from < live.From() {
		n := 0
		for rec, err := range s.Log().ReadFrom(from) {
			if err == nil && rec.Seq >= live.From() {
				break
			}
			if err == nil && n%checkEvery == 0 && ctx.Err() != nil {
				return
			}
			n++
			var ch shard.Change
			if err == nil {
				ch, err = apply(st, rec)
			}
			if err != nil {
				if ctx.Err() == nil {
					sub.fail(err)
				}
				return
			}
			if !emit(ch) {
				return
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ch, ok := <-live.Changes():
			if !ok {
				sub.fail(live.Err())
				return
			}
			if !emit(ch) {
				return
			}
		}
	}
}

// --------------------------------------------------------------------------
// Scope membership
// --------------------------------------------------------------------------

// membership tracks which documents belong to a scope while changes stream
// by. It mirrors the parent links of the shard, so moves into and out of a
// subtree are recognized without access to the shard state.
type membership struct {
	scope   Scope
	parents map[uuid.UUID]uuid.UUID
}

func newMembership(scope Scope, st *shard.State) *membership {
	m := &membership{scope: scope, parents: make(map[uuid.UUID]uuid.UUID)}
	for _, d := range st.Catalog.All() {
		m.parents[d.ID] = d.Parent
	}
	return m
}

func (m *membership) contains(id uuid.UUID) bool {
	if id == m.scope.Doc {
		return true
	}
	if !m.scope.Subtree {
		return false
	}
	if m.scope.Doc == uuid.Nil {
		return true
	}
	seen := 0
	for {
		parent, ok := m.parents[id]
		if !ok || parent == uuid.Nil || seen > len(m.parents) {
			return false
		}
		if parent == m.scope.Doc {
			return true
		}
		id = parent
		seen++
	}
}

// observe updates the mirror with ch and reports whether ch concerns the
// scope, before or after the change.
func (m *membership) observe(ch shard.Change) bool {
	match := m.contains(ch.Doc) ||
		slices.ContainsFunc(ch.Deleted, m.contains) ||
		slices.ContainsFunc(ch.Purged, m.contains)

	switch ch.Kind {
	case shard.OpCreate, shard.OpMove, shard.OpReplicaSync:
		m.parents[ch.Doc] = ch.Parent
	case shard.OpPurge:
		for _, id := range ch.Purged {
			delete(m.parents, id)
		}
	}
	return match || m.contains(ch.Doc)
}
