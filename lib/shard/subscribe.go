package shard

import (
	"sync"

	"github.com/VictoriaMetrics/metrics"

	"github.com/ValentinKolb/ctxhub/lib/errs"
)

var laggedTotal = metrics.NewCounter("ctxhub_shard_subscribers_lagged_total")

// Subscription receives the changes committed on a shard after it was
// registered, in sequence order and without gaps. A subscriber that falls
// behind by more than its buffer is terminated with a Lagged error instead
// of blocking commits.
type Subscription struct {
	id    uint64
	shard *Shard
	ch    chan Change
	from  uint64

	once sync.Once
	mu   sync.Mutex
	err  error
}

// Subscribe registers a subscription. buffer <= 0 uses the shard default.
func (s *Shard) Subscribe(buffer int) (*Subscription, error) {
	if buffer <= 0 {
		buffer = s.opts.SubscriberBuffer
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errs.Newf(errs.CodeIOFailure, "shard %d is closed", s.opts.ID)
	}

	s.nextSub++
	sub := &Subscription{
		id:    s.nextSub,
		shard: s,
		ch:    make(chan Change, buffer),
		from:  s.state.Seq + 1,
	}
	s.subs[sub.id] = sub
	return sub, nil
}

// publish hands ch to every subscriber. Caller must hold the write lock.
func (s *Shard) publish(ch Change) {
	for id, sub := range s.subs {
		select {
		case sub.ch <- ch:
		default:
			laggedTotal.Inc()
			log.Warningf("shard %d: subscriber %d lagged at seq %d", s.opts.ID, id, ch.Seq)
			sub.terminate(errs.Newf(errs.CodeLagged, "subscriber fell behind at seq %d", ch.Seq))
			delete(s.subs, id)
		}
	}
}

// From is the sequence of the first change the subscription delivers.
func (sub *Subscription) From() uint64 { return sub.from }

// Changes returns the channel of changes. It is closed when the
// subscription ends, Err tells why.
func (sub *Subscription) Changes() <-chan Change { return sub.ch }

// Err returns the reason the subscription ended: nil after Close or shard
// shutdown, a Lagged error if the subscriber fell behind.
func (sub *Subscription) Err() error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.err
}

// Close ends the subscription.
func (sub *Subscription) Close() {
	sub.shard.mu.Lock()
	delete(sub.shard.subs, sub.id)
	sub.shard.mu.Unlock()
	sub.terminate(nil)
}

func (sub *Subscription) terminate(err error) {
	sub.once.Do(func() {
		sub.mu.Lock()
		sub.err = err
		sub.mu.Unlock()
		close(sub.ch)
	})
}
