package publisher

import (
	"math/rand"
)

// subscriptionBuffer is the number of results held for a subscriber
// before further results are dropped.
const subscriptionBuffer = 16

// Subscription streams the results of finished refreshes. Close must be
// called when done reading.
type Subscription struct {
	Close func() error
	Out   chan *RefreshResult
}

// Subscribe returns a subscription to refresh results. Results are
// dropped for subscribers that are not reading.
func (p *Publisher) Subscribe() (*Subscription, error) {
	i := rand.Uint64()
	sub := &Subscription{
		Out: make(chan *RefreshResult, subscriptionBuffer),
		Close: func() error {
			p.subMtx.Lock()
			defer p.subMtx.Unlock()

			delete(p.subs, i)
			return nil
		},
	}

	p.subMtx.Lock()
	defer p.subMtx.Unlock()

	p.subs[i] = sub

	return sub, nil
}

func (p *Publisher) notifySubscribers(res *RefreshResult) {
	p.subMtx.RLock()
	defer p.subMtx.RUnlock()

	for _, sub := range p.subs {
		select {
		case sub.Out <- res:
		default:
			log.Debugf("Dropping refresh result of %s for a slow subscriber", res.Handle)
		}
	}
}
