// Package dedupe implements the TTL set of recently-seen replicated
// message ids used to suppress re-applying a message this node has
// already processed. It follows the teacher's TTL-bookkeeping idiom from
// internal/shared/limits/connection_rate_limiter.go: a mutex-guarded map
// plus a periodic sweep goroutine, sized to stay O(1) amortised per call.
package dedupe

import (
	"sync"
	"time"
)

const defaultTTL = 60 * time.Second

// Dedupe answers ShouldAccept(docID, messageID) exactly once per pair
// within the configured TTL. It is safe for concurrent use.
type Dedupe struct {
	ttl   time.Duration
	mu    sync.Mutex
	seen  map[string]map[string]time.Time // docID -> messageID -> expiresAt
	now   func() time.Time
	done  chan struct{}
	once  sync.Once
}

// New creates a Dedupe with the given TTL. A zero ttl uses the 60s
// default from the spec.
func New(ttl time.Duration) *Dedupe {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	d := &Dedupe{
		ttl:  ttl,
		seen: make(map[string]map[string]time.Time),
		now:  time.Now,
		done: make(chan struct{}),
	}
	go d.sweepLoop()
	return d
}

// ShouldAccept returns true exactly once per (docID, messageID) pair
// within the TTL window; subsequent calls for the same pair return false
// until the entry expires.
func (d *Dedupe) ShouldAccept(docID, messageID string) bool {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()

	docSeen := d.seen[docID]
	if docSeen == nil {
		docSeen = make(map[string]time.Time)
		d.seen[docID] = docSeen
	}

	if expiresAt, ok := docSeen[messageID]; ok && now.Before(expiresAt) {
		return false
	}

	docSeen[messageID] = now.Add(d.ttl)
	return true
}

// Close stops the background sweep goroutine. Safe to call more than once.
func (d *Dedupe) Close() {
	d.once.Do(func() { close(d.done) })
}

func (d *Dedupe) sweepLoop() {
	ticker := time.NewTicker(d.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.sweep()
		case <-d.done:
			return
		}
	}
}

func (d *Dedupe) sweep() {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	for docID, docSeen := range d.seen {
		for id, expiresAt := range docSeen {
			if !now.Before(expiresAt) {
				delete(docSeen, id)
			}
		}
		if len(docSeen) == 0 {
			delete(d.seen, docID)
		}
	}
}
