package ingest

import (
	"sync"
	"time"

	"guesthub/pkg/models"
	"guesthub/pkg/store"
)

// Dedup tracks recently seen (channel, provider message id) pairs. The hot
// path is an in-memory window; the persisted dedup keys under the same
// identity survive restarts and are consulted on a memory miss, so a
// provider retry after a crash is still recognized.
type Dedup struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration
}

func NewDedup(window time.Duration) *Dedup {
	if window <= 0 {
		window = 10 * time.Minute
	}
	return &Dedup{seen: make(map[string]time.Time), window: window}
}

func dedupMemKey(ch models.Channel, providerMsgID string) string {
	return string(ch) + ":" + providerMsgID
}

// Seen reports whether the pair was already ingested inside the window.
func (d *Dedup) Seen(ch models.Channel, providerMsgID string) (bool, error) {
	if providerMsgID == "" {
		return false, nil
	}
	now := time.Now()
	k := dedupMemKey(ch, providerMsgID)

	d.mu.Lock()
	if ts, ok := d.seen[k]; ok && now.Sub(ts) < d.window {
		d.mu.Unlock()
		return true, nil
	}
	d.mu.Unlock()

	return store.SeenDedup(ch, providerMsgID)
}

// Mark records the pair in the memory window. Callers persist the matching
// store.DedupRecord inside the same batch as the message itself, so the
// durable mark and the message commit or fail together.
func (d *Dedup) Mark(ch models.Channel, providerMsgID string) {
	if providerMsgID == "" {
		return
	}
	now := time.Now()
	k := dedupMemKey(ch, providerMsgID)

	d.mu.Lock()
	d.seen[k] = now
	if len(d.seen)%1024 == 0 {
		for mk, ts := range d.seen {
			if now.Sub(ts) >= d.window {
				delete(d.seen, mk)
			}
		}
	}
	d.mu.Unlock()
}

// Size returns the current memory window population.
func (d *Dedup) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
