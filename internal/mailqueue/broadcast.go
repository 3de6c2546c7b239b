package mailqueue

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/skeezrxcco/blastermailer/pkg/models"
)

// listenerBuffer bounds each subscriber channel. A subscriber that stalls
// past this depth loses frames rather than stalling the drain loop.
const listenerBuffer = 64

// Broadcaster fans delivery progress out to per-job subscribers. Publishing
// never blocks on a slow consumer.
type Broadcaster struct {
	mu     sync.Mutex
	nextID int
	// job id → listener id → channel
	listeners map[string]map[int]chan models.ProgressEvent
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{listeners: make(map[string]map[int]chan models.ProgressEvent)}
}

// Subscribe registers a listener for one job's progress. The cancel func is
// idempotent and safe to call while events are being published.
func (b *Broadcaster) Subscribe(jobID string) (<-chan models.ProgressEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	ch := make(chan models.ProgressEvent, listenerBuffer)

	if b.listeners[jobID] == nil {
		b.listeners[jobID] = make(map[int]chan models.ProgressEvent)
	}
	b.listeners[jobID][id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if set, ok := b.listeners[jobID]; ok {
				delete(set, id)
				if len(set) == 0 {
					delete(b.listeners, jobID)
				}
			}
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers an event to every current subscriber of the job.
func (b *Broadcaster) Publish(jobID string, ev models.ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.listeners[jobID] {
		select {
		case ch <- ev:
		default:
			log.Warn().
				Str("job_id", jobID).
				Int("listener", id).
				Msg("progress listener lagging, frame dropped")
		}
	}
}

// HasListeners reports whether any subscriber is still attached to the job.
func (b *Broadcaster) HasListeners(jobID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners[jobID]) > 0
}
