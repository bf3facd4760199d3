package scheduler

import (
	"sync"

	"github.com/msfrecon/recond/internal/model"
)

type EventType string

const (
	EventStatus EventType = "status"
	EventOutput EventType = "output"
	EventResult EventType = "result"
)

// Event is a change of a job observable while it runs.
type Event struct {
	JobID  string            `json:"jobId"`
	Type   EventType         `json:"type"`
	Status model.Status      `json:"status,omitempty"`
	ToolID string            `json:"toolId,omitempty"`
	Line   string            `json:"line,omitempty"`
	Error  string            `json:"error,omitempty"`
	Result *model.ToolResult `json:"result,omitempty"`
}

const subscriberBuffer = 256

// Hub fans job events out to subscribers. A slow subscriber loses events
// rather than blocking the job.
type Hub struct {
	mx   sync.Mutex
	subs map[string]map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan Event]struct{})}
}

// Subscribe returns the events of job id and a function ending the
// subscription. The channel is closed by that function.
func (h *Hub) Subscribe(id string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	h.mx.Lock()
	if h.subs[id] == nil {
		h.subs[id] = make(map[chan Event]struct{})
	}
	h.subs[id][ch] = struct{}{}
	h.mx.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mx.Lock()
			defer h.mx.Unlock()
			delete(h.subs[id], ch)
			if len(h.subs[id]) == 0 {
				delete(h.subs, id)
			}
			close(ch)
		})
	}
}

func (h *Hub) Publish(e Event) {
	h.mx.Lock()
	defer h.mx.Unlock()
	for ch := range h.subs[e.JobID] {
		select {
		case ch <- e:
		default:
		}
	}
}
