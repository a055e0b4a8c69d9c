// Package events is the in-process push hub behind the real-time
// surface. Publishers emit onto named channels; subscribers receive
// through bounded mailboxes. A subscriber that stops draining is
// dropped rather than allowed to stall publishers, and recent events
// are retained so a reconnecting client can replay from the last
// sequence number it saw.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tradewind/marketsync/internal/config"
)

// Well-known channels.
const (
	ChannelSyncProgress   = "sync_progress"
	ChannelSyncCompleted  = "sync_completed"
	ChannelSyncFailed     = "sync_failed"
	ChannelNewProduct     = "new_product"
	ChannelProductUpdated = "product_updated"
	ChannelSystemStatus   = "system_status"
)

// AllChannels lists every known channel, for subscribe-all clients.
func AllChannels() []string {
	return []string{
		ChannelSyncProgress, ChannelSyncCompleted, ChannelSyncFailed,
		ChannelNewProduct, ChannelProductUpdated, ChannelSystemStatus,
	}
}

// Event is one hub message. Seq is monotonic per task id, so clients
// track (task_id, seq) pairs and replay across reconnects.
type Event struct {
	Channel   string          `json:"channel"`
	TaskID    string          `json:"task_id,omitempty"`
	Seq       uint64          `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Subscriber is one registered consumer. Events arrive on C; when the
// hub drops the subscriber, C is closed and Err reports why.
type Subscriber struct {
	id       uint64
	channels map[string]bool
	c        chan Event

	mu     sync.Mutex
	closed bool
	err    error
}

// C is the subscriber's mailbox.
func (s *Subscriber) C() <-chan Event { return s.c }

// Err reports why the hub closed the mailbox, nil for a client-side
// Unsubscribe.
func (s *Subscriber) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscriber) close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.c)
}

// wants reports whether the subscriber listens on the channel.
func (s *Subscriber) wants(channel string) bool {
	return len(s.channels) == 0 || s.channels[channel]
}

// historySize bounds the replay ring. At one progress event per second
// per run this covers tens of minutes of recent history.
const historySize = 4096

// Options configures a Hub.
type Options struct {
	MailboxSize int
}

// OptionsFromConfig reads the api.* keys.
func OptionsFromConfig() Options {
	return Options{MailboxSize: config.GetInt("api.mailbox-size")}
}

// Hub fans events out to subscribers. Publish never blocks.
type Hub struct {
	logger *zap.Logger
	opts   Options

	mu      sync.Mutex
	nextID  uint64
	subs    map[uint64]*Subscriber
	seq     map[string]uint64 // per-task monotonic sequence
	history []Event           // ring, oldest first once full
}

// ErrSlowConsumer is the close reason for subscribers that stopped
// draining their mailbox.
var ErrSlowConsumer = errSlowConsumer{}

type errSlowConsumer struct{}

func (errSlowConsumer) Error() string { return "subscriber mailbox full, dropped" }

// New builds a Hub.
func New(opts Options, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = 64
	}
	return &Hub{
		logger: logger,
		opts:   opts,
		subs:   make(map[uint64]*Subscriber),
		seq:    make(map[string]uint64),
	}
}

// Subscribe registers a consumer for the named channels; no channels
// means all of them.
func (h *Hub) Subscribe(channels ...string) *Subscriber {
	sub := &Subscriber{
		channels: make(map[string]bool, len(channels)),
		c:        make(chan Event, h.opts.MailboxSize),
	}
	for _, ch := range channels {
		sub.channels[ch] = true
	}

	h.mu.Lock()
	h.nextID++
	sub.id = h.nextID
	h.subs[sub.id] = sub
	h.mu.Unlock()
	return sub
}

// Unsubscribe removes the consumer and closes its mailbox.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	delete(h.subs, sub.id)
	h.mu.Unlock()
	sub.close(nil)
}

// Publish emits an event. The payload is serialized once; subscribers
// whose mailboxes are full are dropped with ErrSlowConsumer.
func (h *Hub) Publish(channel, taskID string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		h.logger.Warn("event payload not serializable",
			zap.String("channel", channel), zap.Error(err))
		return
	}

	h.mu.Lock()
	h.seq[taskID]++
	ev := Event{
		Channel:   channel,
		TaskID:    taskID,
		Seq:       h.seq[taskID],
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}
	if len(h.history) >= historySize {
		h.history = h.history[1:]
	}
	h.history = append(h.history, ev)

	var dropped []*Subscriber
	for id, sub := range h.subs {
		if !sub.wants(channel) {
			continue
		}
		select {
		case sub.c <- ev:
		default:
			delete(h.subs, id)
			dropped = append(dropped, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range dropped {
		sub.close(ErrSlowConsumer)
		h.logger.Warn("slow event subscriber dropped",
			zap.String("channel", channel))
	}
}

// Replay returns retained events for a task with Seq > after, oldest
// first. Clients call this on reconnect before resuming the live feed.
func (h *Hub) Replay(taskID string, after uint64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Event
	for _, ev := range h.history {
		if ev.TaskID == taskID && ev.Seq > after {
			out = append(out, ev)
		}
	}
	return out
}

// Seq reports the latest sequence number issued for a task.
func (h *Hub) Seq(taskID string) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seq[taskID]
}
