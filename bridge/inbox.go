package bridge

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"msglink/manager"
	"msglink/message"
)

// StreamRecord carries microphone audio from the device. It is the only
// stream tag handed to the host.
const StreamRecord = "record"

// DefaultInboxSize bounds the items waiting for the host.
const DefaultInboxSize = 1024

// Item is one device-originated message waiting for the host.
type Item struct {
	Type  string `json:"type"`            // "event" or "record"
	Event string `json:"event,omitempty"` // event payload as a JSON string
	Data  []byte `json:"data,omitempty"`  // record audio, base64 in JSON
}

// Inbox queues what the device pushes until the host polls for it. When
// full the oldest item is dropped.
type Inbox struct {
	mu      sync.Mutex
	items   []Item
	size    int
	dropped uint64
	wake    chan struct{} // closed and replaced on every push
	logger  *zap.Logger
}

func NewInbox(size int, logger *zap.Logger) *Inbox {
	if size <= 0 {
		size = DefaultInboxSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inbox{size: size, wake: make(chan struct{}), logger: logger}
}

// Attach installs the inbox as mgr's Event and Stream handler.
func (in *Inbox) Attach(mgr *manager.Manager) {
	mgr.Events().Set(func(_ context.Context, payload json.RawMessage) error {
		in.logger.Debug("device event", zap.ByteString("payload", payload))
		in.push(Item{Type: "event", Event: string(payload)})
		return nil
	})
	mgr.Streams().Set(func(_ context.Context, s *message.Stream) error {
		if s.Tag != StreamRecord {
			in.logger.Debug("stream not forwarded", zap.String("tag", s.Tag))
			return nil
		}
		in.push(Item{Type: StreamRecord, Data: s.Bytes})
		return nil
	})
}

func (in *Inbox) push(it Item) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.items) >= in.size {
		in.items = in.items[1:]
		in.dropped++
		in.logger.Warn("host not polling, dropped oldest item")
	}
	in.items = append(in.items, it)
	close(in.wake)
	in.wake = make(chan struct{})
}

// Next removes and returns up to max items (all when max <= 0), waiting for
// the first one until ctx is done. It returns nil if nothing arrived.
func (in *Inbox) Next(ctx context.Context, max int) []Item {
	for {
		in.mu.Lock()
		if n := len(in.items); n > 0 {
			if max > 0 && n > max {
				n = max
			}
			out := make([]Item, n)
			copy(out, in.items)
			in.items = in.items[n:]
			in.mu.Unlock()
			return out
		}
		wake := in.wake
		in.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil
		}
	}
}

// Dropped counts items discarded because the inbox was full.
func (in *Inbox) Dropped() uint64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.dropped
}
