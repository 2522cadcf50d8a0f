package peer

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"semaphore/offline/internal/model"
)

// Channel sends and receives whole messages over a Link, chunking them to fit
// the link MTU.
type Channel struct {
	link   Link
	logger *zap.Logger

	nextID atomic.Uint64
	sendMu sync.Mutex

	startOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

func NewChannel(link Link, logger *zap.Logger) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{link: link, logger: logger, done: make(chan struct{})}
}

// Send transmits payload as one message. A failure part way leaves the far
// end with an incomplete message it will never deliver.
func (c *Channel) Send(payload []byte) error {
	frames, err := split(c.nextID.Add(1), payload, c.link.MTU())
	if err != nil {
		return model.E(model.KindInvalid, "peer send", err)
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	for _, f := range frames {
		if err := c.link.Send(f.marshal()); err != nil {
			return model.E(model.KindLinkFailure, "peer send", err)
		}
	}
	return nil
}

// OnReceive starts delivering reassembled messages to cb, once per message.
// Only the first registration takes effect.
func (c *Channel) OnReceive(cb func([]byte)) {
	c.startOnce.Do(func() {
		go c.readLoop(cb)
	})
}

// Done is closed once the link is gone.
func (c *Channel) Done() <-chan struct{} { return c.done }

func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.link.Close() })
	return err
}

func (c *Channel) readLoop(cb func([]byte)) {
	r := newReassembler()
	defer close(c.done)
	for {
		packet, err := c.link.Recv()
		if err != nil {
			if n := r.inFlight(); n > 0 {
				c.logger.Warn("peer link dropped with partial messages", zap.Int("partial", n), zap.Error(err))
			}
			r.reset()
			_ = c.Close()
			return
		}
		f, err := unmarshalFrame(packet)
		if err != nil {
			c.logger.Warn("dropping malformed peer frame", zap.Error(err))
			continue
		}
		msg, complete, err := r.add(f)
		if err != nil {
			c.logger.Warn("dropping peer message", zap.Error(err))
			continue
		}
		if complete {
			cb(msg)
		}
	}
}
