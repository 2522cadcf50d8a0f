package peer

import (
	"sync"

	"go.uber.org/zap"

	"semaphore/offline/internal/model"
)

// Ledger is the coordinator's local session state that peer requests are
// checked against.
type Ledger interface {
	MarkAttendance(m model.AttendanceMark) (model.AttendanceMark, error)
}

// Identity is who the coordinator advertises as.
type Identity struct {
	CoordinatorID   string
	CoordinatorName string
}

// Coordinator accepts one participant link at a time and answers attendance
// requests against its Ledger. A participant connecting while another is
// attached is dropped.
type Coordinator struct {
	listener Listener
	ledger   Ledger
	logger   *zap.Logger

	mu     sync.Mutex
	active *Channel
	onMark func(model.AttendanceMark)
	closed bool
	done   chan struct{}
}

// StartCoordinator advertises identity on network and starts serving.
func StartCoordinator(network Network, identity Identity, ledger Ledger, logger *zap.Logger) (*Coordinator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ln, err := network.Listen(Handle{CoordinatorID: identity.CoordinatorID, CoordinatorName: identity.CoordinatorName})
	if err != nil {
		return nil, model.E(model.KindLinkFailure, "peer start coordinator", err)
	}
	c := &Coordinator{listener: ln, ledger: ledger, logger: logger, done: make(chan struct{})}
	go c.acceptLoop()
	logger.Info("peer coordinator advertising", zap.String("handle", ln.Handle().ID), zap.String("address", ln.Handle().Address))
	return c, nil
}

func (c *Coordinator) Handle() Handle { return c.listener.Handle() }

// OnMark registers fn to run after each mark recorded over the peer link.
func (c *Coordinator) OnMark(fn func(model.AttendanceMark)) {
	c.mu.Lock()
	c.onMark = fn
	c.mu.Unlock()
}

// Connected reports whether a participant is attached.
func (c *Coordinator) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	active := c.active
	c.mu.Unlock()

	err := c.listener.Close()
	if active != nil {
		_ = active.Close()
	}
	<-c.done
	return err
}

func (c *Coordinator) acceptLoop() {
	defer close(c.done)
	for {
		link, err := c.listener.Accept()
		if err != nil {
			return
		}
		c.mu.Lock()
		if c.active != nil || c.closed {
			c.mu.Unlock()
			c.logger.Warn("refusing second peer link")
			_ = link.Close()
			continue
		}
		ch := NewChannel(link, c.logger)
		c.active = ch
		c.mu.Unlock()

		ch.OnReceive(func(data []byte) { c.handle(ch, data) })
		go func() {
			<-ch.Done()
			c.mu.Lock()
			if c.active == ch {
				c.active = nil
			}
			c.mu.Unlock()
			c.logger.Info("peer link closed")
		}()
	}
}

func (c *Coordinator) handle(ch *Channel, data []byte) {
	msg, err := decodeMessage(data)
	if err != nil || msg.Type != MsgAttendanceRequest || msg.Request == nil {
		c.logger.Warn("ignoring unexpected peer message", zap.String("type", string(msg.Type)), zap.Error(err))
		return
	}
	reply := Message{RequestID: msg.RequestID}
	rec, err := c.ledger.MarkAttendance(msg.Request.mark())
	if err != nil {
		reply.Type = MsgAttendanceRejected
		reply.Reason = model.KindOf(err).Code()
	} else {
		reply.Type = MsgAttendanceConfirmed
		reply.Record = &rec
	}

	out, err := encodeMessage(reply)
	if err != nil {
		c.logger.Error("encode peer reply", zap.Error(err))
		return
	}
	if err := ch.Send(out); err != nil {
		// The mark stands even though the participant never hears about it.
		c.logger.Warn("peer reply not delivered", zap.String("request_id", msg.RequestID), zap.Error(err))
	}
	if reply.Type == MsgAttendanceConfirmed {
		c.mu.Lock()
		fn := c.onMark
		c.mu.Unlock()
		if fn != nil {
			fn(rec)
		}
	}
}
