package peer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"semaphore/offline/internal/model"
)

const DefaultConfirmTimeout = 5 * time.Second

// Participant is the participant end of a peer link.
type Participant struct {
	ch      *Channel
	timeout time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	waiters map[string]chan Message
}

type ParticipantOption func(*Participant)

func WithConfirmTimeout(d time.Duration) ParticipantOption {
	return func(p *Participant) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func WithLogger(l *zap.Logger) ParticipantOption {
	return func(p *Participant) { p.logger = l }
}

// Connect pairs with the coordinator behind h.
func Connect(ctx context.Context, network Network, h Handle, opts ...ParticipantOption) (*Participant, error) {
	p := &Participant{timeout: DefaultConfirmTimeout, logger: zap.NewNop(), waiters: make(map[string]chan Message)}
	for _, opt := range opts {
		opt(p)
	}
	link, err := network.Dial(ctx, h)
	if err != nil {
		return nil, model.E(model.KindLinkFailure, "peer connect", err)
	}
	p.ch = NewChannel(link, p.logger)
	p.ch.OnReceive(p.dispatch)
	return p, nil
}

func (p *Participant) Done() <-chan struct{} { return p.ch.Done() }

func (p *Participant) Close() error { return p.ch.Close() }

// Request asks the coordinator to record req and waits for its answer. No
// answer within the confirmation timeout yields KindUnconfirmed: the
// coordinator may or may not have recorded the mark.
func (p *Participant) Request(ctx context.Context, req AttendanceRequest) (model.AttendanceMark, error) {
	const op = "peer attendance request"
	id := uuid.NewString()
	data, err := encodeMessage(Message{Type: MsgAttendanceRequest, RequestID: id, Request: &req})
	if err != nil {
		return model.AttendanceMark{}, model.E(model.KindInvalid, op, err)
	}

	reply := make(chan Message, 1)
	p.mu.Lock()
	p.waiters[id] = reply
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.waiters, id)
		p.mu.Unlock()
	}()

	if err := p.ch.Send(data); err != nil {
		return model.AttendanceMark{}, err
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case msg := <-reply:
		return answer(op, msg)
	case <-p.ch.Done():
		// A reply is delivered before the link is reported gone.
		select {
		case msg := <-reply:
			return answer(op, msg)
		default:
		}
		return model.AttendanceMark{}, model.E(model.KindLinkFailure, op, ErrLinkClosed)
	case <-timer.C:
		return model.AttendanceMark{}, model.E(model.KindUnconfirmed, op, nil)
	case <-ctx.Done():
		return model.AttendanceMark{}, model.E(model.KindUnconfirmed, op, ctx.Err())
	}
}

func answer(op string, msg Message) (model.AttendanceMark, error) {
	if msg.Type == MsgAttendanceConfirmed && msg.Record != nil {
		return *msg.Record, nil
	}
	return model.AttendanceMark{}, model.E(model.KindFromCode(msg.Reason), op, nil)
}

func (p *Participant) dispatch(data []byte) {
	msg, err := decodeMessage(data)
	if err != nil {
		p.logger.Warn("dropping undecodable peer message", zap.Error(err))
		return
	}
	p.mu.Lock()
	reply, ok := p.waiters[msg.RequestID]
	p.mu.Unlock()
	if !ok {
		p.logger.Debug("late peer reply", zap.String("request_id", msg.RequestID), zap.String("type", string(msg.Type)))
		return
	}
	select {
	case reply <- msg:
	default:
	}
}
