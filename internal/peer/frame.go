package peer

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Frame field numbers on the wire.
const (
	fieldMsgID protowire.Number = 1
	fieldSeq   protowire.Number = 2
	fieldTotal protowire.Number = 3
	fieldData  protowire.Number = 4
)

// frameOverhead bounds the non-data bytes of an encoded frame: four tags, three
// varints of at most 10 bytes and the data length prefix.
const frameOverhead = 32

// maxChunks caps how many frames a single message may announce.
const maxChunks = 4096

// maxInFlight caps how many incomplete messages a reassembler holds. The
// oldest is dropped to make room.
const maxInFlight = 32

var errBadFrame = errors.New("malformed frame")

// frame is one chunk of a message.
type frame struct {
	msgID uint64
	seq   uint32
	total uint32
	data  []byte
}

func (f frame) marshal() []byte {
	b := make([]byte, 0, len(f.data)+frameOverhead)
	b = protowire.AppendTag(b, fieldMsgID, protowire.VarintType)
	b = protowire.AppendVarint(b, f.msgID)
	b = protowire.AppendTag(b, fieldSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.seq))
	b = protowire.AppendTag(b, fieldTotal, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.total))
	b = protowire.AppendTag(b, fieldData, protowire.BytesType)
	b = protowire.AppendBytes(b, f.data)
	return b
}

func unmarshalFrame(b []byte) (frame, error) {
	var f frame
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return frame{}, errBadFrame
		}
		b = b[n:]
		switch {
		case num == fieldData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return frame{}, errBadFrame
			}
			f.data = append([]byte(nil), v...)
			b = b[n:]
		case typ == protowire.VarintType && (num == fieldMsgID || num == fieldSeq || num == fieldTotal):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return frame{}, errBadFrame
			}
			switch num {
			case fieldMsgID:
				f.msgID = v
			case fieldSeq:
				f.seq = uint32(v)
			case fieldTotal:
				f.total = uint32(v)
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return frame{}, errBadFrame
			}
			b = b[n:]
		}
	}
	if f.total == 0 || f.total > maxChunks || f.seq >= f.total {
		return frame{}, fmt.Errorf("%w: seq %d of %d", errBadFrame, f.seq, f.total)
	}
	return f, nil
}

// split cuts payload into frames that each encode to at most mtu bytes.
func split(msgID uint64, payload []byte, mtu int) ([]frame, error) {
	size := mtu - frameOverhead
	if size <= 0 {
		return nil, fmt.Errorf("mtu %d too small", mtu)
	}
	total := (len(payload) + size - 1) / size
	if total == 0 {
		total = 1
	}
	if total > maxChunks {
		return nil, fmt.Errorf("payload of %d bytes needs %d chunks", len(payload), total)
	}
	frames := make([]frame, 0, total)
	for i := 0; i < total; i++ {
		start := i * size
		end := start + size
		if end > len(payload) {
			end = len(payload)
		}
		frames = append(frames, frame{msgID: msgID, seq: uint32(i), total: uint32(total), data: payload[start:end]})
	}
	return frames, nil
}

type partial struct {
	total uint32
	got   uint32
	parts [][]byte
	have  []bool
}

// reassembler rebuilds messages from frames that may arrive out of order.
// Messages still incomplete when the link drops are discarded with reset.
type reassembler struct {
	pending map[uint64]*partial
	order   []uint64
}

func newReassembler() *reassembler {
	return &reassembler{pending: make(map[uint64]*partial)}
}

func (r *reassembler) forget(id uint64) {
	delete(r.pending, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

// add returns the full message once its last missing frame arrives.
func (r *reassembler) add(f frame) ([]byte, bool, error) {
	p, ok := r.pending[f.msgID]
	if !ok {
		if len(r.order) >= maxInFlight {
			r.forget(r.order[0])
		}
		p = &partial{total: f.total, parts: make([][]byte, f.total), have: make([]bool, f.total)}
		r.pending[f.msgID] = p
		r.order = append(r.order, f.msgID)
	}
	if p.total != f.total {
		r.forget(f.msgID)
		return nil, false, fmt.Errorf("%w: message %d changed chunk count", errBadFrame, f.msgID)
	}
	if !p.have[f.seq] {
		p.parts[f.seq] = f.data
		p.have[f.seq] = true
		p.got++
	}
	if p.got < p.total {
		return nil, false, nil
	}
	r.forget(f.msgID)
	size := 0
	for _, part := range p.parts {
		size += len(part)
	}
	msg := make([]byte, 0, size)
	for _, part := range p.parts {
		msg = append(msg, part...)
	}
	return msg, true, nil
}

func (r *reassembler) reset() {
	r.pending = make(map[uint64]*partial)
	r.order = nil
}

func (r *reassembler) inFlight() int {
	return len(r.pending)
}
