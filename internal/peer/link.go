package peer

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
)

// DefaultMTU matches the payload limit of the low-bandwidth radio links the
// channel was built for.
const DefaultMTU = 512

var ErrLinkClosed = errors.New("link closed")

// Link is a connected point-to-point packet link. Packets never exceed MTU
// bytes and arrive in the order they were sent.
type Link interface {
	Send(packet []byte) error
	// Recv blocks until a packet arrives or the link closes.
	Recv() ([]byte, error)
	MTU() int
	Close() error
}

type pipeEnd struct {
	mtu    int
	in     <-chan []byte
	out    chan<- []byte
	closed chan struct{}
	once   *sync.Once
}

// Pipe returns the two ends of an in-memory link. Closing either end drops
// the link for both.
func Pipe(mtu int) (Link, Link) {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	closed := make(chan struct{})
	once := &sync.Once{}
	return &pipeEnd{mtu: mtu, in: ba, out: ab, closed: closed, once: once},
		&pipeEnd{mtu: mtu, in: ab, out: ba, closed: closed, once: once}
}

func (p *pipeEnd) Send(packet []byte) error {
	if len(packet) > p.mtu {
		return errors.New("packet exceeds mtu")
	}
	buf := append([]byte(nil), packet...)
	select {
	case <-p.closed:
		return ErrLinkClosed
	default:
	}
	select {
	case p.out <- buf:
		return nil
	case <-p.closed:
		return ErrLinkClosed
	}
}

func (p *pipeEnd) Recv() ([]byte, error) {
	select {
	case <-p.closed:
		return nil, ErrLinkClosed
	default:
	}
	select {
	case packet := <-p.in:
		return packet, nil
	case <-p.closed:
		return nil, ErrLinkClosed
	}
}

func (p *pipeEnd) MTU() int { return p.mtu }

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

// streamLink carries packets over a byte stream with a 2-byte big-endian
// length prefix.
type streamLink struct {
	conn   net.Conn
	br     *bufio.Reader
	mtu    int
	sendMu sync.Mutex
}

func NewStreamLink(conn net.Conn, mtu int) Link {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	return &streamLink{conn: conn, br: bufio.NewReader(conn), mtu: mtu}
}

func (l *streamLink) Send(packet []byte) error {
	if len(packet) > l.mtu || len(packet) > 0xFFFF {
		return errors.New("packet exceeds mtu")
	}
	buf := make([]byte, 2+len(packet))
	binary.BigEndian.PutUint16(buf, uint16(len(packet)))
	copy(buf[2:], packet)
	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	if _, err := l.conn.Write(buf); err != nil {
		return err
	}
	return nil
}

func (l *streamLink) Recv() ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(l.br, hdr[:]); err != nil {
		return nil, err
	}
	packet := make([]byte, binary.BigEndian.Uint16(hdr[:]))
	if _, err := io.ReadFull(l.br, packet); err != nil {
		return nil, err
	}
	return packet, nil
}

func (l *streamLink) MTU() int { return l.mtu }

func (l *streamLink) Close() error { return l.conn.Close() }
