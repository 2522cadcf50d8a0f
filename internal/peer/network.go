package peer

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/google/uuid"
)

// Handle is what a coordinator advertises and a participant connects to.
type Handle struct {
	ID              string `json:"id"`
	CoordinatorID   string `json:"coordinatorId"`
	CoordinatorName string `json:"coordinatorName,omitempty"`
	Address         string `json:"address,omitempty"`
}

// Listener accepts incoming peer links for one advertised handle.
type Listener interface {
	Accept() (Link, error)
	Handle() Handle
	Close() error
}

// Network makes coordinators discoverable and lets participants reach them.
type Network interface {
	Listen(h Handle) (Listener, error)
	Dial(ctx context.Context, h Handle) (Link, error)
}

var ErrNotAdvertised = errors.New("peer not advertised")

// MemNetwork is an in-process Network. Links are Pipes.
type MemNetwork struct {
	mtu       int
	mu        sync.Mutex
	listeners map[string]*memListener
}

func NewMemNetwork(mtu int) *MemNetwork {
	return &MemNetwork{mtu: mtu, listeners: make(map[string]*memListener)}
}

type memListener struct {
	net    *MemNetwork
	handle Handle
	conns  chan Link
	done   chan struct{}
	once   sync.Once
}

func (n *MemNetwork) Listen(h Handle) (Listener, error) {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, taken := n.listeners[h.ID]; taken {
		return nil, errors.New("handle already advertised")
	}
	l := &memListener{net: n, handle: h, conns: make(chan Link), done: make(chan struct{})}
	n.listeners[h.ID] = l
	return l, nil
}

func (n *MemNetwork) Dial(ctx context.Context, h Handle) (Link, error) {
	n.mu.Lock()
	l, ok := n.listeners[h.ID]
	n.mu.Unlock()
	if !ok {
		return nil, ErrNotAdvertised
	}
	local, remote := Pipe(n.mtu)
	select {
	case l.conns <- remote:
		return local, nil
	case <-l.done:
		return nil, ErrNotAdvertised
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *memListener) Accept() (Link, error) {
	select {
	case link := <-l.conns:
		return link, nil
	case <-l.done:
		return nil, ErrLinkClosed
	}
}

func (l *memListener) Handle() Handle { return l.handle }

func (l *memListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.net.mu.Lock()
		delete(l.net.listeners, l.handle.ID)
		l.net.mu.Unlock()
	})
	return nil
}

// TCPNetwork carries peer links over TCP, for devices sharing a network
// segment but not the canonical service.
type TCPNetwork struct {
	ListenAddr string
	MTU        int
}

type tcpListener struct {
	ln     net.Listener
	handle Handle
	mtu    int
}

func (n TCPNetwork) Listen(h Handle) (Listener, error) {
	addr := n.ListenAddr
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	h.Address = ln.Addr().String()
	return &tcpListener{ln: ln, handle: h, mtu: n.MTU}, nil
}

func (n TCPNetwork) Dial(ctx context.Context, h Handle) (Link, error) {
	if h.Address == "" {
		return nil, ErrNotAdvertised
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", h.Address)
	if err != nil {
		return nil, err
	}
	return NewStreamLink(conn, n.MTU), nil
}

func (l *tcpListener) Accept() (Link, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return NewStreamLink(conn, l.mtu), nil
}

func (l *tcpListener) Handle() Handle { return l.handle }

func (l *tcpListener) Close() error { return l.ln.Close() }
