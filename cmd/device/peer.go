package main

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"semaphore/offline/internal/model"
	"semaphore/offline/internal/peer"
)

// peerLink keeps one participant connection to a coordinator, redialing
// when the previous link has gone away. Probing it is what reconnects.
type peerLink struct {
	network peer.Network
	handle  peer.Handle
	timeout time.Duration
	logger  *zap.Logger

	mu   sync.Mutex
	conn *peer.Participant
}

func newPeerLink(network peer.Network, handle peer.Handle, confirmTimeout time.Duration, logger *zap.Logger) *peerLink {
	return &peerLink{network: network, handle: handle, timeout: confirmTimeout, logger: logger}
}

func (l *peerLink) Probe(ctx context.Context) error {
	_, err := l.connected(ctx)
	return err
}

func (l *peerLink) Request(ctx context.Context, req peer.AttendanceRequest) (model.AttendanceMark, error) {
	conn, err := l.connected(ctx)
	if err != nil {
		return model.AttendanceMark{}, err
	}
	return conn.Request(ctx, req)
}

func (l *peerLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	err := l.conn.Close()
	l.conn = nil
	return err
}

func (l *peerLink) connected(ctx context.Context) (*peer.Participant, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		select {
		case <-l.conn.Done():
			l.conn = nil
		default:
			return l.conn, nil
		}
	}
	conn, err := peer.Connect(ctx, l.network, l.handle, peer.WithConfirmTimeout(l.timeout), peer.WithLogger(l.logger))
	if err != nil {
		return nil, err
	}
	l.logger.Info("peer link established", zap.String("coordinator_id", l.handle.CoordinatorID))
	l.conn = conn
	return conn, nil
}
