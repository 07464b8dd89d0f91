// Package connection keeps one gRPC client connection per participant
// address so a coordinator can fan a decision out to many nodes.
package connection

import (
	"crypto/tls"
	"errors"
	"fmt"
	"sort"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

var ErrPoolClosed = errors.New("connection pool is closed")

// ConnectionPoolManager hands out shared connections keyed by address.
type ConnectionPoolManager struct {
	mu     sync.RWMutex
	conns  map[string]*grpc.ClientConn
	opts   []grpc.DialOption
	closed bool
}

// NewConnectionPoolManager dials with tlsCfg, or without transport security when it is nil.
func NewConnectionPoolManager(tlsCfg *tls.Config, extra ...grpc.DialOption) *ConnectionPoolManager {
	creds := insecure.NewCredentials()
	if tlsCfg != nil {
		creds = credentials.NewTLS(tlsCfg)
	}
	return &ConnectionPoolManager{
		conns: make(map[string]*grpc.ClientConn),
		opts:  append([]grpc.DialOption{grpc.WithTransportCredentials(creds)}, extra...),
	}
}

// Get returns the connection for address, creating it on first use.
func (m *ConnectionPoolManager) Get(address string) (*grpc.ClientConn, error) {
	m.mu.RLock()
	conn, ok := m.conns[address]
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrPoolClosed
	}
	if ok {
		return conn, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrPoolClosed
	}
	// Double-check after acquiring the write lock.
	if conn, ok := m.conns[address]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(address, m.opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", address, err)
	}
	m.conns[address] = conn
	return conn, nil
}

// Addresses lists the addresses with an open connection.
func (m *ConnectionPoolManager) Addresses() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.conns))
	for addr := range m.conns {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// Forget closes and drops the connection for address.
func (m *ConnectionPoolManager) Forget(address string) error {
	m.mu.Lock()
	conn, ok := m.conns[address]
	delete(m.conns, address)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return conn.Close()
}

// Close closes every connection. Get fails afterwards.
func (m *ConnectionPoolManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	var errs []error
	for addr, conn := range m.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", addr, err))
		}
	}
	m.conns = make(map[string]*grpc.ClientConn)
	return errors.Join(errs...)
}
