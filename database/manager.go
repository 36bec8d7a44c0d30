package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/roadgraphtool/roadgraphtool/log"
)

// ConnectivityError is returned when the database or the tunnel can not be
// reached.
type ConnectivityError struct {
	Op   string
	Host string
	Port int
	// Tunneled is true when the connection runs over a tunnel. TunnelAlive
	// is the liveness at the time of the error.
	Tunneled    bool
	TunnelAlive bool
	Err         error
}

func (e *ConnectivityError) Error() string {
	msg := fmt.Sprintf("connectivity error: %s %s:%d: %v", e.Op, e.Host, e.Port, e.Err)
	if e.Tunneled {
		msg += fmt.Sprintf(" (tunnel alive: %t)", e.TunnelAlive)
	}
	return msg
}

func (e *ConnectivityError) Cause() error  { return e.Err }
func (e *ConnectivityError) Unwrap() error { return e.Err }

// Manager holds the one live database handle of a process. The handle is
// created lazily by Acquire and released by Close.
//
// Manager implements Querier. Each forwarded call checks the tunnel first
// (EnsureLive) and then acquires the handle.
type Manager struct {
	conf   Config
	tunnel Tunnel
	open   func(params string) (*sql.DB, error)

	mu       sync.Mutex
	db       *sql.DB
	host     string
	port     int
	tunnelUp bool
	closed   bool
}

// NewManager returns a Manager for conf. tunnel is nil for direct
// connections.
func NewManager(conf Config, tunnel Tunnel) *Manager {
	return &Manager{
		conf:   conf,
		tunnel: tunnel,
		open:   openPostgres,
		host:   conf.Host,
		port:   conf.Port,
	}
}

func openPostgres(params string) (*sql.DB, error) {
	return sql.Open("postgres", params)
}

// Acquire returns the live database handle and connects if necessary. A
// configured tunnel is started first and the effective endpoint is moved
// to the tunnel's local address.
func (m *Manager) Acquire(ctx context.Context) (*sql.DB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.db != nil {
		return m.db, nil
	}
	if m.closed {
		return nil, m.errorf("acquire", sql.ErrConnDone)
	}

	if m.tunnel != nil && !m.tunnelUp {
		if err := m.tunnel.Start(); err != nil {
			return nil, m.errorf("starting tunnel", err)
		}
		m.tunnelUp = true
		m.rebind()
	}

	db, err := m.open(m.conf.connectionParams(m.host, m.port))
	if err != nil {
		return nil, m.errorf("opening connection", err)
	}
	// check that the connection actually works
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, m.errorf("connecting", err)
	}
	m.db = db
	log.Printf("connected to database %s at %s:%d", m.conf.Name, m.host, m.port)
	return db, nil
}

// EnsureLive restarts a dead tunnel, exactly once per call. It never
// touches the database handle.
func (m *Manager) EnsureLive(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tunnel == nil || !m.tunnelUp {
		return nil
	}
	if m.tunnel.IsAlive() {
		return nil
	}
	log.Warnf("SSH tunnel is not alive, restarting")
	if err := m.tunnel.Restart(); err != nil {
		return m.errorf("restarting tunnel", err)
	}
	prevPort := m.port
	m.rebind()
	if m.db != nil && m.port != prevPort {
		log.Warnf("tunnel port changed from %d to %d, pooled connections may fail", prevPort, m.port)
	}
	return nil
}

// rebind sets the effective endpoint to the tunnel's local address.
func (m *Manager) rebind() {
	m.host = m.tunnel.LocalHost()
	m.port = m.tunnel.LocalPort()
	log.Debugf("database endpoint is %s:%d (tunneled)", m.host, m.port)
}

func (m *Manager) errorf(op string, err error) *ConnectivityError {
	e := &ConnectivityError{
		Op:   op,
		Host: m.host,
		Port: m.port,
		Err:  err,
	}
	if m.tunnel != nil {
		e.Tunneled = true
		e.TunnelAlive = m.tunnel.IsAlive()
	}
	return e
}

// Endpoint returns the effective host and port. After the tunnel is up this
// is the tunnel's local address.
func (m *Manager) Endpoint() (string, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.host, m.port
}

// Config returns the connection configuration.
func (m *Manager) Config() Config {
	return m.conf
}

// Close closes the database handle and stops the tunnel. Further calls are
// no-ops.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	var err error
	if m.db != nil {
		err = m.db.Close()
		m.db = nil
	}
	if m.tunnel != nil && m.tunnelUp {
		if terr := m.tunnel.Stop(); terr != nil && err == nil {
			err = terr
		}
		m.tunnelUp = false
	}
	return err
}

func (m *Manager) live(ctx context.Context) (*sql.DB, error) {
	if err := m.EnsureLive(ctx); err != nil {
		return nil, err
	}
	return m.Acquire(ctx)
}

func (m *Manager) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	db, err := m.live(ctx)
	if err != nil {
		return nil, err
	}
	return db.ExecContext(ctx, query, args...)
}

func (m *Manager) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	db, err := m.live(ctx)
	if err != nil {
		return nil, err
	}
	return db.QueryContext(ctx, query, args...)
}

func (m *Manager) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	db, err := m.live(ctx)
	if err != nil {
		return nil, err
	}
	return db.BeginTx(ctx, opts)
}
