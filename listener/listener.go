// Package listener implements the dual-stack TCP front end: it binds the
// IPv4 and (when available) IPv6 sockets, accepts one connection per
// ClientId, and feeds each received line to a Callback, writing its reply
// back to the socket.
//
// Grounded on the accept-loop/per-connection-goroutine/listener-table shape
// of sandia-minimega's internal/ron/server.go (Listen/serve/clientHandler),
// generalized to the bind/retry/dual-stack/join-signal contract of
// original_source/scpi/tcpListener.py (TcpListener.__prepareListener,
// __doListen, __connection, close).
package listener

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/scpigo/scpid/scpilog"
)

// DefaultPort is the IANA-registered SCPI-RAW port.
const DefaultPort = 5025

// DefaultMaxClients is the default cap on concurrently connected clients
// (spec's max_clients); launch refuses connections beyond it.
const DefaultMaxClients = 10

const bindRetries = 5
const bindRetryDelay = 3 * time.Second
const readBufferSize = 1024

var logger = scpilog.New("listener")

// Callback processes one decoded line from clientID and returns the bytes to
// write back to the connection.
type Callback func(line string, clientID string) string

// ConnectionHook is invoked once per newly accepted connection, before its
// read loop starts.
type ConnectionHook func(clientID string)

// Config carries the TcpListener constructor parameters from spec.md §4.3.
type Config struct {
	BindLocal   bool
	Port        int
	MaxClients  int
	IPv6Enabled bool
	Callback    Callback
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.MaxClients == 0 {
		c.MaxClients = DefaultMaxClients
	}
	return c
}

// Listener owns the IPv4/IPv6 sockets and the table of live per-connection
// workers.
type Listener struct {
	cfg Config

	mu       sync.Mutex
	ln4      net.Listener
	ln6      net.Listener
	workers  map[string]*worker
	joinCh   chan struct{}
	closed   bool
	wg       sync.WaitGroup

	hooksMu sync.Mutex
	hooks   []ConnectionHook
}

type worker struct {
	clientID string
	conn     net.Conn
}

// New constructs a Listener but does not yet bind or accept; call Open.
func New(cfg Config) *Listener {
	return &Listener{
		cfg:     cfg.withDefaults(),
		workers: make(map[string]*worker),
	}
}

// AddConnectionHook registers hook to run once per accepted connection.
// Grounded on original_source/scpi/tcpListener.py's addConnectionHook, via
// scpi.py's fan-out of a single facade-level hook.
func (l *Listener) AddConnectionHook(hook ConnectionHook) {
	l.hooksMu.Lock()
	defer l.hooksMu.Unlock()
	l.hooks = append(l.hooks, hook)
}

// RemoveConnectionHook removes every registered hook. Go funcs are not
// comparable, so a single hook cannot be singled out for removal.
func (l *Listener) RemoveConnectionHook() {
	l.hooksMu.Lock()
	defer l.hooksMu.Unlock()
	l.hooks = nil
}

func controlFn(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if sockErr != nil {
			return
		}
		if network == "tcp6" {
			sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1)
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}

// Open binds the IPv4 socket (retrying per spec's 5-tries/3s-backoff
// contract) and, if ipv6_enabled, the IPv6 socket, then starts their accept
// loops in goroutines. An IPv6 bind failure is logged and otherwise
// ignored: the IPv4 listener still runs. Open never blocks on accept.
func (l *Listener) Open() error {
	l.mu.Lock()
	if l.joinCh != nil {
		l.mu.Unlock()
		logger.Warnf("listener already open, ignoring redundant Open")
		return nil
	}
	l.joinCh = make(chan struct{})
	l.closed = false
	l.mu.Unlock()

	host4 := "0.0.0.0"
	if l.cfg.BindLocal {
		host4 = "127.0.0.1"
	}
	ln4, err := l.bindWithRetry("tcp4", net.JoinHostPort(host4, strconv.Itoa(l.cfg.Port)))
	if err != nil {
		logger.Errorf("giving up on IPv4 bind after %d attempts: %v", bindRetries, err)
		return err
	}

	l.mu.Lock()
	l.ln4 = ln4
	l.mu.Unlock()

	l.wg.Add(1)
	go l.serve(ln4)

	if l.cfg.IPv6Enabled {
		host6 := "::"
		if l.cfg.BindLocal {
			host6 = "::1"
		}
		ln6, err := l.bindWithRetry("tcp6", net.JoinHostPort(host6, strconv.Itoa(l.cfg.Port)))
		if err != nil {
			logger.Errorf("IPv6 will not be available due to: %v", err)
		} else {
			l.mu.Lock()
			l.ln6 = ln6
			l.mu.Unlock()
			l.wg.Add(1)
			go l.serve(ln6)
		}
	}

	return nil
}

func (l *Listener) bindWithRetry(network, addr string) (net.Listener, error) {
	lc := net.ListenConfig{Control: controlFn}
	var lastErr error
	for tries := 0; tries < bindRetries; tries++ {
		ln, err := lc.Listen(context.Background(), network, addr)
		if err == nil {
			logger.Infof("listening on %v (%v), max_clients %d", addr, network, l.cfg.MaxClients)
			return ln, nil
		}
		lastErr = err
		remaining := bindRetries - tries - 1
		if remaining > 0 {
			logger.Errorf("couldn't bind %v: %v (retry in %v, %d left)", addr, err, bindRetryDelay, remaining)
			time.Sleep(bindRetryDelay)
		} else {
			logger.Errorf("couldn't bind %v: %v (no more retries)", addr, err)
		}
	}
	return nil, fmt.Errorf("bind %v: %w", addr, lastErr)
}

// serve runs ln's accept loop until Close is called or the join signal
// fires, dispatching each accepted connection to its own worker goroutine.
func (l *Listener) serve(ln net.Listener) {
	defer l.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-l.joinCh:
				return
			default:
			}
			logger.Errorf("accept: %v", err)
			time.Sleep(3 * time.Second)
			continue
		}
		l.launch(conn)
	}
}

// launch registers conn's worker, refusing a second connection from an
// already-live ClientId (spec.md §4.3: "the new socket is refused").
func (l *Listener) launch(conn net.Conn) {
	clientID := conn.RemoteAddr().String()

	l.mu.Lock()
	if _, live := l.workers[clientID]; live {
		l.mu.Unlock()
		logger.Warnf("refusing new connection from %v: already has a live worker", clientID)
		conn.Close()
		return
	}
	if len(l.workers) >= l.cfg.MaxClients {
		l.mu.Unlock()
		logger.Warnf("refusing new connection from %v: max_clients (%d) reached", clientID, l.cfg.MaxClients)
		conn.Close()
		return
	}
	w := &worker{clientID: clientID, conn: conn}
	l.workers[clientID] = w
	l.mu.Unlock()

	logger.Infof("client connected: %v", clientID)

	l.hooksMu.Lock()
	hooks := append([]ConnectionHook(nil), l.hooks...)
	l.hooksMu.Unlock()
	for _, hook := range hooks {
		hook(clientID)
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.runWorker(w)
	}()
}

// runWorker is the per-connection read/dispatch/write loop, grounded on
// original_source/scpi/tcpListener.py's __connection: a zero-length read
// ends the connection, and each non-empty read is handed to the callback
// verbatim (line fragmentation across reads is an explicit non-goal).
func (l *Listener) runWorker(w *worker) {
	defer func() {
		w.conn.Close()
		l.mu.Lock()
		delete(l.workers, w.clientID)
		l.mu.Unlock()
		logger.Infof("client disconnected: %v", w.clientID)
	}()

	buf := make([]byte, readBufferSize)
	for {
		select {
		case <-l.joinCh:
			return
		default:
		}

		n, err := w.conn.Read(buf)
		if n == 0 || err != nil {
			return
		}

		if l.cfg.Callback == nil {
			continue
		}
		reply := l.cfg.Callback(string(buf[:n]), w.clientID)
		if reply == "" {
			continue
		}
		if _, err := w.conn.Write([]byte(reply)); err != nil {
			logger.Warnf("write to %v failed: %v", w.clientID, err)
			return
		}
	}
}

// Close signals every accept and worker loop to exit and blocks until they
// have all finished. Calling Close on an already-closed Listener logs a
// warning and returns immediately, mirroring scpi.py's "Already Close".
func (l *Listener) Close() {
	l.mu.Lock()
	if l.closed || l.joinCh == nil {
		l.mu.Unlock()
		logger.Warnf("listener already closed, ignoring redundant Close")
		return
	}
	l.closed = true
	close(l.joinCh)
	ln4, ln6 := l.ln4, l.ln6
	workers := make([]*worker, 0, len(l.workers))
	for _, w := range l.workers {
		workers = append(workers, w)
	}
	l.mu.Unlock()

	if ln4 != nil {
		ln4.Close()
	}
	if ln6 != nil {
		ln6.Close()
	}
	for _, w := range workers {
		w.conn.Close()
	}

	l.wg.Wait()

	l.mu.Lock()
	l.ln4, l.ln6, l.joinCh = nil, nil, nil
	l.mu.Unlock()
}

// IsListening reports whether at least one of the IPv4/IPv6 sockets is
// currently bound.
func (l *Listener) IsListening() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ln4 != nil || l.ln6 != nil
}

// Addr4 returns the bound IPv4 address, or nil if not listening.
func (l *Listener) Addr4() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln4 == nil {
		return nil
	}
	return l.ln4.Addr()
}

// Addr6 returns the bound IPv6 address, or nil if IPv6 is disabled or not
// listening.
func (l *Listener) Addr6() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln6 == nil {
		return nil
	}
	return l.ln6.Addr()
}

// ActiveClients returns the ClientIds of currently connected workers.
func (l *Listener) ActiveClients() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.workers))
	for id := range l.workers {
		ids = append(ids, id)
	}
	return ids
}
