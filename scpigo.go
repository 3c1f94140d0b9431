// Package scpigo is the front facade of an SCPI instrument-control server:
// it owns the command tree, the read/write access locks, and the TCP
// listener, and installs the standard DataFormat attribute and
// :SYSTem:LOCK(/WLOCK):* subtree described by the wire protocol.
//
// Grounded on original_source/scpilib/scpi.py's scpi class (the single
// object that owns a specificationTree, a TcpListener and the lockers, and
// installs its own default commands in __init__), adapted to Go's
// constructor-returns-ready-value idiom in place of Python's incremental
// self-mutation during __init__.
package scpigo

import (
	"fmt"
	"sync"

	"github.com/scpigo/scpid/dispatch"
	"github.com/scpigo/scpid/listener"
	"github.com/scpigo/scpid/lock"
	"github.com/scpigo/scpid/scpilog"
	"github.com/scpigo/scpid/tree"
)

// pyBool renders a bool the way the Python original's str(bool) would
// ("True"/"False"), matching spec.md §6's literal wire format for the
// :SYSTem:LOCK(/WLOCK):{request,release} replies.
func pyBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

var logger = scpilog.New("scpigo")

// Allowed DataFormat values (spec.md §4.5). Only ASCII is implemented; the
// others are reserved for the deferred block-data extension.
var allowedDataFormats = []string{"ASCII", "QUADRUPLE", "DOUBLE", "SINGLE", "HALF"}

// Config carries the facade's construction-time parameters.
type Config struct {
	BindLocal        bool
	Port             int
	MaxClients       int
	IPv6Enabled      bool
	WriteLockEnabled bool
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = listener.DefaultPort
	}
	if c.MaxClients == 0 {
		c.MaxClients = listener.DefaultMaxClients
	}
	return c
}

// Server is the embeddable SCPI instrument-control server.
type Server struct {
	cfg Config

	tree       *tree.Tree
	readLock   *lock.Locker
	writeLock  *lock.Locker // nil unless cfg.WriteLockEnabled
	dispatcher *dispatch.Dispatcher
	ln         *listener.Listener

	dfMu       sync.Mutex
	dataFormat string

	openMu sync.Mutex
	opened bool
}

// New builds a Server: the tree, the lockers, the dispatcher and the
// standard commands are installed immediately; Open starts the listener.
func New(cfg Config) *Server {
	cfg = cfg.withDefaults()

	s := &Server{
		cfg:        cfg,
		tree:       tree.New(),
		readLock:   lock.New("readLock"),
		dataFormat: "ASCII",
	}
	if cfg.WriteLockEnabled {
		s.writeLock = lock.New("writeLock")
	}
	s.dispatcher = dispatch.New(s.tree, s.readLock, s.writeLock)

	s.installDataFormat()
	s.installLockSubtree("LOCK", s.readLock)
	if s.writeLock != nil {
		s.installLockSubtree("WLOCK", s.writeLock)
	}

	s.ln = listener.New(listener.Config{
		BindLocal:   cfg.BindLocal,
		Port:        cfg.Port,
		MaxClients:  cfg.MaxClients,
		IPv6Enabled: cfg.IPv6Enabled,
		Callback:    s.dispatcher.Dispatch,
	})

	return s
}

func (s *Server) installDataFormat() {
	read := func(_ []int, _ string, _ string) (string, error) {
		s.dfMu.Lock()
		defer s.dfMu.Unlock()
		return s.dataFormat, nil
	}
	write := func(_ []int, value string, _ string) error {
		s.dfMu.Lock()
		defer s.dfMu.Unlock()
		s.dataFormat = value
		return nil
	}
	if err := s.tree.AddCommand("DataFormat", read, write, false, allowedDataFormats); err != nil {
		// allowedDataFormats and the callbacks are fixed at compile time;
		// a failure here would be a programming error, not a runtime one.
		panic(fmt.Sprintf("scpigo: installing DataFormat: %v", err))
	}
}

// installLockSubtree wires ":SYSTem:<name>:{owner,request,release}" onto l,
// grounded on spec.md §4.4/§6's LOCK/WLOCK command table.
//
// Unlike the embedder-facing demo attributes (see tree.go's short-form
// scope decision), this subtree's names are spec-mandated, not the
// embedder's to respell — and spec.md §8 scenario 6 sends the abbreviated
// wire form `:SYST:LOCK:REQ?`, not the long form used in §6's prose table.
// Rather than build a general SCPI short/long mnemonic matcher, both forms
// are registered as separate tree paths sharing the same closures: the
// long form used in §6 ("SYSTem", "owner", "request", "release") and the
// conventional SCPI short form ("SYST", "OWN", "REQ", "REL"), the latter
// resolving the short-form path SYST:LOCK:REQ. A leading ':' on the first
// statement of a line is still answered with nan by the dispatcher.
func (s *Server) installLockSubtree(name string, l *lock.Locker) {
	ownerRead := func(_ []int, _ string, _ string) (string, error) {
		return l.Owner(), nil
	}
	requestOp := func(_ []int, _ string, clientID string) (string, error) {
		return pyBool(l.Request(clientID)), nil
	}
	requestWrite := func(_ []int, _ string, clientID string) error {
		l.Request(clientID)
		return nil
	}
	releaseOp := func(_ []int, _ string, clientID string) (string, error) {
		return pyBool(l.Release(clientID)), nil
	}
	releaseWrite := func(_ []int, _ string, clientID string) error {
		l.Release(clientID)
		return nil
	}

	for _, base := range []string{"SYSTem:" + name, "SYST:" + name} {
		if err := s.tree.AddCommand(base+":owner", ownerRead, nil, true, nil); err != nil {
			panic(fmt.Sprintf("scpigo: installing %s:owner: %v", base, err))
		}
		if err := s.tree.AddCommand(base+":OWN", ownerRead, nil, false, nil); err != nil {
			panic(fmt.Sprintf("scpigo: installing %s:OWN: %v", base, err))
		}
		if err := s.tree.AddCommand(base+":request", requestOp, requestWrite, false, nil); err != nil {
			panic(fmt.Sprintf("scpigo: installing %s:request: %v", base, err))
		}
		if err := s.tree.AddCommand(base+":REQ", requestOp, requestWrite, false, nil); err != nil {
			panic(fmt.Sprintf("scpigo: installing %s:REQ: %v", base, err))
		}
		if err := s.tree.AddCommand(base+":release", releaseOp, releaseWrite, false, nil); err != nil {
			panic(fmt.Sprintf("scpigo: installing %s:release: %v", base, err))
		}
		if err := s.tree.AddCommand(base+":REL", releaseOp, releaseWrite, false, nil); err != nil {
			panic(fmt.Sprintf("scpigo: installing %s:REL: %v", base, err))
		}
	}
}

// Open idempotently starts the listener. A redundant call logs a warning
// and returns nil, mirroring scpi.py's "Already Open". A bind failure that
// persists after the listener's retries is logged and leaves the listener
// non-listening; Open still returns nil.
func (s *Server) Open() error {
	s.openMu.Lock()
	defer s.openMu.Unlock()
	if s.opened {
		logger.Warnf("Open called on an already-open server")
		return nil
	}
	if err := s.ln.Open(); err != nil {
		logger.Errorf("listener is not listening: %v", err)
	}
	s.opened = true
	return nil
}

// Close idempotently tears down the listener. A redundant call logs a
// warning and returns, mirroring scpi.py's "Already Close".
func (s *Server) Close() {
	s.openMu.Lock()
	defer s.openMu.Unlock()
	if !s.opened {
		logger.Warnf("Close called on a server that is not open")
		return
	}
	s.ln.Close()
	s.opened = false
}

// RemoteAllowed reports whether the server is bound to all interfaces
// (true) rather than loopback only (false).
func (s *Server) RemoteAllowed() bool {
	return !s.cfg.BindLocal
}

// SetRemoteAllowed tears down the listener (if open) and rebuilds it with
// the inverted bind_local flag, per spec.md §4.3's "toggling remote_allowed
// tears down the listener and its workers, then rebuilds".
func (s *Server) SetRemoteAllowed(allowed bool) error {
	s.openMu.Lock()
	wasOpen := s.opened
	s.openMu.Unlock()

	if wasOpen {
		s.Close()
	}

	s.cfg.BindLocal = !allowed
	s.ln = listener.New(listener.Config{
		BindLocal:   s.cfg.BindLocal,
		Port:        s.cfg.Port,
		MaxClients:  s.cfg.MaxClients,
		IPv6Enabled: s.cfg.IPv6Enabled,
		Callback:    s.dispatcher.Dispatch,
	})

	if wasOpen {
		return s.Open()
	}
	return nil
}

// DataFormat returns the currently configured reply data format.
func (s *Server) DataFormat() string {
	s.dfMu.Lock()
	defer s.dfMu.Unlock()
	return s.dataFormat
}

// SetDataFormat sets the reply data format, validated against the same
// allowed set exposed over the wire as the DataFormat attribute.
func (s *Server) SetDataFormat(value string) error {
	ok := false
	for _, allowed := range allowedDataFormats {
		if value == allowed {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("data format %q not in allowed set %v", value, allowedDataFormats)
	}
	s.dfMu.Lock()
	defer s.dfMu.Unlock()
	s.dataFormat = value
	return nil
}

// AddComponent, AddChannel, AddAttribute, AddCommand and AddSpecialCommand
// forward to the underlying tree, giving embedders the language-neutral
// registration surface named in spec.md §6.
func (s *Server) AddComponent(name string, parent tree.Node) (*tree.Component, error) {
	return s.tree.AddComponent(name, parent)
}

func (s *Server) AddChannel(name string, count int, parent tree.Node, first int) (*tree.ChannelArray, error) {
	return s.tree.AddChannel(name, count, parent, first)
}

func (s *Server) AddAttribute(name string, parent tree.Node, readCb tree.ReadFunc, writeCb tree.WriteFunc, isDefault bool, allowedArgins []string) (*tree.Attribute, error) {
	return s.tree.AddAttribute(name, parent, readCb, writeCb, isDefault, allowedArgins)
}

func (s *Server) AddCommand(fullName string, readCb tree.ReadFunc, writeCb tree.WriteFunc, isDefault bool, allowedArgins []string) error {
	return s.tree.AddCommand(fullName, readCb, writeCb, isDefault, allowedArgins)
}

func (s *Server) AddSpecialCommand(name string, readCb tree.SpecialReadFunc, writeCb tree.SpecialWriteFunc) error {
	return s.tree.AddSpecialCommand(name, readCb, writeCb)
}

// Root returns the tree's root Component, for embedders that need it as a
// parent argument to AddComponent/AddChannel/AddAttribute.
func (s *Server) Root() *tree.Component { return s.tree.Root() }

// AddConnectionHook/RemoveConnectionHook forward to the listener.
func (s *Server) AddConnectionHook(hook listener.ConnectionHook) {
	s.ln.AddConnectionHook(hook)
}

func (s *Server) RemoveConnectionHook() {
	s.ln.RemoveConnectionHook()
}

// Commands returns the canonical names of the root's direct children, for
// introspection. Grounded on original_source/scpilib/scpi.py's `commands`
// property.
func (s *Server) Commands() []string {
	return s.tree.Root().Children()
}

// SpecialCommands returns the names of all registered special commands.
// Grounded on original_source/scpilib/scpi.py's `specialCommands` property.
func (s *Server) SpecialCommands() []string {
	return s.tree.SpecialNames()
}

// Identity returns "scpigo(<idn>)" if an *IDN special command is
// registered, or "scpigo()" otherwise, grounded on scpi.py's __repr__.
func (s *Server) Identity() string {
	if sc, ok := s.tree.Special("IDN"); ok {
		if idn, err := sc.Read(); err == nil {
			return fmt.Sprintf("scpigo(%s)", idn)
		}
	}
	return "scpigo()"
}

func (s *Server) String() string { return s.Identity() }

// ActiveClients returns the ClientIds currently connected, for diagnostics.
func (s *Server) ActiveClients() []string {
	return s.ln.ActiveClients()
}
