// Package lock implements the exclusive-access Locker used to gate reads
// and (optionally) writes by requesting-client identity. Grounded on the
// mutex-guarded-state idiom used throughout the teacher corpus for shared
// server state (e.g. sandia-minimega's ron.Server clientLock/commandLock
// fields) and on the request/release/access/owner semantics of
// original_source/scpilib/scpi.py's Locker (not included in the retrieved
// source, behavior taken from spec.md §4.4).
package lock

import (
	"sync"
	"time"
)

// DefaultTimeout is the idle timeout after which an unreleased lock is
// silently reclaimed by the next requester, per spec §3 (T_lock).
const DefaultTimeout = 60 * time.Second

// Unlocked is the owner string reported by Owner() when no client holds
// the lock.
const Unlocked = "unlocked"

// Locker is a single owner-with-idle-timeout access gate. The zero value is
// not usable; construct with New.
type Locker struct {
	name    string
	timeout time.Duration

	mu     sync.Mutex
	owner  string
	haveOwner bool
	expiry time.Time

	now func() time.Time // overridable for tests
}

// New returns a Locker named name (used only for logging/diagnostics) with
// the default idle timeout.
func New(name string) *Locker {
	return &Locker{name: name, timeout: DefaultTimeout, now: time.Now}
}

// NewWithTimeout is like New but lets the embedder override T_lock.
func NewWithTimeout(name string, timeout time.Duration) *Locker {
	return &Locker{name: name, timeout: timeout, now: time.Now}
}

// Name returns the Locker's diagnostic name ("readLock", "writeLock").
func (l *Locker) Name() string { return l.name }

func (l *Locker) expired() bool {
	return l.haveOwner && l.now().After(l.expiry)
}

// Request books the lock for id. It succeeds if the lock is unowned, owned
// by id (refreshing the expiry), or owned by someone else but idle-expired
// (the requester steals it). It fails only if another, still-live owner
// holds it.
func (l *Locker) Request(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.haveOwner || l.owner == id || l.expired() {
		l.owner = id
		l.haveOwner = true
		l.expiry = l.now().Add(l.timeout)
		return true
	}
	return false
}

// Release frees the lock if id is the current (non-expired concept aside)
// owner; it fails if owned by someone else or already unowned.
func (l *Locker) Release(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.haveOwner && l.owner == id {
		l.haveOwner = false
		l.owner = ""
		return true
	}
	return false
}

// Access is the dispatch gate: true if the lock is unowned, owned by id, or
// the owner has gone idle past the timeout. As a side effect, if id is the
// current owner, its expiry is refreshed.
func (l *Locker) Access(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.haveOwner || l.expired() {
		return true
	}
	if l.owner == id {
		l.expiry = l.now().Add(l.timeout)
		return true
	}
	return false
}

// Owner returns the current owner's ClientId, or Unlocked if none (or the
// owner has gone idle).
func (l *Locker) Owner() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.haveOwner || l.expired() {
		return Unlocked
	}
	return l.owner
}

// IsLocked reports whether the lock currently has a live owner.
func (l *Locker) IsLocked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.haveOwner && !l.expired()
}

// ForceRelease clears the owner unconditionally; an administrative escape
// hatch, not exposed over the wire.
func (l *Locker) ForceRelease() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.haveOwner = false
	l.owner = ""
}
