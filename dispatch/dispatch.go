// Package dispatch implements the SCPI line parser and dispatcher: it
// splits a wire line into ';'-separated statements, resolves each against
// a tree.Tree, discovers embedded channel indices, routes to the matching
// read/write callback, and joins the replies into one wire response.
//
// The three-outcome-per-statement model (reply / NaN / dropped) is the Go
// rendering of the "exception for control flow" pattern flagged for
// re-architecture in spec.md §9, grounded on
// original_source/scpilib/scpi.py's `input`/`_process_special_command`/
// `_process_normal_command` trio, and on the Command/compile() pattern of
// sandia-minimega's minicli (_examples/.../src/minicli/command.go) for the
// general shape of "parse once, dispatch by matched shape".
package dispatch

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/scpigo/scpid/lock"
	"github.com/scpigo/scpid/scpilog"
	"github.com/scpigo/scpid/tree"
)

// ChannelDigits is CHNUMSIZE: the fixed number of trailing decimal digits
// recognized as a channel index. The reference implementation never
// states its value; this module documents its choice as 2, matching the
// worked examples in spec.md §8 (e.g. CHAN03).
const ChannelDigits = 2

var logger = scpilog.New("dispatch")

// Dispatcher parses and routes wire lines against a Tree, subject to the
// read and (optional) write lock.
type Dispatcher struct {
	Tree      *tree.Tree
	ReadLock  *lock.Locker
	WriteLock *lock.Locker // nil if write-locking is disabled
}

// New returns a Dispatcher over t, gated by readLock and (optionally)
// writeLock.
func New(t *tree.Tree, readLock *lock.Locker, writeLock *lock.Locker) *Dispatcher {
	return &Dispatcher{Tree: t, ReadLock: readLock, WriteLock: writeLock}
}

// outcomeKind tags the result of dispatching one statement.
type outcomeKind int

const (
	outcomeReply outcomeKind = iota
	outcomeNaN
	outcomeNoReply
)

type outcome struct {
	kind outcomeKind
	text string
}

func reply(text string) outcome { return outcome{kind: outcomeReply, text: text} }

var nan = outcome{kind: outcomeNaN, text: "nan"}
var noReply = outcome{kind: outcomeNoReply}

// Dispatch processes one raw wire line on behalf of clientID (the "ip:port"
// ClientId used for lock ownership) and returns the formatted reply,
// including its trailing "\r\n", or "" if no statement produced a reply.
func (d *Dispatcher) Dispatch(line string, clientID string) string {
	reqID := uuid.NewString()
	log := logger.With("client", clientID).With("reqID", reqID)

	line = stripTerminators(line)
	if line == "" {
		return ""
	}
	log.Debugf("received %q", line)

	raw := strings.Split(line, ";")
	replies := make([]string, 0, len(raw))

	var prevRaw string
	for i, stmt := range raw {
		trimmed := strings.TrimSpace(stmt)

		var o outcome
		switch {
		case strings.HasPrefix(trimmed, "*"):
			o = d.dispatchSpecial(trimmed, clientID, log)
		case strings.HasPrefix(trimmed, ":"):
			if i == 0 {
				log.Debugf("statement %d: leading ':' on the first statement", i)
				o = nan
			} else {
				expanded := expandPrefix(prevRaw, trimmed)
				log.Debugf("statement %d: expanded %q to %q", i, trimmed, expanded)
				o = d.dispatchNormal(expanded, clientID, log)
			}
		default:
			o = d.dispatchNormal(trimmed, clientID, log)
		}

		switch o.kind {
		case outcomeReply, outcomeNaN:
			replies = append(replies, o.text)
		case outcomeNoReply:
			// no slot produced
		}

		prevRaw = stmt
	}

	if len(replies) == 0 {
		return ""
	}
	return strings.Join(replies, ";") + "\r\n"
}

// stripTerminators removes any trailing mix of '\r', '\n' and ';'.
func stripTerminators(s string) string {
	for len(s) > 0 {
		c := s[len(s)-1]
		if c == '\r' || c == '\n' || c == ';' {
			s = s[:len(s)-1]
			continue
		}
		break
	}
	return s
}

// expandPrefix implements spec.md §4.2 point 2: cur (which starts with
// ':') inherits the prefix of prevRaw (the untrimmed previous statement)
// up to and including its last ':'.
func expandPrefix(prevRaw, cur string) string {
	idx := strings.LastIndex(prevRaw, ":")
	if idx == -1 {
		return cur
	}
	return prevRaw[:idx] + cur
}

// splitParams mirrors original_source/scpilib/scpi.py's splitParams /
// PARAM_RE: it separates a "command? args" or "command args" or "command"
// token into its head, a query flag, and a trimmed argument string.
func splitParams(s string) (head string, isQuery bool, args string, hasArgs bool) {
	idx := strings.IndexAny(s, " \t?")
	if idx == -1 {
		return s, false, "", false
	}
	head = s[:idx]
	if s[idx] == '?' {
		return head, true, strings.TrimSpace(s[idx+1:]), false
	}
	rest := strings.TrimSpace(s[idx+1:])
	return head, false, rest, rest != ""
}

// extractChannel strips a trailing run of exactly ChannelDigits decimal
// digits from key, recording the parsed index in *channels. If key is too
// short or its suffix is not all digits, it is returned unchanged.
func extractChannel(key string, channels *[]int) string {
	if len(key) < ChannelDigits {
		return key
	}
	suffix := key[len(key)-ChannelDigits:]
	for _, r := range suffix {
		if r < '0' || r > '9' {
			return key
		}
	}
	idx, err := strconv.Atoi(suffix)
	if err != nil {
		return key
	}
	*channels = append(*channels, idx)
	return key[:len(key)-ChannelDigits]
}

func asContainer(n tree.Node) (*tree.Component, bool) {
	switch v := n.(type) {
	case *tree.Component:
		return v, true
	case *tree.ChannelArray:
		return &v.Component, true
	default:
		return nil, false
	}
}

// dispatchNormal walks a ':'-separated command path against the tree.
func (d *Dispatcher) dispatchNormal(cmd string, clientID string, log *scpilog.Context) outcome {
	segments := strings.Split(cmd, ":")

	// The overall query/write intent of a well-formed statement is carried
	// entirely by its final segment (spec.md §4.2 grammar); this is used
	// to classify failures that occur before that final segment is reached.
	_, statementIsQuery, _, _ := splitParams(segments[len(segments)-1])
	fail := func() outcome {
		if statementIsQuery {
			return nan
		}
		return noReply
	}

	var node tree.Node = d.Tree.Root()
	var channels []int

	d.Tree.RLock()
	defer d.Tree.RUnlock()

	for _, seg := range segments {
		key, isQuery, args, hasArgs := splitParams(seg)
		key = extractChannel(key, &channels)

		container, ok := asContainer(node)
		if !ok {
			log.Debugf("cannot descend into %v while resolving %q", node, cmd)
			return fail()
		}
		child, found := container.Child(key)
		if !found {
			log.Debugf("unknown keyword %q in %q", key, cmd)
			return fail()
		}

		_, isAttr := child.(*tree.Attribute)

		switch {
		case isQuery:
			if !d.ReadLock.Access(clientID) {
				log.Debugf("read denied by lock for %q", cmd)
				return nan
			}
			return d.doRead(child, channels, args, clientID, log, cmd)
		case hasArgs || isAttr:
			if !d.ReadLock.Access(clientID) {
				log.Debugf("write denied by read lock for %q", cmd)
				return noReply
			}
			if d.WriteLock != nil && !d.WriteLock.Access(clientID) {
				log.Debugf("write denied by write lock for %q", cmd)
				return noReply
			}
			d.doWrite(child, channels, args, clientID, log, cmd)
			return noReply
		default:
			node = child
		}
	}

	// Ran out of keywords without hitting a query or a write: a bare
	// component address with no '?' and no attribute resolved. Nothing to
	// do, and nothing to reply with.
	return noReply
}

// doRead invokes the matched node's read callback, descending into
// default_child if node is a Component/ChannelArray with one set.
func (d *Dispatcher) doRead(node tree.Node, channels []int, params string, clientID string, log *scpilog.Context, cmd string) outcome {
	if attr, ok := node.(*tree.Attribute); ok {
		val, err := safeRead(attr, channels, params, clientID)
		if err != nil {
			log.Errorf("read %q failed: %v", cmd, err)
			return nan
		}
		return reply(val)
	}
	if container, ok := asContainer(node); ok {
		if def, ok := container.Default(); ok {
			return d.doRead(def, channels, params, clientID, log, cmd)
		}
	}
	log.Debugf("no readable leaf resolved for %q", cmd)
	return nan
}

// doWrite invokes the matched node's write callback. Writes never produce
// a reply slot, successful or not (spec.md §4.2/§8).
func (d *Dispatcher) doWrite(node tree.Node, channels []int, value string, clientID string, log *scpilog.Context, cmd string) {
	attr, ok := node.(*tree.Attribute)
	if !ok {
		log.Debugf("cannot write to a component for %q", cmd)
		return
	}
	if err := safeWrite(attr, channels, value, clientID); err != nil {
		log.Warnf("write %q failed: %v", cmd, err)
	}
}

// safeRead/safeWrite recover from a panicking user callback (CallbackError
// in spec.md §7) and turn it into a plain error, mirroring the
// print_exc()-and-continue pattern of scpi.py's _doReadOperation /
// _doWriteOperation translated to Go's panic/recover idiom.
func safeRead(attr *tree.Attribute, channels []int, params string, clientID string) (val string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panic: %v", r)
		}
	}()
	return attr.Read(channels, params, clientID)
}

func safeWrite(attr *tree.Attribute, channels []int, value string, clientID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panic: %v", r)
		}
	}()
	return attr.Write(channels, value, clientID)
}

// dispatchSpecial handles a `*NAME` statement. `trimmed` still carries its
// leading '*' (the caller only checks for it); it is stripped here.
func (d *Dispatcher) dispatchSpecial(trimmed string, clientID string, log *scpilog.Context) outcome {
	rest := strings.TrimPrefix(trimmed, "*")

	if strings.Contains(rest, ":") {
		log.Debugf("special command %q contains ':'", trimmed)
		return nan
	}

	name, isQuery, value, hasValue := splitParams(rest)

	sc, found := d.Tree.Special(name)
	if !found {
		log.Debugf("unknown special command %q", name)
		return nan
	}

	if isQuery {
		if !d.ReadLock.Access(clientID) {
			log.Debugf("read denied by lock for special command %q", name)
			return nan
		}
		val, err := safeSpecialRead(sc)
		if err != nil {
			log.Errorf("special read %q failed: %v", name, err)
			return nan
		}
		return reply(val)
	}

	if !d.ReadLock.Access(clientID) {
		log.Debugf("write denied by read lock for special command %q", name)
		return noReply
	}
	if d.WriteLock != nil && !d.WriteLock.Access(clientID) {
		log.Debugf("write denied by write lock for special command %q", name)
		return noReply
	}

	var writeValue string
	if hasValue {
		writeValue = value
	}
	if err := safeSpecialWrite(sc, writeValue); err != nil {
		log.Warnf("special write %q failed: %v", name, err)
	}
	return noReply
}

func safeSpecialRead(sc *tree.SpecialCommand) (val string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panic: %v", r)
		}
	}()
	return sc.Read()
}

func safeSpecialWrite(sc *tree.SpecialCommand, value string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panic: %v", r)
		}
	}()
	return sc.Write(value)
}
