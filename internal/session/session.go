// Package session implements the transport engine's session registry:
// input/output session objects and the two maps, keyed by
// (DataSpecifier, optional peer NodeID), that route received frames and
// carry outgoing sends. Adapted from the teacher's internal/hub/hub.go
// client-registration pattern (idempotent Add/Remove under a mutex, Close
// via sync.Once) — generalized from "broadcast to every TCP client" to
// "route by data specifier and peer node id."
package session

import (
	"context"
	"sync"
	"time"

	"github.com/kstaniek/uavcan-serial/internal/wire"
)

// key is the comparable form of (DataSpecifier, optional peer NodeID) used
// to index the registry maps; *wire.NodeID isn't itself comparable in a
// useful way, so peer identity is flattened into plain fields.
type key struct {
	kind      wire.Kind
	subjectID uint16
	serviceID uint16
	role      wire.Role
	hasPeer   bool
	peer      uint16
}

func keyFor(spec wire.DataSpecifier, peer *wire.NodeID) key {
	k := key{kind: spec.Kind, subjectID: spec.SubjectID, serviceID: spec.ServiceID, role: spec.Role}
	if peer != nil {
		k.hasPeer = true
		k.peer = uint16(*peer)
	}
	return k
}

// ReceivedFrame pairs a decoded frame with its reception timestamp for
// delivery to an input session's consumer.
type ReceivedFrame struct {
	Frame     wire.Frame
	Timestamp time.Time
}

// InputSession is a registry entry that receives frames matching its data
// specifier and peer key. Consumers read Frames(); Close removes the entry
// from the registry that created it (idempotent).
type InputSession struct {
	spec wire.DataSpecifier
	peer *wire.NodeID

	in        chan ReceivedFrame
	closeOnce sync.Once
	closed    chan struct{}
	onClose   func()
}

// Frames returns the channel frames matching this session's key are
// delivered on.
func (s *InputSession) Frames() <-chan ReceivedFrame { return s.in }

// Deliver attempts to hand f to the session's consumer; it drops the frame
// if the consumer isn't keeping up rather than blocking the scheduler
// goroutine (spec.md §5 requires routing to stay on S without suspending).
func (s *InputSession) Deliver(f ReceivedFrame) (delivered bool) {
	select {
	case s.in <- f:
		return true
	default:
		return false
	}
}

// Close removes this session from its registry. Idempotent.
func (s *InputSession) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.onClose != nil {
			s.onClose()
		}
	})
}

// SendTransferFunc performs the actual link write for an outgoing transfer,
// returning the instant of first successful transmission and true on
// success, or a zero time and false on a transient send failure (spec.md
// §4.4's "no timestamp" outcome). A non-nil error is returned when the
// engine is closed, when a frame fails validation, or when the endpoint
// write fails with an error other than a timeout; such a write error does
// not close the engine.
type SendTransferFunc func(ctx context.Context, frames []wire.Frame, deadline time.Time) (time.Time, bool, error)

// OutputSession is wired to the engine's send path at construction and is
// otherwise opaque to it, per spec.md §6.
type OutputSession struct {
	spec wire.DataSpecifier
	peer *wire.NodeID

	send      SendTransferFunc
	closeOnce sync.Once
	onClose   func()
}

// SendTransfer submits frames as a single outgoing transfer.
func (s *OutputSession) SendTransfer(ctx context.Context, frames []wire.Frame, deadline time.Time) (time.Time, bool, error) {
	return s.send(ctx, frames, deadline)
}

// Close removes this session from its registry. Idempotent.
func (s *OutputSession) Close() {
	s.closeOnce.Do(func() {
		if s.onClose != nil {
			s.onClose()
		}
	})
}

// Registry owns both session maps. Per spec.md §5 it is mutated only from
// the scheduler goroutine; it still takes a mutex so misuse fails safe
// rather than racing.
type Registry struct {
	mu     sync.Mutex
	input  map[key]*InputSession
	output map[key]*OutputSession
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{input: make(map[key]*InputSession), output: make(map[key]*OutputSession)}
}

// GetInputSession idempotently returns the input session for (spec, peer),
// creating one with the given queue depth if none exists yet.
func (r *Registry) GetInputSession(spec wire.DataSpecifier, peer *wire.NodeID, queueDepth int) *InputSession {
	k := keyFor(spec, peer)
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.input[k]; ok {
		return s
	}
	s := &InputSession{spec: spec, peer: peer, in: make(chan ReceivedFrame, queueDepth), closed: make(chan struct{})}
	s.onClose = func() {
		r.mu.Lock()
		delete(r.input, k)
		r.mu.Unlock()
	}
	r.input[k] = s
	return s
}

// GetOutputSession idempotently returns the output session for (spec, peer),
// wiring it to send on creation.
func (r *Registry) GetOutputSession(spec wire.DataSpecifier, peer *wire.NodeID, send SendTransferFunc) *OutputSession {
	k := keyFor(spec, peer)
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.output[k]; ok {
		return s
	}
	s := &OutputSession{spec: spec, peer: peer, send: send}
	s.onClose = func() {
		r.mu.Lock()
		delete(r.output, k)
		r.mu.Unlock()
	}
	r.output[k] = s
	return s
}

// Lookup returns the input sessions that should receive a frame from
// source: the exact-source subscription and the wildcard (absent-peer)
// subscription, in that order, whichever exist.
func (r *Registry) Lookup(spec wire.DataSpecifier, source *wire.NodeID) []*InputSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*InputSession
	if s, ok := r.input[keyFor(spec, source)]; ok {
		out = append(out, s)
	}
	if source != nil {
		if s, ok := r.input[keyFor(spec, nil)]; ok {
			out = append(out, s)
		}
	}
	return out
}

// CloseAll closes every registered session. Used by engine shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	inputs := make([]*InputSession, 0, len(r.input))
	for _, s := range r.input {
		inputs = append(inputs, s)
	}
	outputs := make([]*OutputSession, 0, len(r.output))
	for _, s := range r.output {
		outputs = append(outputs, s)
	}
	r.mu.Unlock()
	for _, s := range inputs {
		s.Close()
	}
	for _, s := range outputs {
		s.Close()
	}
}
