// Package streamparser implements the resynchronising byte-stream state
// machine of spec.md §4.3: it consumes arbitrary chunks from a noisy byte
// stream and emits validated wire.Frame values or out-of-band byte spans.
package streamparser

import (
	"time"

	"github.com/kstaniek/uavcan-serial/internal/wire"
)

type state uint8

const (
	stateBetween state = iota
	stateInside
)

// Item is what the parser hands back per completed frame or out-of-band
// span: exactly one of Frame (Frame != nil) or an out-of-band span (OOB != nil).
type Item struct {
	Frame     *wire.Frame
	OOB       []byte
	Timestamp time.Time
}

// Sink receives parser output. Implementations must not retain OOB or
// Frame.Payload beyond the call (both alias the parser's scratch buffers)
// unless they copy them.
type Sink func(Item)

// Parser is a byte-at-a-time resynchronising state machine. It is not safe
// for concurrent use; spec.md's concurrency model has exactly one reader
// feeding it.
type Parser struct {
	maxFrame int // MTU + overhead: abort an in-progress frame beyond this many buffered bytes
	state    state
	escaped  bool
	inside   []byte // scratch buffer for the frame currently being collected
	oob      []byte // scratch buffer for accumulated out-of-band bytes
}

// New creates a Parser that aborts any in-progress frame exceeding maxFrame
// buffered bytes (MTU plus header/CRC/framing overhead).
func New(maxFrame int) *Parser {
	return &Parser{maxFrame: maxFrame}
}

// Feed consumes chunk, invoking sink once per completed Frame or OOB span.
// now is the timestamp attributed to items completed during this call
// (spec.md §4.3: a Frame's timestamp is the arrival time of its closing
// delimiter; since Feed processes one chunk atomically, every item
// completed within a single Feed call shares its arrival instant).
// Out-of-band bytes still pending when the chunk ends outside a frame are
// flushed as one span before Feed returns.
func (p *Parser) Feed(chunk []byte, now time.Time, sink Sink) {
	for i := 0; i < len(chunk); i++ {
		b := chunk[i]
		switch p.state {
		case stateBetween:
			if b == wire.Delimiter {
				p.flushOOB(now, sink)
				p.state = stateInside
				p.inside = p.inside[:0]
				p.escaped = false
				continue
			}
			p.oob = append(p.oob, b)

		case stateInside:
			if p.escaped {
				p.escaped = false
				if !p.appendInside(b ^ 0xFF) {
					i--
				}
				continue
			}
			switch b {
			case wire.Delimiter:
				p.closeFrame(now, sink)
			case wire.Escape:
				p.escaped = true
			default:
				if !p.appendInside(b) {
					i--
				}
			}
		}
	}
	if p.state == stateBetween {
		p.flushOOB(now, sink)
	}
}

// appendInside appends b to the in-progress frame buffer, unless doing so
// would exceed maxFrame — in which case it aborts the frame (surfacing what
// was collected as OOB and returning to Between) and reports false so the
// caller reprocesses b fresh.
func (p *Parser) appendInside(b byte) bool {
	if len(p.inside) >= p.maxFrame {
		p.oob = append(p.oob, p.inside...)
		p.inside = p.inside[:0]
		p.state = stateBetween
		p.escaped = false
		return false
	}
	p.inside = append(p.inside, b)
	return true
}

// closeFrame handles a closing (or collapsed-opening) delimiter while Inside.
func (p *Parser) closeFrame(now time.Time, sink Sink) {
	if len(p.inside) == 0 {
		// Delimiters collapse: this is simultaneously the close of nothing
		// and the open of the next frame. Stay Inside with a fresh buffer.
		p.escaped = false
		return
	}
	if f, ok := wire.Decode(p.inside); ok {
		f.Timestamp = now
		sink(Item{Frame: &f, Timestamp: now})
	} else {
		sink(Item{OOB: p.inside, Timestamp: now})
	}
	p.inside = p.inside[:0]
	p.state = stateBetween
	p.escaped = false
}

func (p *Parser) flushOOB(now time.Time, sink Sink) {
	if len(p.oob) == 0 {
		return
	}
	sink(Item{OOB: p.oob, Timestamp: now})
	p.oob = p.oob[:0]
}
