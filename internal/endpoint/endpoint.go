// Package endpoint defines the byte-stream endpoint interface the transport
// engine drives (spec.md §6) and a concrete implementation backed by a real
// serial port. Opening the endpoint is the caller's concern; the engine only
// ever receives one that is already open.
package endpoint

import (
	"errors"
	"fmt"
	"time"

	serial "github.com/tarm/serial"
)

// ErrWriteTimeout is the distinguishable write-timeout error spec.md §6/§7
// requires: a write that doesn't complete within the configured write
// timeout returns this (wrapped), never a bare short count mistaken for
// success. Callers classify it with errors.Is rather than a type switch.
var ErrWriteTimeout = errors.New("endpoint: write timeout")

// Endpoint is the blocking byte-stream the engine owns. Implementations must
// tolerate concurrent Read and Write from different goroutines (spec.md §5:
// the reader goroutine only calls Read/Available, the writer worker only
// calls Write).
type Endpoint interface {
	// Read blocks for up to the configured read timeout and returns the
	// bytes read, or zero bytes on timeout (not an error).
	Read(maxBytes int) ([]byte, error)
	// Available reports a best-effort count of bytes ready without blocking.
	Available() int
	// Write blocks for up to the configured write timeout and returns the
	// number of bytes actually written. On timeout it returns a short count
	// (possibly 0) wrapping ErrWriteTimeout; callers distinguish a transient
	// timeout (errors.Is(err, ErrWriteTimeout)) from a fatal write error.
	Write(p []byte) (int, error)
	IsOpen() bool
	Close() error
	SetReadTimeout(d time.Duration)
	SetWriteTimeout(d time.Duration)
	SetBaudRate(baud int) error
	Name() string
}

// SerialEndpoint adapts github.com/tarm/serial's *serial.Port to Endpoint.
// It is the endpoint implementation used by cmd/uavcan-serial-bridge; the
// transport engine itself only depends on the Endpoint interface.
type SerialEndpoint struct {
	port *serial.Port
	name string
	baud int

	readTimeout  time.Duration
	writeTimeout time.Duration
	open         bool
}

// Open opens name at baud with the given initial read timeout. readTimeout
// should be small (spec.md §4.4 recommends roughly 1s) so the reader
// goroutine can periodically observe a shutdown flag.
func Open(name string, baud int, readTimeout time.Duration) (*SerialEndpoint, error) {
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout}
	p, err := serial.OpenPort(cfg)
	if err != nil {
		return nil, err
	}
	return &SerialEndpoint{port: p, name: name, baud: baud, readTimeout: readTimeout, open: true}, nil
}

func (e *SerialEndpoint) Read(maxBytes int) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = 1
	}
	buf := make([]byte, maxBytes)
	n, err := e.port.Read(buf)
	return buf[:n], err
}

// Available is unsupported by the tarm/serial backend; the reader simply
// requests a fixed-size chunk every iteration (spec.md §4.4: "up to
// max(1, available)" degrades gracefully to a fixed max when available() is
// unknown).
func (e *SerialEndpoint) Available() int { return 0 }

// Write bounds the underlying blocking port write to the configured write
// timeout. tarm/serial exposes no native write deadline, so the bound is
// enforced by racing the write (run on its own goroutine, since it cannot be
// cancelled once issued) against a timer; on timeout Write returns whatever
// was written so far as 0 plus a wrapped ErrWriteTimeout, matching the
// caller-facing contract in the Endpoint doc comment.
func (e *SerialEndpoint) Write(p []byte) (int, error) {
	if e.writeTimeout <= 0 {
		return e.port.Write(p)
	}
	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := e.port.Write(p)
		done <- result{n: n, err: err}
	}()
	select {
	case r := <-done:
		return r.n, r.err
	case <-time.After(e.writeTimeout):
		return 0, fmt.Errorf("%w: %s after %s", ErrWriteTimeout, e.name, e.writeTimeout)
	}
}

func (e *SerialEndpoint) IsOpen() bool { return e.open }

func (e *SerialEndpoint) Close() error {
	if !e.open {
		return nil
	}
	e.open = false
	return e.port.Close()
}

// SetReadTimeout is best-effort: tarm/serial does not expose a way to change
// the read timeout on an already-open port, so this only records the intent
// for bookkeeping/tests; a production backend would reopen or use a driver
// that supports live timeout changes. SetWriteTimeout, by contrast, is
// actually enforced by Write above (tarm/serial has no write deadline of its
// own, so Write bounds it externally).
func (e *SerialEndpoint) SetReadTimeout(d time.Duration)  { e.readTimeout = d }
func (e *SerialEndpoint) SetWriteTimeout(d time.Duration) { e.writeTimeout = d }

func (e *SerialEndpoint) SetBaudRate(baud int) error {
	e.baud = baud
	return nil
}

func (e *SerialEndpoint) Name() string { return e.name }
