package ports

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"

	"launcher-ate/internal/events"
)

// ErrGreetingMismatch means the port answered with something other than the
// tester greeting, or nothing at all before the read timeout.
var ErrGreetingMismatch = errors.New("greeting mismatch")

// Conn is the part of serial.Port the handshake needs.
type Conn interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// ProbeError is a failed handshake. It is returned as a value; a probe never
// aborts its caller.
type ProbeError struct {
	Port string
	Got  []byte // bytes read before giving up
	Err  error
}

func (e *ProbeError) Error() string {
	if len(e.Got) > 0 {
		return fmt.Sprintf("probe %s: %v (got %q)", e.Port, e.Err, e.Got)
	}
	return fmt.Sprintf("probe %s: %v", e.Port, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

func openSerial(name string, baud int) (Conn, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, err
	}
	// USB CDC ACM boards only start talking once DTR is asserted.
	_ = port.SetDTR(true)
	return port, nil
}

// Probe opens c, reads its greeting and closes it. On a match c is marked
// confirmed and its serial number cached. On failure the result is false
// with a *ProbeError, and any earlier confirmation of the serial is revoked.
func (s *Scanner) Probe(ctx context.Context, c *Candidate) (bool, error) {
	got, err := s.handshake(ctx, c.Name)
	if err != nil {
		perr := &ProbeError{Port: c.Name, Got: got, Err: err}
		s.logger.Info("probe failed", "port", c.Name, "serial", c.SerialNumber, "err", err)
		s.revoke(c)
		s.bus.Emit(events.PortRejected, events.Fields{
			"port":   c.Name,
			"serial": c.SerialNumber,
			"error":  perr.Error(),
		})
		return false, perr
	}

	s.confirm(c)
	s.logger.Info("probe confirmed tester", "port", c.Name, "serial", c.SerialNumber)
	s.bus.Emit(events.PortConfirmed, events.Fields{
		"port":   c.Name,
		"serial": c.SerialNumber,
	})
	return true, nil
}

// ProbeAll probes every candidate in order and returns them with their
// confirmation state updated. Individual failures are logged only.
func (s *Scanner) ProbeAll(ctx context.Context) ([]*Candidate, error) {
	cands, err := s.Candidates()
	if err != nil {
		return nil, err
	}
	for _, c := range cands {
		if err := ctx.Err(); err != nil {
			return cands, err
		}
		s.Probe(ctx, c)
	}
	return cands, nil
}

// handshake reads until the greeting is matched, a byte diverges from it,
// or the read timeout elapses. The port is always closed.
func (s *Scanner) handshake(ctx context.Context, name string) ([]byte, error) {
	conn, err := s.open(name, s.cfg.Baud)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	defer conn.Close()

	if s.cfg.Request != "" {
		if _, err := conn.Write([]byte(s.cfg.Request)); err != nil {
			return nil, fmt.Errorf("write request: %w", err)
		}
	}

	greeting := []byte(s.cfg.Greeting)
	deadline := time.Now().Add(s.cfg.ReadTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	buf := make([]byte, 0, len(greeting))
	chunk := make([]byte, len(greeting))
	for len(buf) < len(greeting) {
		if err := ctx.Err(); err != nil {
			return buf, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return buf, ErrGreetingMismatch
		}
		if err := conn.SetReadTimeout(remaining); err != nil {
			return buf, fmt.Errorf("set read timeout: %w", err)
		}

		n, err := conn.Read(chunk[:len(greeting)-len(buf)])
		buf = append(buf, chunk[:n]...)
		if !bytes.HasPrefix(greeting, buf) {
			return buf, ErrGreetingMismatch
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return buf, ErrGreetingMismatch
			}
			return buf, fmt.Errorf("read: %w", err)
		}
		// serial.Port returns 0, nil when the read timeout expires.
		if n == 0 {
			return buf, ErrGreetingMismatch
		}
	}
	return buf, nil
}
