package ports

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"go.bug.st/serial/enumerator"

	"launcher-ate/internal/events"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeConn replays scripted reads. An exhausted script behaves like an
// expired serial read timeout.
type fakeConn struct {
	mu      sync.Mutex
	reads   [][]byte
	readErr error
	written []byte
	closed  bool
}

func (c *fakeConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.reads) == 0 {
		return 0, c.readErr
	}
	n := copy(p, c.reads[0])
	if n < len(c.reads[0]) {
		c.reads[0] = c.reads[0][n:]
	} else {
		c.reads = c.reads[1:]
	}
	return n, nil
}

func (c *fakeConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, p...)
	return len(p), nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) SetReadTimeout(time.Duration) error { return nil }

type memPersister struct {
	serials map[string]string
}

func (p *memPersister) ConfirmedSerials() ([]string, error) {
	var out []string
	for sn := range p.serials {
		out = append(out, sn)
	}
	return out, nil
}

func (p *memPersister) SaveConfirmed(serial, port string) error {
	p.serials[serial] = port
	return nil
}

func (p *memPersister) DeleteConfirmed(serial string) error {
	delete(p.serials, serial)
	return nil
}

type bench struct {
	scanner *Scanner
	ports   []*enumerator.PortDetails
	conns   map[string]*fakeConn
	opened  []string
}

func newBench(t *testing.T, persist Persister, bus *events.Bus) *bench {
	t.Helper()
	s, err := NewScanner(Config{ReadTimeout: time.Second}, persist, bus, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	b := &bench{scanner: s, conns: make(map[string]*fakeConn)}
	s.list = func() ([]*enumerator.PortDetails, error) { return b.ports, nil }
	s.open = func(name string, _ int) (Conn, error) {
		b.opened = append(b.opened, name)
		c, ok := b.conns[name]
		if !ok {
			return nil, errors.New("no such device")
		}
		return c, nil
	}
	return b
}

func names(cs []*Candidate) []string {
	var out []string
	for _, c := range cs {
		out = append(out, c.Name)
	}
	return out
}

func TestCandidatesPreferKnownVendor(t *testing.T) {
	b := newBench(t, nil, nil)
	b.ports = []*enumerator.PortDetails{
		{Name: "P1", IsUSB: true, VID: "0403", PID: "6001", SerialNumber: "A"},
		{Name: "P2", IsUSB: true, VID: "2e8a", PID: "000a", SerialNumber: "B"},
	}

	cands, err := b.scanner.Candidates()
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(names(cands), []string{"P2"}) {
		t.Errorf("candidates = %v, want [P2]", names(cands))
	}
	if cands[0].VID != "2E8A" {
		t.Errorf("VID = %s, want upper-cased", cands[0].VID)
	}
}

func TestCandidatesFallBackToUSB(t *testing.T) {
	b := newBench(t, nil, nil)
	b.ports = []*enumerator.PortDetails{
		{Name: "ttyS0"},
		{Name: "ttyUSB0", IsUSB: true, VID: "0403"},
		{Name: "ttyUSB1", IsUSB: true, VID: "10C4"},
	}

	cands, err := b.scanner.Candidates()
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(names(cands), []string{"ttyUSB0", "ttyUSB1"}) {
		t.Errorf("candidates = %v", names(cands))
	}

	all, _ := b.scanner.Enumerate()
	if len(all) != 3 || all[0].IsUSB || all[0].KnownVendor {
		t.Errorf("enumerate = %+v", all)
	}
}

func TestSelect(t *testing.T) {
	b := newBench(t, nil, nil)
	c, err := b.scanner.Select()
	if err != nil || c != nil {
		t.Fatalf("empty select = %v, %v", c, err)
	}

	b.ports = []*enumerator.PortDetails{
		{Name: "ttyACM1", IsUSB: true, VID: "239A"},
		{Name: "ttyACM0", IsUSB: true, VID: "2E8A"},
	}
	c, err = b.scanner.Select()
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || c.Name != "ttyACM1" {
		t.Errorf("select = %v, want ttyACM1", c)
	}
}

func TestEnumerateError(t *testing.T) {
	b := newBench(t, nil, nil)
	b.scanner.list = func() ([]*enumerator.PortDetails, error) { return nil, errors.New("no sysfs") }
	if _, err := b.scanner.Candidates(); err == nil {
		t.Error("expected error")
	}
}

func TestProbeConfirmsAcrossReenumeration(t *testing.T) {
	b := newBench(t, nil, nil)
	b.ports = []*enumerator.PortDetails{{Name: "ttyACM0", IsUSB: true, VID: "2E8A", SerialNumber: "E663"}}
	b.conns["ttyACM0"] = &fakeConn{reads: [][]byte{[]byte("LAUNCHER-TESTER")}}

	c, _ := b.scanner.Select()
	ok, err := b.scanner.Probe(context.Background(), c)
	if !ok || err != nil {
		t.Fatalf("probe = %v, %v", ok, err)
	}
	if !c.Confirmed {
		t.Error("candidate not marked confirmed")
	}
	if !b.conns["ttyACM0"].closed {
		t.Error("port not closed")
	}

	// Same device on a new path after a rescan.
	b.ports = []*enumerator.PortDetails{{Name: "ttyACM3", IsUSB: true, VID: "2E8A", SerialNumber: "E663"}}
	again, _ := b.scanner.Select()
	if again.Name != "ttyACM3" || !again.Confirmed {
		t.Errorf("after rescan = %+v, want confirmed", again)
	}
}

func TestProbeGreetingPrefix(t *testing.T) {
	tests := []struct {
		name  string
		reads [][]byte
		want  bool
	}{
		{"exact", [][]byte{[]byte("LAUNCHER-TESTER")}, true},
		{"with trailer", [][]byte{[]byte("LAUNCHER-TESTER v2.1\r\n")}, true},
		{"split", [][]byte{[]byte("LAUNCH"), []byte("ER-"), []byte("TESTER")}, true},
		{"wrong device", [][]byte{[]byte("HELLO")}, false},
		{"leading noise", [][]byte{[]byte("\x00LAUNCHER-TESTER")}, false},
		{"truncated", [][]byte{[]byte("LAUNCHER")}, false},
		{"silent", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBench(t, nil, nil)
			conn := &fakeConn{reads: tt.reads}
			b.conns["p"] = conn

			ok, err := b.scanner.Probe(context.Background(), &Candidate{Name: "p", SerialNumber: "S"})
			if ok != tt.want {
				t.Errorf("probe = %v (%v), want %v", ok, err, tt.want)
			}
			if !tt.want && !errors.Is(err, ErrGreetingMismatch) {
				t.Errorf("err = %v, want ErrGreetingMismatch", err)
			}
			if !conn.closed {
				t.Error("port not closed")
			}
		})
	}
}

func TestProbeOpenFailure(t *testing.T) {
	b := newBench(t, nil, nil)
	c := &Candidate{Name: "ttyGONE"}

	ok, err := b.scanner.Probe(context.Background(), c)
	if ok {
		t.Fatal("probe succeeded")
	}
	var perr *ProbeError
	if !errors.As(err, &perr) || perr.Port != "ttyGONE" {
		t.Errorf("err = %v, want *ProbeError", err)
	}
}

func TestProbeReadError(t *testing.T) {
	b := newBench(t, nil, nil)
	conn := &fakeConn{reads: [][]byte{[]byte("LAUN")}, readErr: errors.New("device unplugged")}
	b.conns["p"] = conn

	ok, err := b.scanner.Probe(context.Background(), &Candidate{Name: "p"})
	if ok || err == nil {
		t.Fatalf("probe = %v, %v", ok, err)
	}
	var perr *ProbeError
	if !errors.As(err, &perr) || string(perr.Got) != "LAUN" {
		t.Errorf("err = %#v", err)
	}
	if !conn.closed {
		t.Error("port not closed")
	}
}

func TestProbeWritesRequest(t *testing.T) {
	b := newBench(t, nil, nil)
	b.scanner.cfg.Request = "?\n"
	conn := &fakeConn{reads: [][]byte{[]byte("LAUNCHER-TESTER")}}
	b.conns["p"] = conn

	if ok, _ := b.scanner.Probe(context.Background(), &Candidate{Name: "p"}); !ok {
		t.Fatal("probe failed")
	}
	if string(conn.written) != "?\n" {
		t.Errorf("written = %q", conn.written)
	}
}

func TestProbeCancelled(t *testing.T) {
	b := newBench(t, nil, nil)
	b.conns["p"] = &fakeConn{reads: [][]byte{[]byte("LAUNCHER-TESTER")}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ok, err := b.scanner.Probe(ctx, &Candidate{Name: "p"})
	if ok || !errors.Is(err, context.Canceled) {
		t.Errorf("probe = %v, %v", ok, err)
	}
}

func TestFailedReprobeRevokes(t *testing.T) {
	p := &memPersister{serials: map[string]string{}}
	b := newBench(t, p, nil)
	b.ports = []*enumerator.PortDetails{{Name: "ttyACM0", IsUSB: true, VID: "2E8A", SerialNumber: "E663"}}
	b.conns["ttyACM0"] = &fakeConn{reads: [][]byte{[]byte("LAUNCHER-TESTER")}}

	c, _ := b.scanner.Select()
	b.scanner.Probe(context.Background(), c)
	if p.serials["E663"] != "ttyACM0" {
		t.Fatalf("persisted = %v", p.serials)
	}

	b.conns["ttyACM0"] = &fakeConn{reads: [][]byte{[]byte("bootloader")}}
	c, _ = b.scanner.Select()
	if ok, _ := b.scanner.Probe(context.Background(), c); ok {
		t.Fatal("mismatch confirmed")
	}
	if c.Confirmed || b.scanner.IsConfirmed("E663") {
		t.Error("confirmation not revoked")
	}
	if _, ok := p.serials["E663"]; ok {
		t.Error("persisted confirmation not deleted")
	}
}

func TestPersistedConfirmationsLoaded(t *testing.T) {
	p := &memPersister{serials: map[string]string{"E663": "ttyACM0"}}
	b := newBench(t, p, nil)
	b.ports = []*enumerator.PortDetails{{Name: "ttyACM7", IsUSB: true, VID: "2E8A", SerialNumber: "E663"}}

	c, _ := b.scanner.Select()
	if !c.Confirmed {
		t.Error("persisted serial not confirmed")
	}
	if len(b.opened) != 0 {
		t.Errorf("ports opened without probe: %v", b.opened)
	}
}

func TestConfirmedWithoutSerialNotCached(t *testing.T) {
	b := newBench(t, nil, nil)
	b.ports = []*enumerator.PortDetails{{Name: "ttyACM0", IsUSB: true, VID: "2E8A"}}
	b.conns["ttyACM0"] = &fakeConn{reads: [][]byte{[]byte("LAUNCHER-TESTER")}}

	c, _ := b.scanner.Select()
	if ok, _ := b.scanner.Probe(context.Background(), c); !ok || !c.Confirmed {
		t.Fatal("probe failed")
	}
	again, _ := b.scanner.Select()
	if again.Confirmed {
		t.Error("serial-less candidate stayed confirmed across enumeration")
	}
}

func TestProbeAllEmitsEvents(t *testing.T) {
	bus := events.NewBus(quietLogger())
	var got []string
	bus.OnAll(func(e events.Event) { got = append(got, e.Type+":"+e.Data["port"].(string)) })

	b := newBench(t, nil, bus)
	b.ports = []*enumerator.PortDetails{
		{Name: "ttyACM0", IsUSB: true, VID: "2E8A", SerialNumber: "A"},
		{Name: "ttyACM1", IsUSB: true, VID: "239A", SerialNumber: "B"},
	}
	b.conns["ttyACM0"] = &fakeConn{reads: [][]byte{[]byte("nope")}}
	b.conns["ttyACM1"] = &fakeConn{reads: [][]byte{[]byte("LAUNCHER-TESTER")}}

	cands, err := b.scanner.ProbeAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if cands[0].Confirmed || !cands[1].Confirmed {
		t.Errorf("confirmed = %v, %v", cands[0].Confirmed, cands[1].Confirmed)
	}
	want := []string{events.PortRejected + ":ttyACM0", events.PortConfirmed + ":ttyACM1"}
	if !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}
