// Package ports finds the serial port the tester electronics are attached to.
//
// Ports are enumerated from the OS, narrowed to USB devices (preferring a
// known vendor allow-list), and confirmed with a greeting handshake. A
// confirmation is keyed by the device's USB serial number because the port
// path can change between rescans.
package ports

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial/enumerator"

	"launcher-ate/internal/events"
)

// Config controls classification and the handshake.
type Config struct {
	Greeting    string
	Request     string // written before reading, if set
	Baud        int
	ReadTimeout time.Duration
	VendorIDs   []string // hex, case-insensitive
}

const (
	DefaultGreeting    = "LAUNCHER-TESTER"
	DefaultBaud        = 115200
	DefaultReadTimeout = 2 * time.Second
)

// DefaultVendorIDs are the USB vendors of the supported tester boards.
var DefaultVendorIDs = []string{"2E8A", "239A"}

func (c Config) withDefaults() Config {
	if c.Greeting == "" {
		c.Greeting = DefaultGreeting
	}
	if c.Baud == 0 {
		c.Baud = DefaultBaud
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.VendorIDs == nil {
		c.VendorIDs = DefaultVendorIDs
	}
	return c
}

// Candidate is a serial port and its classification.
type Candidate struct {
	Name         string `json:"name"`
	Product      string `json:"product,omitempty"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	IsUSB        bool   `json:"is_usb"`
	KnownVendor  bool   `json:"known_vendor"`
	Confirmed    bool   `json:"confirmed"`
}

func (c *Candidate) String() string {
	if c.IsUSB {
		return fmt.Sprintf("%s USB VID:PID=%s:%s SER=%s", c.Name, c.VID, c.PID, c.SerialNumber)
	}
	return c.Name
}

// Persister keeps confirmed device serials across restarts.
type Persister interface {
	ConfirmedSerials() ([]string, error)
	SaveConfirmed(serial, port string) error
	DeleteConfirmed(serial string) error
}

// Scanner enumerates, classifies and probes serial ports.
type Scanner struct {
	cfg     Config
	list    func() ([]*enumerator.PortDetails, error)
	open    func(name string, baud int) (Conn, error)
	persist Persister
	bus     *events.Bus
	logger  *slog.Logger

	mu        sync.Mutex
	confirmed map[string]struct{}
	vendors   map[string]struct{}
}

// NewScanner creates a scanner over the OS port list. persist and bus may
// be nil. Previously confirmed serials are loaded from persist.
func NewScanner(cfg Config, persist Persister, bus *events.Bus, logger *slog.Logger) (*Scanner, error) {
	cfg = cfg.withDefaults()
	s := &Scanner{
		cfg:       cfg,
		list:      enumerator.GetDetailedPortsList,
		open:      openSerial,
		persist:   persist,
		bus:       bus,
		logger:    logger.With("component", "ports"),
		confirmed: make(map[string]struct{}),
		vendors:   make(map[string]struct{}, len(cfg.VendorIDs)),
	}
	for _, v := range cfg.VendorIDs {
		s.vendors[strings.ToUpper(v)] = struct{}{}
	}

	if persist != nil {
		serials, err := persist.ConfirmedSerials()
		if err != nil {
			return nil, fmt.Errorf("load confirmed serials: %w", err)
		}
		for _, sn := range serials {
			s.confirmed[sn] = struct{}{}
		}
		s.logger.Debug("loaded confirmed serials", "count", len(serials))
	}
	return s, nil
}

// Enumerate lists every serial port the OS reports.
func (s *Scanner) Enumerate() ([]*Candidate, error) {
	details, err := s.list()
	if err != nil {
		return nil, fmt.Errorf("enumerate ports: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Candidate, 0, len(details))
	for _, d := range details {
		c := &Candidate{
			Name:         d.Name,
			Product:      d.Product,
			VID:          strings.ToUpper(d.VID),
			PID:          strings.ToUpper(d.PID),
			SerialNumber: d.SerialNumber,
			IsUSB:        d.IsUSB,
		}
		if c.IsUSB {
			_, c.KnownVendor = s.vendors[c.VID]
		}
		if c.SerialNumber != "" {
			_, c.Confirmed = s.confirmed[c.SerialNumber]
		}
		out = append(out, c)
	}
	return out, nil
}

// Candidates returns the USB ports, narrowed to known vendors when any are
// present.
func (s *Scanner) Candidates() ([]*Candidate, error) {
	all, err := s.Enumerate()
	if err != nil {
		return nil, err
	}
	var usb, known []*Candidate
	for _, c := range all {
		if !c.IsUSB {
			continue
		}
		usb = append(usb, c)
		if c.KnownVendor {
			known = append(known, c)
		}
	}
	if len(known) > 0 {
		return known, nil
	}
	return usb, nil
}

// Select returns the first candidate, or nil when there is none.
func (s *Scanner) Select() (*Candidate, error) {
	cands, err := s.Candidates()
	if err != nil || len(cands) == 0 {
		return nil, err
	}
	return cands[0], nil
}

// Find returns the enumerated port with the given name.
func (s *Scanner) Find(name string) (*Candidate, error) {
	all, err := s.Enumerate()
	if err != nil {
		return nil, err
	}
	for _, c := range all {
		if c.Name == name {
			return c, nil
		}
	}
	return nil, fmt.Errorf("port %s not found", name)
}

// IsConfirmed reports whether serial has passed the handshake.
func (s *Scanner) IsConfirmed(serial string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.confirmed[serial]
	return ok
}

func (s *Scanner) confirm(c *Candidate) {
	c.Confirmed = true
	if c.SerialNumber == "" {
		s.logger.Warn("confirmed port has no serial number, not cached", "port", c.Name)
		return
	}
	s.mu.Lock()
	s.confirmed[c.SerialNumber] = struct{}{}
	s.mu.Unlock()

	if s.persist != nil {
		if err := s.persist.SaveConfirmed(c.SerialNumber, c.Name); err != nil {
			s.logger.Warn("persist confirmation", "serial", c.SerialNumber, "err", err)
		}
	}
}

func (s *Scanner) revoke(c *Candidate) {
	c.Confirmed = false
	if c.SerialNumber == "" {
		return
	}
	s.mu.Lock()
	_, had := s.confirmed[c.SerialNumber]
	delete(s.confirmed, c.SerialNumber)
	s.mu.Unlock()

	if !had {
		return
	}
	s.logger.Info("confirmation revoked", "serial", c.SerialNumber, "port", c.Name)
	if s.persist != nil {
		if err := s.persist.DeleteConfirmed(c.SerialNumber); err != nil {
			s.logger.Warn("delete confirmation", "serial", c.SerialNumber, "err", err)
		}
	}
}
