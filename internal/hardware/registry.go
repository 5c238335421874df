// Package hardware defines the capability registry exposed to bench scripts:
// named feedback signals (Readables) and named controls (Setables).
// The set of names is the physical I/O map of the tester and never changes
// at runtime.
package hardware

import (
	"fmt"
	"log/slog"
)

// Readable signal names, in contract order.
var ReadableNames = []string{
	"ON_RTRN",
	"OFF_RTRN",
	"BIT_STAT",
	"BIT_IND",
	"DRN_PRES",
	"CAP_PRES",
	"Blue",
	"Green",
	"Inflator",
	"Charge",
	"V5_UUT",
}

// Setable control names, in contract order.
var SetableNames = []string{
	"ON",
	"OFF",
	"INF_EN",
	"CHRG_EN",
	"TRIG",
	"LAUNCH_EN",
	"LAUNCH_CONSENT",
}

// Driver carries Setable commands to the tester electronics.
type Driver interface {
	Set(name string, value any) error
	SetPWM(name string, duty float64) error
}

// LogDriver is a Driver that only logs commands. It is used when no
// electronics backend is attached.
type LogDriver struct {
	Logger *slog.Logger
}

func (d LogDriver) Set(name string, value any) error {
	d.logger().Info("set", "control", name, "value", value)
	return nil
}

func (d LogDriver) SetPWM(name string, duty float64) error {
	d.logger().Info("set pwm", "control", name, "duty", duty)
	return nil
}

func (d LogDriver) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// Registry is the fixed map of Readables and Setables.
type Registry struct {
	readables map[string]*Readable
	setables  map[string]*Setable
}

// NewRegistry builds the registry with every contract name. All Setables
// forward to driver.
func NewRegistry(driver Driver) *Registry {
	r := &Registry{
		readables: make(map[string]*Readable, len(ReadableNames)),
		setables:  make(map[string]*Setable, len(SetableNames)),
	}
	for _, name := range ReadableNames {
		r.readables[name] = newReadable(name)
	}
	for _, name := range SetableNames {
		r.setables[name] = newSetable(name, driver)
	}
	return r
}

// Readable returns the named signal, or nil if the name is not in the I/O map.
func (r *Registry) Readable(name string) *Readable {
	return r.readables[name]
}

// Setable returns the named control, or nil if the name is not in the I/O map.
func (r *Registry) Setable(name string) *Setable {
	return r.setables[name]
}

// Store updates a Readable's current value. Only the hardware layer calls this.
func (r *Registry) Store(name string, value any) error {
	rd, ok := r.readables[name]
	if !ok {
		return fmt.Errorf("store %s: %w", name, ErrUnknownSignal)
	}
	rd.Store(value)
	return nil
}
