package hardware

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"sync"
	"time"
)

var (
	// ErrUnknownSignal is returned for names outside the I/O map.
	ErrUnknownSignal = errors.New("unknown signal")
	// ErrTimeout is returned when a Readable does not change in time.
	ErrTimeout = errors.New("timeout")
	// ErrDutyRange is returned for PWM duty cycles outside [0, 1].
	ErrDutyRange = errors.New("duty cycle out of range")
)

// DefaultPoll is the sampling interval used by derived checks when the
// caller passes zero.
const DefaultPoll = 10 * time.Millisecond

// Readable is a named hardware feedback signal. Its value type is defined
// by the hardware layer; nil means no reading yet.
type Readable struct {
	name string

	mu    sync.RWMutex
	value any
}

func newReadable(name string) *Readable {
	return &Readable{name: name}
}

func (r *Readable) Name() string { return r.name }

// Value returns the current reading.
func (r *Readable) Value() any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.value
}

// Store sets the current reading. Only the hardware layer calls this.
func (r *Readable) Store(v any) {
	r.mu.Lock()
	r.value = v
	r.mu.Unlock()
}

// Stable samples the value every poll for window and reports whether every
// sample matched the first one. Numeric readings match within tolerance.
func (r *Readable) Stable(window, poll time.Duration, tolerance float64) (bool, error) {
	if window < 0 {
		return false, fmt.Errorf("stable %s: negative window", r.name)
	}
	if poll <= 0 {
		poll = DefaultPoll
	}
	first := r.Value()
	deadline := time.Now().Add(window)
	for {
		if !sameReading(first, r.Value(), tolerance) {
			return false, nil
		}
		if !time.Now().Before(deadline) {
			return true, nil
		}
		time.Sleep(min(poll, time.Until(deadline)))
	}
}

// TimeToChange waits until the value differs from its value at call time
// and returns how long that took.
func (r *Readable) TimeToChange(timeout, poll time.Duration) (time.Duration, error) {
	if poll <= 0 {
		poll = DefaultPoll
	}
	start := time.Now()
	first := r.Value()
	for {
		if !sameReading(first, r.Value(), 0) {
			return time.Since(start), nil
		}
		if time.Since(start) >= timeout {
			return 0, fmt.Errorf("%s unchanged after %s: %w", r.name, timeout, ErrTimeout)
		}
		time.Sleep(poll)
	}
}

func sameReading(a, b any, tolerance float64) bool {
	fa, aok := toFloat(a)
	fb, bok := toFloat(b)
	if aok && bok {
		return math.Abs(fa-fb) <= tolerance
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	default:
		return 0, false
	}
}

// Setable is a named hardware control.
type Setable struct {
	name   string
	driver Driver

	mu    sync.Mutex
	last  any
	duty  float64
	isPWM bool
}

func newSetable(name string, driver Driver) *Setable {
	return &Setable{name: name, driver: driver}
}

func (s *Setable) Name() string { return s.name }

// Set commands the control to value.
func (s *Setable) Set(value any) error {
	if err := s.driver.Set(s.name, value); err != nil {
		return fmt.Errorf("set %s: %w", s.name, err)
	}
	s.mu.Lock()
	s.last, s.isPWM = value, false
	s.mu.Unlock()
	return nil
}

// SetPWM drives the control with a duty cycle in [0, 1].
func (s *Setable) SetPWM(duty float64) error {
	if math.IsNaN(duty) || duty < 0 || duty > 1 {
		return fmt.Errorf("set pwm %s: %v: %w", s.name, duty, ErrDutyRange)
	}
	if err := s.driver.SetPWM(s.name, duty); err != nil {
		return fmt.Errorf("set pwm %s: %w", s.name, err)
	}
	s.mu.Lock()
	s.duty, s.isPWM = duty, true
	s.mu.Unlock()
	return nil
}

// Last returns the last commanded value, or the duty cycle when the last
// command was PWM.
func (s *Setable) Last() (value any, pwm bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isPWM {
		return s.duty, true
	}
	return s.last, false
}
