package hardware

import (
	"errors"
	"testing"
	"time"
)

type recordingDriver struct {
	sets []string
	pwms []float64
	err  error
}

func (d *recordingDriver) Set(name string, _ any) error {
	d.sets = append(d.sets, name)
	return d.err
}

func (d *recordingDriver) SetPWM(_ string, duty float64) error {
	d.pwms = append(d.pwms, duty)
	return d.err
}

func TestRegistryHasContractNames(t *testing.T) {
	r := NewRegistry(&recordingDriver{})
	for _, name := range ReadableNames {
		if r.Readable(name) == nil {
			t.Errorf("readable %s missing", name)
		}
	}
	for _, name := range SetableNames {
		if r.Setable(name) == nil {
			t.Errorf("setable %s missing", name)
		}
	}
	if r.Readable("ON") != nil {
		t.Error("ON must be a setable, not a readable")
	}
	if r.Setable("NOPE") != nil {
		t.Error("unknown setable should be nil")
	}
}

func TestRegistryStore(t *testing.T) {
	r := NewRegistry(&recordingDriver{})
	if err := r.Store("V5_UUT", 5.1); err != nil {
		t.Fatal(err)
	}
	if got := r.Readable("V5_UUT").Value(); got != 5.1 {
		t.Errorf("V5_UUT = %v, want 5.1", got)
	}
	if err := r.Store("NOPE", 1); !errors.Is(err, ErrUnknownSignal) {
		t.Errorf("store unknown: err = %v, want ErrUnknownSignal", err)
	}
}

func TestSetableForwardsToDriver(t *testing.T) {
	d := &recordingDriver{}
	r := NewRegistry(d)

	if err := r.Setable("ON").Set(true); err != nil {
		t.Fatal(err)
	}
	if err := r.Setable("TRIG").SetPWM(0.25); err != nil {
		t.Fatal(err)
	}
	if len(d.sets) != 1 || d.sets[0] != "ON" {
		t.Errorf("sets = %v", d.sets)
	}
	if len(d.pwms) != 1 || d.pwms[0] != 0.25 {
		t.Errorf("pwms = %v", d.pwms)
	}

	v, pwm := r.Setable("ON").Last()
	if pwm || v != true {
		t.Errorf("ON last = %v pwm=%v", v, pwm)
	}
	v, pwm = r.Setable("TRIG").Last()
	if !pwm || v != 0.25 {
		t.Errorf("TRIG last = %v pwm=%v", v, pwm)
	}
}

func TestSetPWMRange(t *testing.T) {
	r := NewRegistry(&recordingDriver{})
	for _, duty := range []float64{-0.1, 1.01} {
		if err := r.Setable("ON").SetPWM(duty); !errors.Is(err, ErrDutyRange) {
			t.Errorf("SetPWM(%v) err = %v, want ErrDutyRange", duty, err)
		}
	}
	for _, duty := range []float64{0, 1} {
		if err := r.Setable("ON").SetPWM(duty); err != nil {
			t.Errorf("SetPWM(%v) err = %v", duty, err)
		}
	}
}

func TestSetableDriverError(t *testing.T) {
	d := &recordingDriver{err: errors.New("bus fault")}
	r := NewRegistry(d)
	if err := r.Setable("OFF").Set(false); err == nil {
		t.Fatal("expected driver error")
	}
	if v, _ := r.Setable("OFF").Last(); v != nil {
		t.Errorf("last after failed set = %v, want nil", v)
	}
}

func TestReadableStable(t *testing.T) {
	r := newReadable("Charge")
	r.Store(3.30)

	ok, err := r.Stable(30*time.Millisecond, 5*time.Millisecond, 0.01)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("constant value should be stable")
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		r.Store(4.0)
	}()
	ok, err = r.Stable(200*time.Millisecond, 2*time.Millisecond, 0.01)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("changing value should not be stable")
	}
}

func TestReadableStableTolerance(t *testing.T) {
	tests := []struct {
		a, b any
		tol  float64
		want bool
	}{
		{5.0, 5.05, 0.1, true},
		{5.0, 5.2, 0.1, false},
		{1, 1.0, 0, true},
		{"high", "high", 0, true},
		{"high", "low", 0, false},
		{nil, nil, 0, true},
		{nil, 0.0, 0, false},
	}
	for _, tt := range tests {
		if got := sameReading(tt.a, tt.b, tt.tol); got != tt.want {
			t.Errorf("sameReading(%v, %v, %v) = %v, want %v", tt.a, tt.b, tt.tol, got, tt.want)
		}
	}
}

func TestReadableTimeToChange(t *testing.T) {
	r := newReadable("ON_RTRN")
	r.Store(false)

	go func() {
		time.Sleep(20 * time.Millisecond)
		r.Store(true)
	}()
	d, err := r.TimeToChange(time.Second, 2*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if d < 15*time.Millisecond {
		t.Errorf("time to change = %s, want >= ~20ms", d)
	}

	_, err = r.TimeToChange(20*time.Millisecond, 2*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", err)
	}
}
