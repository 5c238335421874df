package runner

import (
	"context"
	"errors"
	"os/exec"
	"slices"
	"strings"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"
)

func TestGoToLua(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tests := []struct {
		name string
		val  any
		want lua.LValueType
	}{
		{"nil", nil, lua.LTNil},
		{"bool", true, lua.LTBool},
		{"string", "high", lua.LTString},
		{"int", 42, lua.LTNumber},
		{"float64", 5.1, lua.LTNumber},
		{"uint16", uint16(1024), lua.LTNumber},
		{"map", map[string]any{"r": 1}, lua.LTTable},
		{"slice", []any{1, 2}, lua.LTTable},
		{"unknown", struct{}{}, lua.LTString},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := goToLua(L, tt.val).Type(); got != tt.want {
				t.Errorf("goToLua(%v) type = %v, want %v", tt.val, got, tt.want)
			}
		})
	}
}

func TestLuaToGo(t *testing.T) {
	tests := []struct {
		in   lua.LValue
		want any
	}{
		{lua.LNil, nil},
		{lua.LTrue, true},
		{lua.LNumber(0.5), 0.5},
		{lua.LString("on"), "on"},
	}
	for _, tt := range tests {
		if got := luaToGo(tt.in); got != tt.want {
			t.Errorf("luaToGo(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSeconds(t *testing.T) {
	if got := seconds(0.02); got != 20*time.Millisecond {
		t.Errorf("seconds(0.02) = %s", got)
	}
	if got := seconds(1.5); got != 1500*time.Millisecond {
		t.Errorf("seconds(1.5) = %s", got)
	}
}

func TestIperfArgs(t *testing.T) {
	tests := []struct {
		name    string
		p       iperfParams
		want    []string
		wantErr bool
	}{
		{"minimal", iperfParams{Host: "10.0.0.2"}, []string{"-c", "10.0.0.2"}, false},
		{"full tcp", iperfParams{Host: "h", Duration: 10, Bandwidth: "100M", Protocol: "TCP"},
			[]string{"-c", "h", "-t", "10", "-b", "100M"}, false},
		{"udp", iperfParams{Host: "h", Protocol: "udp"}, []string{"-c", "h", "-u"}, false},
		{"no host", iperfParams{}, nil, true},
		{"bad protocol", iperfParams{Host: "h", Protocol: "sctp"}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.p.args()
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("args = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIperfNotConfigured(t *testing.T) {
	ec := NewExecContext(nil, Scratch{}, nil, Tools{}, quietLogger())
	if _, err := ec.Iperf(context.Background(), iperfParams{Host: "h"}); err == nil {
		t.Error("expected error without binary")
	}
}

func TestIperfRunsBinary(t *testing.T) {
	echo, err := exec.LookPath("echo")
	if err != nil {
		t.Skip("echo not available")
	}
	ec := NewExecContext(nil, Scratch{}, nil, Tools{Iperf: echo, IperfServer: "bench-host"}, quietLogger())

	out, err := ec.Iperf(context.Background(), iperfParams{Duration: 3})
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "-c bench-host -t 3" {
		t.Errorf("out = %q", out)
	}
}

func TestOperatorActionWithoutOperator(t *testing.T) {
	ec := NewExecContext(nil, Scratch{}, nil, Tools{}, quietLogger())
	if _, err := ec.OperatorAction(context.Background(), "press enter"); err == nil {
		t.Error("expected error without operator")
	}
}

func TestOperatorActionTimeout(t *testing.T) {
	op := &stubOperator{block: true}
	ec := NewExecContext(nil, Scratch{OperatorTimeout: 10 * time.Millisecond}, op, Tools{}, quietLogger())

	_, err := ec.OperatorAction(context.Background(), "waiting")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}

func TestCampaignResultAccessors(t *testing.T) {
	c := newCampaignResult("id", "all")
	if c.Passed() {
		t.Error("empty campaign should not pass")
	}
	c.add(Outcome{Name: "b", Passed: true})
	c.add(Outcome{Name: "a", Passed: false, Message: "bad"})
	c.add(Outcome{Name: "b", Passed: true, Message: "again"})

	if !slices.Equal(c.Names(), []string{"b", "a"}) {
		t.Errorf("names = %v", c.Names())
	}
	if c.Failed() != 1 || c.Passed() {
		t.Errorf("failed = %d passed = %v", c.Failed(), c.Passed())
	}
	if p, ok := c.Verdict("a"); !ok || p {
		t.Errorf("verdict(a) = %v, %v", p, ok)
	}
	if _, ok := c.Verdict("zzz"); ok {
		t.Error("verdict for missing test reported ok")
	}
	if o := c.Outcomes(); len(o) != 2 || o[0].Message != "again" {
		t.Errorf("outcomes = %+v", o)
	}
}
