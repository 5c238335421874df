package runner

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

const (
	defaultIperfTimeout = 30 * time.Second
	maxIperfOutput      = 64 * 1024
)

// iperfParams are the options scripts pass to ctx.iperf{...}.
type iperfParams struct {
	Host      string
	Duration  int
	Bandwidth string
	Protocol  string
}

func (p iperfParams) args() ([]string, error) {
	if p.Host == "" {
		return nil, errors.New("iperf: host is required")
	}
	args := []string{"-c", p.Host}
	if p.Duration > 0 {
		args = append(args, "-t", strconv.Itoa(p.Duration))
	}
	if p.Bandwidth != "" {
		args = append(args, "-b", p.Bandwidth)
	}
	switch strings.ToUpper(p.Protocol) {
	case "", "TCP":
	case "UDP":
		args = append(args, "-u")
	default:
		return nil, fmt.Errorf("iperf: unknown protocol %q", p.Protocol)
	}
	return args, nil
}

// Iperf runs the configured iperf client and returns its stdout.
func (ec *ExecContext) Iperf(ctx context.Context, p iperfParams) (string, error) {
	if ec.Tools.Iperf == "" {
		return "", errors.New("iperf: no binary configured")
	}
	if p.Host == "" {
		p.Host = ec.Tools.IperfServer
	}
	args, err := p.args()
	if err != nil {
		return "", err
	}

	timeout := ec.Tools.IperfTimeout
	if timeout == 0 {
		timeout = defaultIperfTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ec.logger.Info("running iperf", "bin", ec.Tools.Iperf, "args", args)
	out, err := exec.CommandContext(ctx, ec.Tools.Iperf, args...).Output()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("iperf: timeout after %s", timeout)
		}
		return "", fmt.Errorf("iperf: %w", err)
	}
	if len(out) > maxIperfOutput {
		out = out[:maxIperfOutput]
	}
	return string(out), nil
}

// ctx.iperf{host=..., duration=10, bandwidth="100M", protocol="TCP"}
func (ec *ExecContext) luaIperf(L *lua.LState, run *stepRun) int {
	var p iperfParams
	if opts, ok := L.Get(1).(*lua.LTable); ok {
		if v, ok := opts.RawGetString("host").(lua.LString); ok {
			p.Host = string(v)
		}
		if v, ok := opts.RawGetString("duration").(lua.LNumber); ok {
			p.Duration = int(v)
		}
		if v := opts.RawGetString("bandwidth"); v != lua.LNil {
			p.Bandwidth = v.String()
		}
		if v, ok := opts.RawGetString("protocol").(lua.LString); ok {
			p.Protocol = string(v)
		}
	}

	out, err := ec.Iperf(run.ctx, p)
	if err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	L.Push(lua.LString(out))
	return 1
}
