package runner

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"launcher-ate/internal/hardware"
)

// Operator supplies text typed by the person at the bench.
type Operator interface {
	Prompt(ctx context.Context, message string) (string, error)
}

// Scratch is mutable per-campaign configuration shared by all scripts.
type Scratch struct {
	ProtocolTimeout time.Duration
	ProtocolLimits  map[string]float64
	OperatorTimeout time.Duration // zero waits forever
}

func (s Scratch) clone() Scratch {
	s.ProtocolLimits = maps.Clone(s.ProtocolLimits)
	if s.ProtocolLimits == nil {
		s.ProtocolLimits = make(map[string]float64)
	}
	return s
}

// Tools configures external helpers available to scripts.
type Tools struct {
	Iperf        string // path to the iperf binary; empty disables ctx.iperf
	IperfServer  string // default -c host
	IperfTimeout time.Duration
}

// ExecContext is what a running script sees: the capability registry, the
// scratch configuration and the operator. One is shared by every step of a
// campaign.
type ExecContext struct {
	Registry *hardware.Registry
	Scratch  Scratch
	Operator Operator
	Tools    Tools
	logger   *slog.Logger
}

// NewExecContext creates an execution context.
func NewExecContext(reg *hardware.Registry, scratch Scratch, op Operator, tools Tools, logger *slog.Logger) *ExecContext {
	return &ExecContext{
		Registry: reg,
		Scratch:  scratch.clone(),
		Operator: op,
		Tools:    tools,
		logger:   logger.With("component", "context"),
	}
}

// OperatorAction shows message to the operator and waits for their reply.
// Scratch.OperatorTimeout bounds the wait when set.
func (ec *ExecContext) OperatorAction(ctx context.Context, message string) (string, error) {
	if ec.Operator == nil {
		return "", fmt.Errorf("operator action %q: no operator attached", message)
	}
	if ec.Scratch.OperatorTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ec.Scratch.OperatorTimeout)
		defer cancel()
	}
	ec.logger.Info("operator action", "msg", message)
	reply, err := ec.Operator.Prompt(ctx, message)
	if err != nil {
		return "", fmt.Errorf("operator action: %w", err)
	}
	return reply, nil
}
