package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"launcher-ate/internal/runner"
)

// consoleOperator prompts on out and reads replies line by line from in.
// A single reader goroutine feeds every prompt so a cancelled prompt does
// not lose the next line typed.
type consoleOperator struct {
	out io.Writer

	start sync.Once
	in    io.Reader
	lines chan string
	err   error // set before lines is closed
}

func newConsoleOperator(in io.Reader, out io.Writer) *consoleOperator {
	return &consoleOperator{in: in, out: out, lines: make(chan string)}
}

func (o *consoleOperator) read() {
	sc := bufio.NewScanner(o.in)
	for sc.Scan() {
		o.lines <- sc.Text()
	}
	o.err = sc.Err()
	if o.err == nil {
		o.err = io.EOF
	}
	close(o.lines)
}

// Prompt implements runner.Operator and report.Prompter.
func (o *consoleOperator) Prompt(ctx context.Context, message string) (string, error) {
	o.start.Do(func() { go o.read() })

	msg := strings.TrimRight(message, " ")
	if !strings.HasSuffix(msg, ":") && !strings.HasSuffix(msg, "?") {
		msg += ":"
	}
	fmt.Fprint(o.out, msg+" ")

	select {
	case <-ctx.Done():
		fmt.Fprintln(o.out)
		return "", ctx.Err()
	case line, ok := <-o.lines:
		if !ok {
			return "", fmt.Errorf("operator input closed: %w", o.err)
		}
		return strings.TrimSpace(line), nil
	}
}

// promptRequired asks until the operator gives a non-empty answer.
func promptRequired(ctx context.Context, p runner.Operator, message string) (string, error) {
	for {
		v, err := p.Prompt(ctx, message)
		if err != nil {
			return "", err
		}
		if v != "" {
			return v, nil
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
	}
}
