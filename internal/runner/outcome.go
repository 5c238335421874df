package runner

import (
	"time"
)

// Kind distinguishes scored tests from lifecycle actions.
type Kind string

const (
	KindTest   Kind = "test"
	KindAction Kind = "action"
)

// Outcome is the result of one script run.
type Outcome struct {
	Name    string        `json:"name"`
	Kind    Kind          `json:"kind"`
	Passed  bool          `json:"passed"`
	Message string        `json:"message"`
	Elapsed time.Duration `json:"-"`
}

// ElapsedSeconds returns the run time in seconds.
func (o Outcome) ElapsedSeconds() float64 {
	return o.Elapsed.Seconds()
}

// CampaignResult holds the test outcomes of one RunAll or RunSingle call,
// in execution order. Action outcomes are not part of it.
type CampaignResult struct {
	ID       string
	Mode     string // "all" or "single"
	Started  time.Time
	Finished time.Time
	Aborted  bool

	order    []string
	outcomes map[string]Outcome
}

func newCampaignResult(id, mode string) *CampaignResult {
	return &CampaignResult{
		ID:       id,
		Mode:     mode,
		Started:  time.Now(),
		outcomes: make(map[string]Outcome),
	}
}

func (c *CampaignResult) add(o Outcome) {
	if _, ok := c.outcomes[o.Name]; !ok {
		c.order = append(c.order, o.Name)
	}
	c.outcomes[o.Name] = o
}

// Names returns the test names in execution order.
func (c *CampaignResult) Names() []string {
	return append([]string(nil), c.order...)
}

// Get returns the outcome of the named test.
func (c *CampaignResult) Get(name string) (Outcome, bool) {
	o, ok := c.outcomes[name]
	return o, ok
}

// Outcomes returns all test outcomes in execution order.
func (c *CampaignResult) Outcomes() []Outcome {
	out := make([]Outcome, 0, len(c.order))
	for _, n := range c.order {
		out = append(out, c.outcomes[n])
	}
	return out
}

func (c *CampaignResult) Len() int { return len(c.order) }

// Failed counts failed tests.
func (c *CampaignResult) Failed() int {
	n := 0
	for _, o := range c.outcomes {
		if !o.Passed {
			n++
		}
	}
	return n
}

// Passed reports whether the campaign ran to completion with at least one
// test and no failures.
func (c *CampaignResult) Passed() bool {
	return !c.Aborted && c.Len() > 0 && c.Failed() == 0
}

// Verdict reports the named test's pass/fail; ok is false if it did not run.
func (c *CampaignResult) Verdict(name string) (passed, ok bool) {
	o, ok := c.outcomes[name]
	return o.Passed, ok
}

// Duration is the wall time of the campaign.
func (c *CampaignResult) Duration() time.Duration {
	if c.Finished.IsZero() {
		return time.Since(c.Started)
	}
	return c.Finished.Sub(c.Started)
}
