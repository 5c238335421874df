package web

import (
	"sync"
	"time"

	"launcher-ate/internal/events"
)

// StepStatus is the last known state of one script run.
type StepStatus struct {
	Name    string    `json:"name"`
	Kind    string    `json:"kind"`
	Running bool      `json:"running"`
	Passed  bool      `json:"passed"`
	Message string    `json:"message,omitempty"`
	Elapsed float64   `json:"elapsed_seconds,omitempty"`
	At      time.Time `json:"at"`
}

// CampaignStatus describes the campaign in progress or the last one.
type CampaignStatus struct {
	ID       string       `json:"id"`
	Mode     string       `json:"mode"`
	Started  time.Time    `json:"started"`
	Finished *time.Time   `json:"finished,omitempty"`
	Tests    []string     `json:"tests,omitempty"`
	Results  []StepStatus `json:"results"`
	Passed   *bool        `json:"passed,omitempty"`
	Aborted  bool         `json:"aborted,omitempty"`
}

// PortStatus is the last handshake result for a port.
type PortStatus struct {
	Port      string    `json:"port"`
	Serial    string    `json:"serial,omitempty"`
	Confirmed bool      `json:"confirmed"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Status is the monitor's view of the bench.
type Status struct {
	State        string          `json:"state"`
	Campaign     *CampaignStatus `json:"campaign,omitempty"`
	LastCampaign *CampaignStatus `json:"last_campaign,omitempty"`
	LastStep     *StepStatus     `json:"last_step,omitempty"`
	Ports        []PortStatus    `json:"ports,omitempty"`
}

// statusTracker folds bus events into a Status.
type statusTracker struct {
	mu     sync.RWMutex
	status Status
	ports  map[string]PortStatus
	order  []string
}

func newStatusTracker() *statusTracker {
	return &statusTracker{
		status: Status{State: "idle"},
		ports:  make(map[string]PortStatus),
	}
}

func (t *statusTracker) handle(e events.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	d := e.Data

	switch e.Type {
	case events.StateChanged:
		t.status.State = d.String("state")

	case events.CampaignStarted:
		c := &CampaignStatus{ID: d.String("id"), Mode: d.String("mode"), Started: e.Time, Results: []StepStatus{}}
		c.Tests = d.Strings("tests")
		t.status.Campaign = c

	case events.StepStarted:
		t.status.LastStep = &StepStatus{Name: d.String("name"), Kind: d.String("kind"), Running: true, At: e.Time}

	case events.StepFinished:
		step := StepStatus{
			Name:    d.String("name"),
			Kind:    d.String("kind"),
			Passed:  d.Bool("passed"),
			Message: d.String("message"),
			At:      e.Time,
		}
		step.Elapsed = d.Float("elapsed")
		t.status.LastStep = &step
		if c := t.status.Campaign; c != nil && step.Kind == "test" {
			c.Results = append(c.Results, step)
		}

	case events.CampaignFinished:
		c := t.status.Campaign
		if c == nil || c.ID != d.String("id") {
			c = &CampaignStatus{ID: d.String("id"), Mode: d.String("mode"), Results: []StepStatus{}}
		}
		finished := e.Time
		passed := d.Bool("passed")
		c.Finished = &finished
		c.Passed = &passed
		c.Aborted = d.Bool("aborted")
		t.status.LastCampaign = c
		t.status.Campaign = nil

	case events.PortConfirmed, events.PortRejected:
		p := PortStatus{
			Port:      d.String("port"),
			Serial:    d.String("serial"),
			Confirmed: e.Type == events.PortConfirmed,
			Error:     d.String("error"),
			At:        e.Time,
		}
		if _, ok := t.ports[p.Port]; !ok {
			t.order = append(t.order, p.Port)
		}
		t.ports[p.Port] = p
	}
}

// snapshot returns a copy of the current status.
func (t *statusTracker) snapshot() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := Status{State: t.status.State}
	if c := t.status.Campaign; c != nil {
		s.Campaign = c.clone()
	}
	if c := t.status.LastCampaign; c != nil {
		s.LastCampaign = c.clone()
	}
	if st := t.status.LastStep; st != nil {
		step := *st
		s.LastStep = &step
	}
	for _, name := range t.order {
		s.Ports = append(s.Ports, t.ports[name])
	}
	return s
}

func (c *CampaignStatus) clone() *CampaignStatus {
	cp := *c
	cp.Tests = append([]string(nil), c.Tests...)
	cp.Results = append([]StepStatus{}, c.Results...)
	return &cp
}
