package store

import "time"

// CampaignRecord is one finished campaign as kept in history.
type CampaignRecord struct {
	ID         string         `json:"id"`
	Mode       string         `json:"mode"`
	Serial     string         `json:"serial,omitempty"`
	Operator   string         `json:"operator,omitempty"`
	Conclusion string         `json:"conclusion,omitempty"`
	Comments   string         `json:"comments,omitempty"`
	ReportPath string         `json:"report_path,omitempty"`
	Persisted  bool           `json:"persisted"` // report row written
	Aborted    bool           `json:"aborted"`
	Started    time.Time      `json:"started"`
	Finished   time.Time      `json:"finished"`
	Results    []ResultRecord `json:"results"`
}

// ResultRecord is the outcome of one test in a campaign.
type ResultRecord struct {
	Name           string  `json:"name"`
	Passed         bool    `json:"passed"`
	Message        string  `json:"message"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

// Passed reports whether every test passed and the campaign was not aborted.
func (c *CampaignRecord) Passed() bool {
	if c.Aborted || len(c.Results) == 0 {
		return false
	}
	for _, r := range c.Results {
		if !r.Passed {
			return false
		}
	}
	return true
}

// Failed counts failed tests.
func (c *CampaignRecord) Failed() int {
	n := 0
	for _, r := range c.Results {
		if !r.Passed {
			n++
		}
	}
	return n
}

// ProbeRecord is a device serial that passed the handshake.
type ProbeRecord struct {
	Serial      string    `json:"serial"`
	Port        string    `json:"port"`
	ConfirmedAt time.Time `json:"confirmed_at"`
}
