package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Campaign history
	SaveCampaign(c *CampaignRecord) error
	GetCampaign(id string) (*CampaignRecord, error)
	// ListCampaigns returns up to limit campaigns, newest first. limit <= 0
	// returns all of them.
	ListCampaigns(limit int) ([]*CampaignRecord, error)

	// Probe confirmations, keyed by USB serial number
	ConfirmedSerials() ([]string, error)
	SaveConfirmed(serial, port string) error
	DeleteConfirmed(serial string) error
	GetProbe(serial string) (*ProbeRecord, error)

	// Close the store
	Close() error
}
