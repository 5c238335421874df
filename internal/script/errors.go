package script

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a script file or directory does not exist.
var ErrNotFound = errors.New("not found")

// DiscoveryError reports that a script directory cannot be used as a suite:
// the directory is missing or a required anchor script is absent.
type DiscoveryError struct {
	Dir     string
	Missing []string // anchors not found
	Err     error
}

func (e *DiscoveryError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("discover %s: required scripts missing: %v", e.Dir, e.Missing)
	}
	return fmt.Sprintf("discover %s: %v", e.Dir, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// LoadError reports that a named script could not be found at load time.
type LoadError struct {
	Dir  string
	Name string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s from %s: %v", e.Name, e.Dir, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }
