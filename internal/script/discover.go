package script

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strings"
)

// Ext is the file extension of bench scripts.
const Ext = ".lua"

// Discover lists the scripts in dir: regular *.lua files, extension
// stripped, sorted lexicographically. Dot files are skipped. Every name in
// anchors must be present or a *DiscoveryError is returned.
func Discover(dir string, anchors ...string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err = fmt.Errorf("directory %w", ErrNotFound)
		}
		return nil, &DiscoveryError{Dir: dir, Err: err}
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") || !strings.HasSuffix(e.Name(), Ext) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), Ext))
	}
	slices.Sort(names)

	var missing []string
	for _, a := range anchors {
		if _, found := slices.BinarySearch(names, a); !found {
			missing = append(missing, a)
		}
	}
	if len(missing) > 0 {
		return nil, &DiscoveryError{Dir: dir, Missing: missing, Err: ErrNotFound}
	}
	return names, nil
}

// Suite is the discovered set of tests and actions.
type Suite struct {
	TestsDir   string
	ActionsDir string
	Tests      []string
	Actions    []string
}

// LoadSuite discovers tests and actions. The setup action and the baseline
// test must both exist or the suite is unusable.
func LoadSuite(testsDir, actionsDir, setup, baseline string) (*Suite, error) {
	actions, err := Discover(actionsDir, setup)
	if err != nil {
		return nil, err
	}
	tests, err := Discover(testsDir, baseline)
	if err != nil {
		return nil, err
	}
	return &Suite{
		TestsDir:   testsDir,
		ActionsDir: actionsDir,
		Tests:      tests,
		Actions:    actions,
	}, nil
}

// HasAction reports whether an action with this name was discovered. The
// script extension is optional.
func (s *Suite) HasAction(name string) bool {
	_, found := slices.BinarySearch(s.Actions, strings.TrimSuffix(name, Ext))
	return found
}

// HasTest reports whether a test with this name was discovered. The script
// extension is optional.
func (s *Suite) HasTest(name string) bool {
	_, found := slices.BinarySearch(s.Tests, strings.TrimSuffix(name, Ext))
	return found
}
