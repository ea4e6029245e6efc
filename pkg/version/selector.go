package version

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/cuemby/bwcgen/pkg/failure"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// Selector filters requested versions down to the ones fixtures can be
// built for.
type Selector struct {
	// Minimum is the first version with the security features exercised.
	Minimum Version
	// Constraint optionally narrows the supported range further.
	Constraint *semver.Constraints
	Logger     zerolog.Logger
}

// NewSelector builds a Selector from string settings. An empty constraint
// means no upper bound.
func NewSelector(minimum, constraint string, logger zerolog.Logger) (*Selector, error) {
	minV, err := Parse(minimum)
	if err != nil {
		return nil, failure.Preconditionf("minimum version: %v", err)
	}
	s := &Selector{Minimum: minV, Logger: logger}
	if constraint != "" {
		c, err := semver.NewConstraint(constraint)
		if err != nil {
			return nil, failure.Preconditionf("invalid version constraint %q: %v", constraint, err)
		}
		s.Constraint = c
	}
	return s, nil
}

// Select parses raw and returns the versions to build, preserving order.
// Skipped versions are logged, never returned as errors; a version that does
// not parse is a precondition failure.
func (s *Selector) Select(raw []string) ([]Version, error) {
	var selected []Version
	for _, r := range raw {
		v, err := Parse(r)
		if err != nil {
			return nil, failure.Preconditionf("%v", err)
		}

		if v.Less(s.Minimum) {
			s.Logger.Info().
				Str("version", v.Raw).
				Str("minimum", s.Minimum.Raw).
				Msg("security native realm is only supported from the minimum version on, nothing to do")
			continue
		}

		if s.Constraint != nil {
			sv, err := v.Semver()
			if err != nil || !s.Constraint.Check(sv) {
				s.Logger.Info().
					Str("version", v.Raw).
					Str("constraint", s.Constraint.String()).
					Msg("version outside supported range, skipping")
				continue
			}
		}

		selected = append(selected, v)
	}
	return selected, nil
}

// Discover lists the versions of existing <prefix>-<version>.zip archives in
// dir, sorted by version.
func Discover(fs afero.Fs, dir, prefix string) ([]string, error) {
	matches, err := afero.Glob(fs, filepath.Join(dir, prefix+"-*.zip"))
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", dir, err)
	}

	type found struct {
		raw string
		v   Version
	}
	var all []found
	for _, m := range matches {
		name := filepath.Base(m)
		raw := strings.TrimSuffix(strings.TrimPrefix(name, prefix+"-"), ".zip")
		v, err := Parse(raw)
		if err != nil {
			return nil, failure.Preconditionf("archive %s does not carry a version: %v", name, err)
		}
		all = append(all, found{raw: raw, v: v})
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].v.Less(all[j].v) })

	versions := make([]string, 0, len(all))
	for _, f := range all {
		versions = append(versions, f.raw)
	}
	return versions, nil
}
