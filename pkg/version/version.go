package version

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

var separators = regexp.MustCompile(`[.-]`)

// GAQualifier is the qualifier given to plain X.Y.Z versions.
const GAQualifier = "ga"

// Version is a normalized (major, minor, patch, qualifier) tuple. Raw keeps
// the string it was parsed from, which is what paths and cluster names use.
type Version struct {
	Raw   string
	Parts [4]string
}

// Parse normalizes a dotted/dashed version identifier such as 2.3.4 or
// 5.0.0-alpha1.
func Parse(s string) (Version, error) {
	split := separators.Split(strings.TrimSpace(s), -1)
	if len(split) == 3 {
		split = append(split, GAQualifier)
	}
	if len(split) != 4 {
		return Version{}, fmt.Errorf("invalid version %q: want X.Y.Z or X.Y.Z-qualifier", s)
	}

	v := Version{Raw: s}
	for i, part := range split {
		if part == "" {
			return Version{}, fmt.Errorf("invalid version %q: empty component", s)
		}
		v.Parts[i] = strings.ToLower(part)
	}
	return v, nil
}

// MustParse is Parse for constants.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Compare returns -1, 0 or 1. Components compare numerically when both are
// integers and lexically otherwise.
func (v Version) Compare(o Version) int {
	for i := range v.Parts {
		if c := compareComponent(v.Parts[i], o.Parts[i]); c != 0 {
			return c
		}
	}
	return 0
}

// Less reports whether v orders before o.
func (v Version) Less(o Version) bool {
	return v.Compare(o) < 0
}

func (v Version) String() string {
	return v.Raw
}

// Qualifier is the fourth, case-folded component.
func (v Version) Qualifier() string {
	return v.Parts[3]
}

// Semver converts the numeric part of v for range checks. The qualifier is
// carried as a prerelease unless it is GA.
func (v Version) Semver() (*semver.Version, error) {
	s := strings.Join(v.Parts[:3], ".")
	if v.Qualifier() != GAQualifier {
		s += "-" + v.Qualifier()
	}
	sv, err := semver.StrictNewVersion(s)
	if err != nil {
		return nil, fmt.Errorf("version %s is not semver compatible: %w", v.Raw, err)
	}
	return sv, nil
}

func compareComponent(a, b string) int {
	ai, aerr := strconv.Atoi(a)
	bi, berr := strconv.Atoi(b)
	if aerr == nil && berr == nil {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}
