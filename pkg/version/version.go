// Package version implements the unit and action versions used by the engine.
//
// Versions follow the major.minor.micro.qualifier layout. Missing numeric
// segments default to zero and the qualifier compares lexically, so
// "1.2" == "1.2.0" and "1.2.0.a" < "1.2.0.b".
package version

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is an immutable four-part version.
type Version struct {
	Major     int
	Minor     int
	Micro     int
	Qualifier string
}

// Zero is the empty version "0.0.0".
var Zero = Version{}

// Parse parses a version string. The empty string parses to Zero.
func Parse(s string) (Version, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero, nil
	}

	parts := strings.SplitN(s, ".", 4)
	var v Version
	nums := []*int{&v.Major, &v.Minor, &v.Micro}
	for i, part := range parts {
		if i == 3 {
			if part == "" {
				return Zero, fmt.Errorf("invalid version %q: empty qualifier", s)
			}
			v.Qualifier = part
			break
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return Zero, fmt.Errorf("invalid version %q: segment %q is not a non-negative integer", s, part)
		}
		*nums[i] = n
	}
	return v, nil
}

// MustParse is like Parse but panics on malformed input.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Compare returns -1, 0 or 1.
func (v Version) Compare(o Version) int {
	switch {
	case v.Major != o.Major:
		return cmpInt(v.Major, o.Major)
	case v.Minor != o.Minor:
		return cmpInt(v.Minor, o.Minor)
	case v.Micro != o.Micro:
		return cmpInt(v.Micro, o.Micro)
	}
	return strings.Compare(v.Qualifier, o.Qualifier)
}

// Less reports whether v sorts before o.
func (v Version) Less(o Version) bool {
	return v.Compare(o) < 0
}

// IsZero reports whether v is the empty version.
func (v Version) IsZero() bool {
	return v == Zero
}

func (v Version) String() string {
	s := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Micro)
	if v.Qualifier != "" {
		s += "." + v.Qualifier
	}
	return s
}

// MarshalText implements encoding.TextMarshaler.
func (v Version) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Version) UnmarshalText(data []byte) error {
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func cmpInt(a, b int) int {
	if a < b {
		return -1
	}
	return 1
}
