package version

import (
	"fmt"
	"strings"
)

// Range is an interval of versions.
//
// Accepted forms:
//   - "[1.0,2.0)" and the other bracket combinations
//   - "1.0" meaning at least 1.0
//   - "latest" or "" meaning any version
//   - "~1.2" meaning [1.2,1.3)
//   - "^1.2" meaning [1.2,2.0)
type Range struct {
	Min          Version
	Max          Version
	MinInclusive bool
	MaxInclusive bool
	// Unbounded marks a range without an upper limit.
	Unbounded bool

	text string
}

// Any matches every version.
var Any = Range{Min: Zero, MinInclusive: true, Unbounded: true, text: "0.0.0"}

// ParseRange parses a range expression.
func ParseRange(s string) (Range, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "" || s == "latest":
		return Any, nil
	case strings.HasPrefix(s, "~"):
		v, err := Parse(s[1:])
		if err != nil {
			return Range{}, err
		}
		return Range{
			Min: v, MinInclusive: true,
			Max: Version{Major: v.Major, Minor: v.Minor + 1},
			text: s,
		}, nil
	case strings.HasPrefix(s, "^"):
		v, err := Parse(s[1:])
		if err != nil {
			return Range{}, err
		}
		return Range{
			Min: v, MinInclusive: true,
			Max:  Version{Major: v.Major + 1},
			text: s,
		}, nil
	case s[0] == '[' || s[0] == '(':
		return parseInterval(s)
	}

	v, err := Parse(s)
	if err != nil {
		return Range{}, err
	}
	return Range{Min: v, MinInclusive: true, Unbounded: true, text: s}, nil
}

// MustParseRange is like ParseRange but panics on malformed input.
func MustParseRange(s string) Range {
	r, err := ParseRange(s)
	if err != nil {
		panic(err)
	}
	return r
}

func parseInterval(s string) (Range, error) {
	last := s[len(s)-1]
	if last != ']' && last != ')' {
		return Range{}, fmt.Errorf("invalid version range %q: missing closing bracket", s)
	}
	bounds := strings.Split(s[1:len(s)-1], ",")
	if len(bounds) != 2 {
		return Range{}, fmt.Errorf("invalid version range %q: expected two bounds", s)
	}
	lo, err := Parse(bounds[0])
	if err != nil {
		return Range{}, fmt.Errorf("invalid version range %q: %w", s, err)
	}
	hi, err := Parse(bounds[1])
	if err != nil {
		return Range{}, fmt.Errorf("invalid version range %q: %w", s, err)
	}
	if hi.Less(lo) {
		return Range{}, fmt.Errorf("invalid version range %q: lower bound above upper bound", s)
	}
	return Range{
		Min:          lo,
		Max:          hi,
		MinInclusive: s[0] == '[',
		MaxInclusive: last == ']',
		text:         s,
	}, nil
}

// Includes reports whether v lies inside the range.
func (r Range) Includes(v Version) bool {
	c := v.Compare(r.Min)
	if c < 0 || (c == 0 && !r.MinInclusive) {
		return false
	}
	if r.Unbounded {
		return true
	}
	c = v.Compare(r.Max)
	return c < 0 || (c == 0 && r.MaxInclusive)
}

func (r Range) String() string {
	if r.text != "" {
		return r.text
	}
	if r.Unbounded {
		return r.Min.String()
	}
	open, closing := "(", ")"
	if r.MinInclusive {
		open = "["
	}
	if r.MaxInclusive {
		closing = "]"
	}
	return open + r.Min.String() + "," + r.Max.String() + closing
}
