package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAndCompare(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.0", "1.0.0", 0},
		{"1.2", "1.10", -1},
		{"2.0.0", "1.9.9", 1},
		{"1.0.0.a", "1.0.0.b", -1},
		{"1.0.0", "1.0.0.qualifier", -1},
	}
	for _, tt := range tests {
		t.Run(tt.a+"_"+tt.b, func(t *testing.T) {
			a := MustParse(tt.a)
			b := MustParse(tt.b)
			assert.Equal(t, tt.want, a.Compare(b))
		})
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, in := range []string{"a.b", "1.-1", "1.0.0."} {
		_, err := Parse(in)
		assert.Error(t, err, in)
	}
}

func TestVersionString(t *testing.T) {
	assert.Equal(t, "1.2.0", MustParse("1.2").String())
	assert.Equal(t, "1.2.3.v2024", MustParse("1.2.3.v2024").String())
}

func TestRangeIncludes(t *testing.T) {
	tests := []struct {
		rng string
		in  []string
		out []string
	}{
		{"[1.0,2.0)", []string{"1.0", "1.9.9"}, []string{"0.9", "2.0"}},
		{"(1.0,2.0]", []string{"1.0.1", "2.0"}, []string{"1.0", "2.0.1"}},
		{"1.5", []string{"1.5", "9.0"}, []string{"1.4.9"}},
		{"", []string{"0.0.0", "100.0"}, nil},
		{"latest", []string{"3.1"}, nil},
		{"~1.2", []string{"1.2.0", "1.2.9"}, []string{"1.3.0", "1.1.9"}},
		{"^1.2", []string{"1.2.0", "1.99.0"}, []string{"2.0.0", "1.1.0"}},
	}
	for _, tt := range tests {
		t.Run(tt.rng, func(t *testing.T) {
			r, err := ParseRange(tt.rng)
			require.NoError(t, err)
			for _, v := range tt.in {
				assert.True(t, r.Includes(MustParse(v)), "%s should include %s", tt.rng, v)
			}
			for _, v := range tt.out {
				assert.False(t, r.Includes(MustParse(v)), "%s should exclude %s", tt.rng, v)
			}
		})
	}
}

func TestParseRangeErrors(t *testing.T) {
	for _, in := range []string{"[1.0", "[1.0,2.0,3.0]", "[2.0,1.0]", "[x,1.0]"} {
		_, err := ParseRange(in)
		assert.Error(t, err, in)
	}
}
