package registry

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/magiconair/properties"

	"github.com/openfroyo/provision/pkg/engine"
)

const stateFileName = "state.properties"

// stateProperties holds per-snapshot properties keyed by timestamp. On disk
// every entry is one "timestamp.key = value" line of a .properties file.
type stateProperties map[int64]map[string]string

func readStateProperties(path string) (stateProperties, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return stateProperties{}, nil
		}
		return nil, err
	}

	loader := &properties.Loader{Encoding: properties.UTF8, DisableExpansion: true}
	p, err := loader.LoadBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", stateFileName, err)
	}

	state := stateProperties{}
	for _, full := range p.Keys() {
		dot := strings.IndexByte(full, '.')
		if dot <= 0 {
			return nil, fmt.Errorf("%s: key %q has no timestamp", stateFileName, full)
		}
		ts, err := strconv.ParseInt(full[:dot], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid timestamp in %q: %w", stateFileName, full, err)
		}
		if state[ts] == nil {
			state[ts] = make(map[string]string)
		}
		v, _ := p.Get(full)
		state[ts][full[dot+1:]] = v
	}
	return state, nil
}

// encode renders entries sorted by timestamp then key, keeping only the
// timestamps in keep.
func (s stateProperties) encode(keep map[int64]bool) ([]byte, error) {
	stamps := make([]int64, 0, len(s))
	for ts := range s {
		if keep[ts] {
			stamps = append(stamps, ts)
		}
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i] < stamps[j] })

	p := properties.NewProperties()
	p.DisableExpansion = true
	for _, ts := range stamps {
		keys := make([]string, 0, len(s[ts]))
		for k := range s[ts] {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if _, _, err := p.Set(strconv.FormatInt(ts, 10)+"."+k, s[ts][k]); err != nil {
				return nil, err
			}
		}
	}

	var buf bytes.Buffer
	if _, err := p.Write(&buf, properties.UTF8); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// prune drops timestamps not in keep.
func (s stateProperties) prune(keep map[int64]bool) {
	for ts := range s {
		if !keep[ts] {
			delete(s, ts)
		}
	}
}

// validateStateProperty rejects what the properties format cannot carry
// through a write and read: empty keys, '=' in keys and values starting
// with whitespace.
func validateStateProperty(key, value string) error {
	switch {
	case key == "":
		return engine.NewValidationError("state property key must not be empty", nil)
	case strings.ContainsRune(key, '='):
		return engine.NewValidationError(fmt.Sprintf("state property key %q must not contain '='", key), nil)
	case value != "" && unicode.IsSpace(rune(value[0])):
		return engine.NewValidationError(fmt.Sprintf("value of state property %q must not start with whitespace", key), nil)
	}
	return nil
}
