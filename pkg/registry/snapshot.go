package registry

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/provision/pkg/engine"
)

const (
	snapshotExt   = ".snapshot"
	compressedExt = ".snapshot.gz"
	profileDirExt = ".profile"
)

// snapshotDoc is the on-disk form of one profile snapshot.
type snapshotDoc struct {
	ID         string            `yaml:"id"`
	Parent     string            `yaml:"parent,omitempty"`
	Timestamp  int64             `yaml:"timestamp"`
	Properties map[string]string `yaml:"properties,omitempty"`
	Units      []unitDoc         `yaml:"units,omitempty"`
}

type unitDoc struct {
	engine.Unit `yaml:",inline"`
	Properties  map[string]string `yaml:"properties,omitempty"`
}

func encodeSnapshot(p *engine.Profile, compress bool) ([]byte, error) {
	doc := snapshotDoc{
		ID:         p.ID(),
		Timestamp:  p.Timestamp(),
		Properties: p.LocalProperties(),
	}
	if parent := p.Parent(); parent != nil {
		doc.Parent = parent.ID()
	}
	for _, u := range p.Units() {
		ud := unitDoc{Unit: *u}
		if props := p.UnitProperties(u); len(props) > 0 {
			ud.Properties = props
		}
		doc.Units = append(doc.Units, ud)
	}

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	if !compress {
		return data, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("compress snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

func readSnapshot(path string) (*snapshotDoc, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, compressedExt) {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("open compressed snapshot: %w", err)
		}
		defer zr.Close()
		r = zr
	}

	var doc snapshotDoc
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", filepath.Base(path), err)
	}
	if doc.ID == "" {
		return nil, fmt.Errorf("decode snapshot %s: missing profile id", filepath.Base(path))
	}
	return &doc, nil
}

// toProfile builds a profile without a parent; parents are linked by the
// caller once every profile is loaded.
func (d *snapshotDoc) toProfile(ts int64) (*engine.Profile, error) {
	p, err := engine.NewProfile(d.ID, nil, d.Properties)
	if err != nil {
		return nil, err
	}
	for i := range d.Units {
		u := d.Units[i].Unit
		p.AddUnit(&u)
		if len(d.Units[i].Properties) > 0 {
			p.AddUnitProperties(&u, d.Units[i].Properties)
		}
	}
	p.SetTimestamp(ts)
	p.SetChanged(false)
	return p, nil
}

// snapshotName returns the file name for a snapshot taken at ts.
func snapshotName(ts int64, compress bool) string {
	if compress {
		return strconv.FormatInt(ts, 10) + compressedExt
	}
	return strconv.FormatInt(ts, 10) + snapshotExt
}

// parseSnapshotName extracts the timestamp from a snapshot file name.
func parseSnapshotName(name string) (int64, bool) {
	var base string
	switch {
	case strings.HasSuffix(name, compressedExt):
		base = strings.TrimSuffix(name, compressedExt)
	case strings.HasSuffix(name, snapshotExt):
		base = strings.TrimSuffix(name, snapshotExt)
	default:
		return 0, false
	}
	ts, err := strconv.ParseInt(base, 10, 64)
	if err != nil || ts < 0 {
		return 0, false
	}
	return ts, true
}

// snapshotFiles maps timestamps to snapshot paths in dir, sorted ascending.
// When both a plain and a compressed file exist for one timestamp the plain
// one wins.
func snapshotFiles(dir string) ([]int64, map[int64]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, err
	}
	paths := make(map[int64]string)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ts, ok := parseSnapshotName(e.Name())
		if !ok {
			continue
		}
		if prev, seen := paths[ts]; seen && strings.HasSuffix(prev, snapshotExt) {
			continue
		}
		paths[ts] = filepath.Join(dir, e.Name())
	}
	stamps := make([]int64, 0, len(paths))
	for ts := range paths {
		stamps = append(stamps, ts)
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i] < stamps[j] })
	return stamps, paths, nil
}
