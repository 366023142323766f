package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/openfroyo/provision/pkg/engine"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func formatTimestamp(ts int64) string {
	if ts == 0 {
		return "-"
	}
	return fmt.Sprintf("%d (%s)", ts, time.UnixMilli(ts).UTC().Format(time.RFC3339))
}

// profileView is the printable form of a profile.
type profileView struct {
	ID         string            `json:"id"`
	Parent     string            `json:"parent,omitempty"`
	Timestamp  int64             `json:"timestamp"`
	Properties map[string]string `json:"properties,omitempty"`
	Units      []unitView        `json:"units,omitempty"`
	Children   []string          `json:"sub_profiles,omitempty"`
}

type unitView struct {
	ID         string            `json:"id"`
	Version    string            `json:"version"`
	Touchpoint string            `json:"touchpoint,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

func newProfileView(p *engine.Profile) profileView {
	v := profileView{
		ID:         p.ID(),
		Timestamp:  p.Timestamp(),
		Properties: p.LocalProperties(),
		Children:   p.SubProfileIDs(),
	}
	if parent := p.Parent(); parent != nil {
		v.Parent = parent.ID()
	}
	for _, u := range p.Units() {
		uv := unitView{ID: u.ID, Version: u.Version.String(), Properties: p.UnitProperties(u)}
		if !u.Touchpoint.IsNone() {
			uv.Touchpoint = u.Touchpoint.String()
		}
		v.Units = append(v.Units, uv)
	}
	return v
}

func printProfile(w io.Writer, v profileView) {
	fmt.Fprintf(w, "Profile:    %s\n", v.ID)
	if v.Parent != "" {
		fmt.Fprintf(w, "Parent:     %s\n", v.Parent)
	}
	fmt.Fprintf(w, "Timestamp:  %s\n", formatTimestamp(v.Timestamp))
	if len(v.Children) > 0 {
		fmt.Fprintf(w, "Children:   %s\n", strings.Join(v.Children, ", "))
	}

	if len(v.Properties) > 0 {
		fmt.Fprintln(w, "Properties:")
		printProperties(w, "  ", v.Properties)
	}
	if len(v.Units) > 0 {
		fmt.Fprintln(w, "Units:")
		for _, u := range v.Units {
			line := fmt.Sprintf("  %s %s", u.ID, u.Version)
			if u.Touchpoint != "" {
				line += " [" + u.Touchpoint + "]"
			}
			fmt.Fprintln(w, line)
			printProperties(w, "    ", u.Properties)
		}
	}
}

func printProperties(w io.Writer, indent string, props map[string]string) {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s%s = %s\n", indent, k, props[k])
	}
}

// statusView is the printable form of a status tree.
type statusView struct {
	Severity string       `json:"severity"`
	Message  string       `json:"message,omitempty"`
	Error    string       `json:"error,omitempty"`
	Children []statusView `json:"children,omitempty"`
}

func newStatusView(s *engine.Status) statusView {
	v := statusView{Severity: s.Severity.String(), Message: s.Message}
	if s.Err != nil {
		v.Error = s.Err.Error()
	}
	for _, c := range s.Children {
		v.Children = append(v.Children, newStatusView(c))
	}
	return v
}

func printStatus(w io.Writer, s *engine.Status, depth int) {
	indent := strings.Repeat("  ", depth)
	line := fmt.Sprintf("%s%s", indent, strings.ToUpper(s.Severity.String()))
	if s.Message != "" {
		line += ": " + s.Message
	}
	if s.Err != nil {
		line += " (" + s.Err.Error() + ")"
	}
	fmt.Fprintln(w, line)
	for _, c := range s.Children {
		printStatus(w, c, depth+1)
	}
}

// statusResult prints s and turns a failed status into the command error.
func statusResult(w io.Writer, s *engine.Status) error {
	if jsonOutput {
		if err := writeJSON(w, newStatusView(s)); err != nil {
			return err
		}
	} else {
		printStatus(w, s, 0)
	}
	if s.Failed() {
		return fmt.Errorf("%s", s.Error())
	}
	return nil
}

// parseAssignments parses key=value arguments.
func parseAssignments(args []string) (map[string]string, error) {
	out := make(map[string]string, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok || k == "" {
			return nil, engine.NewValidationError(fmt.Sprintf("expected key=value, got %q", a), nil)
		}
		out[k] = v
	}
	return out, nil
}
