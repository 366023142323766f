package engine

import (
	"fmt"
	"strings"

	"github.com/openfroyo/provision/pkg/version"
)

const importVersionAttr = "version="

type importEntry struct {
	id  string
	rng *version.Range
}

// ParseActions turns an instruction into parameterized actions, one per
// ';'-separated statement. Ids that do not resolve yield a *MissingAction so
// that validation can report all of them at once.
func ParseActions(in Instruction, tpType TouchpointType, resolver Resolver) ([]Action, error) {
	imports, err := parseImports(in.Import)
	if err != nil {
		return nil, err
	}
	var actions []Action
	for _, stmt := range strings.Split(in.Body, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		a, err := parseStatement(stmt, imports, tpType, resolver)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, nil
}

func parseImports(header string) (map[string]importEntry, error) {
	out := make(map[string]importEntry)
	if strings.TrimSpace(header) == "" {
		return out, nil
	}
	for _, item := range splitImports(header) {
		parts := strings.Split(item, ";")
		id := strings.TrimSpace(parts[0])
		if id == "" {
			continue
		}
		entry := importEntry{id: id}
		for _, attr := range parts[1:] {
			attr = strings.TrimSpace(attr)
			if !strings.HasPrefix(attr, importVersionAttr) {
				continue
			}
			r, err := version.ParseRange(strings.Trim(attr[len(importVersionAttr):], `"`))
			if err != nil {
				return nil, NewValidationError(fmt.Sprintf("import %q has a malformed version range", id), err).
					WithCode(ErrCodeSyntax)
			}
			entry.rng = &r
		}
		short := id
		if i := strings.LastIndexByte(id, '.'); i >= 0 {
			short = id[i+1:]
		}
		out[short] = entry
		out[id] = entry
	}
	return out, nil
}

// splitImports splits an import header on commas outside quotes and
// version range brackets.
func splitImports(header string) []string {
	var items []string
	depth, quoted, start := 0, false, 0
	for i, c := range header {
		switch {
		case c == '"':
			quoted = !quoted
		case quoted:
		case c == '[' || c == '(':
			depth++
		case (c == ']' || c == ')') && depth > 0:
			depth--
		case c == ',' && depth == 0:
			items = append(items, header[start:i])
			start = i + 1
		}
	}
	return append(items, header[start:])
}

func parseStatement(stmt string, imports map[string]importEntry, tpType TouchpointType, resolver Resolver) (Action, error) {
	open := strings.IndexByte(stmt, '(')
	closing := strings.LastIndexByte(stmt, ')')
	if open == -1 || closing == -1 || open > closing {
		return nil, syntaxError(stmt)
	}
	name := strings.TrimSpace(stmt[:open])
	action, err := lookupAction(name, imports, tpType, resolver)
	if err != nil {
		return nil, err
	}
	if _, missing := action.(*MissingAction); missing {
		return action, nil
	}

	params := make(map[string]string)
	if pairs := stmt[open+1 : closing]; pairs != "" {
		for _, pair := range strings.Split(pairs, ",") {
			colon := strings.IndexByte(pair, ':')
			if colon == -1 {
				return nil, syntaxError(stmt)
			}
			params[strings.TrimSpace(pair[:colon])] = strings.TrimSpace(pair[colon+1:])
		}
	}
	return NewParameterizedAction(action, params, strings.TrimSpace(stmt)), nil
}

func lookupAction(name string, imports map[string]importEntry, tpType TouchpointType, resolver Resolver) (Action, error) {
	var rng *version.Range
	if entry, ok := imports[name]; ok {
		name = entry.id
		rng = entry.rng
	}

	if !strings.Contains(name, ".") && !tpType.IsNone() {
		tp, ok := resolver.ResolveTouchpoint(tpType)
		if !ok {
			return nil, NewValidationError(
				fmt.Sprintf("touchpoint %s required by action %q was not found", tpType, name), nil).
				WithCode(ErrCodeTouchpointMissing)
		}
		name = tp.QualifyAction(name)
	}

	if a, ok := resolver.ResolveAction(name, rng); ok {
		return a, nil
	}
	return &MissingAction{ID: name, Range: rng}, nil
}

func syntaxError(stmt string) error {
	return NewValidationError(fmt.Sprintf("invalid action syntax: %s", strings.TrimSpace(stmt)), nil).
		WithCode(ErrCodeSyntax)
}
