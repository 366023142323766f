package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Severity ranks the outcome of an operation. Higher values dominate when
// statuses are merged.
type Severity int

const (
	// SeverityOK indicates success.
	SeverityOK Severity = iota

	// SeverityInfo indicates success with informational detail.
	SeverityInfo

	// SeverityWarning indicates success with a recoverable problem.
	SeverityWarning

	// SeverityError indicates failure. Any ERROR result triggers rollback.
	SeverityError

	// SeverityCancel indicates the operation was cancelled by the caller.
	SeverityCancel
)

var severityNames = map[Severity]string{
	SeverityOK:      "ok",
	SeverityInfo:    "info",
	SeverityWarning: "warning",
	SeverityError:   "error",
	SeverityCancel:  "cancel",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// Validate checks if the severity is valid.
func (s Severity) Validate() error {
	if _, ok := severityNames[s]; !ok {
		return fmt.Errorf("invalid severity: %d", int(s))
	}
	return nil
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *Severity) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	for sev, name := range severityNames {
		if name == str {
			*s = sev
			return nil
		}
	}
	return fmt.Errorf("invalid severity: %s", str)
}

// Status is a severity-ranked result tree. A Status with children is an
// aggregate whose severity is the maximum of its own and its children's.
//
// Status implements error so that actions and touchpoints can report a
// warning or info outcome through a plain error return.
type Status struct {
	Severity Severity  `json:"severity"`
	Message  string    `json:"message,omitempty"`
	Err      error     `json:"-"`
	Children []*Status `json:"children,omitempty"`
}

// OK returns a fresh OK status.
func OK() *Status {
	return &Status{Severity: SeverityOK}
}

// NewStatus creates a leaf status.
func NewStatus(sev Severity, message string, err error) *Status {
	return &Status{Severity: sev, Message: message, Err: err}
}

// ErrorStatus wraps err in an ERROR status.
func ErrorStatus(message string, err error) *Status {
	return NewStatus(SeverityError, message, err)
}

// WarningStatus creates a WARNING status.
func WarningStatus(message string, err error) *Status {
	return NewStatus(SeverityWarning, message, err)
}

// CancelStatus creates a CANCEL status.
func CancelStatus(message string, err error) *Status {
	return NewStatus(SeverityCancel, message, err)
}

// NewMultiStatus creates an empty aggregate with the given message.
func NewMultiStatus(message string) *Status {
	return &Status{Severity: SeverityOK, Message: message}
}

// StatusFromError converts an error returned by an action or touchpoint into
// a status. A nil error is OK; a *Status is returned as-is.
func StatusFromError(message string, err error) *Status {
	if err == nil {
		return OK()
	}
	var st *Status
	if errors.As(err, &st) {
		return st
	}
	if IsCancel(err) {
		return CancelStatus(message, err)
	}
	return ErrorStatus(message, err)
}

// IsOK reports whether the severity is OK.
func (s *Status) IsOK() bool {
	return s == nil || s.Severity == SeverityOK
}

// Matches reports whether the status severity is one of the given severities.
func (s *Status) Matches(severities ...Severity) bool {
	if s == nil {
		return false
	}
	for _, sev := range severities {
		if s.Severity == sev {
			return true
		}
	}
	return false
}

// Failed reports whether the status is ERROR or CANCEL.
func (s *Status) Failed() bool {
	return s.Matches(SeverityError, SeverityCancel)
}

// Add appends a child and raises the aggregate severity.
func (s *Status) Add(child *Status) {
	if child == nil {
		return
	}
	s.Children = append(s.Children, child)
	if child.Severity > s.Severity {
		s.Severity = child.Severity
	}
}

// Merge folds other into s. Non-OK leaf statuses are added as children;
// aggregates contribute their children. OK statuses are dropped.
func (s *Status) Merge(other *Status) {
	if other == nil || other == s || other.IsOK() && len(other.Children) == 0 {
		return
	}
	if len(other.Children) == 0 {
		s.Add(other)
		return
	}
	for _, child := range other.Children {
		s.Add(child)
	}
	if other.Severity > s.Severity {
		s.Severity = other.Severity
	}
}

// Collapse returns the only child of an aggregate, which carries more
// context than the wrapper, or the status itself.
func (s *Status) Collapse() *Status {
	if s != nil && len(s.Children) == 1 {
		return s.Children[0]
	}
	return s
}

// Error implements the error interface.
func (s *Status) Error() string {
	var b strings.Builder
	s.write(&b, 0)
	return strings.TrimRight(b.String(), "\n")
}

func (s *Status) write(b *strings.Builder, depth int) {
	b.WriteString(strings.Repeat("  ", depth))
	b.WriteString("[" + s.Severity.String() + "]")
	if s.Message != "" {
		b.WriteString(" " + s.Message)
	}
	if s.Err != nil {
		b.WriteString(": " + s.Err.Error())
	}
	b.WriteString("\n")
	for _, c := range s.Children {
		c.write(b, depth+1)
	}
}

// Unwrap exposes the wrapped error and the children to errors.Is/As.
func (s *Status) Unwrap() []error {
	errs := make([]error, 0, len(s.Children)+1)
	if s.Err != nil {
		errs = append(errs, s.Err)
	}
	for _, c := range s.Children {
		errs = append(errs, c)
	}
	return errs
}

// AsError returns nil for successful statuses and the status otherwise.
func (s *Status) AsError() error {
	if s == nil || !s.Failed() {
		return nil
	}
	return s
}

// TransactionState is the engine's position in the perform state machine.
type TransactionState string

const (
	// TransactionIdle indicates no transaction has started.
	TransactionIdle TransactionState = "idle"

	// TransactionLocking indicates the profile lock is being acquired.
	TransactionLocking TransactionState = "locking"

	// TransactionRunning indicates the phase set is executing.
	TransactionRunning TransactionState = "running"

	// TransactionPreparing indicates touchpoints are preparing to commit.
	TransactionPreparing TransactionState = "preparing"

	// TransactionCommitting indicates the snapshot and touchpoints are committing.
	TransactionCommitting TransactionState = "committing"

	// TransactionRollingBack indicates the journal is being undone.
	TransactionRollingBack TransactionState = "rolling_back"

	// TransactionDone indicates the transaction finished and the lock was released.
	TransactionDone TransactionState = "done"
)

// IsTerminal returns true if the state is final.
func (s TransactionState) IsTerminal() bool {
	return s == TransactionDone
}

// Validate checks if the transaction state is valid.
func (s TransactionState) Validate() error {
	switch s {
	case TransactionIdle, TransactionLocking, TransactionRunning, TransactionPreparing,
		TransactionCommitting, TransactionRollingBack, TransactionDone:
		return nil
	default:
		return fmt.Errorf("invalid transaction state: %s", s)
	}
}
