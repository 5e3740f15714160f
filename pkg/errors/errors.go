// pkg/errors/errors.go
package errors

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Severity controls the log level an error is reported at.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Rule tables named in RuleError.Table.
const (
	TablePatterns     = "patterns"
	TableKillChains   = "kill_chains"
	TableCorrelations = "correlations"
	TableEngine       = "engine"
)

// RuleError is a configuration problem with one rule. These are fatal at
// startup: the engine refuses to run with a partially valid rule set.
type RuleError struct {
	Table   string `json:"table"`
	RuleID  string `json:"rule_id"`
	Field   string `json:"field"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

// Error implements the error interface
func (re *RuleError) Error() string {
	msg := fmt.Sprintf("[%s/%s] %s: %s", re.Table, re.RuleID, re.Field, re.Message)
	if re.Cause != nil {
		msg += ": " + re.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause
func (re *RuleError) Unwrap() error {
	return re.Cause
}

// NewRuleError creates a RuleError for the given table and rule.
func NewRuleError(table, ruleID, field, message string) *RuleError {
	return &RuleError{Table: table, RuleID: ruleID, Field: field, Message: message}
}

// NewRegexError reports a pattern that failed to compile.
func NewRegexError(table, ruleID, field string, cause error) *RuleError {
	return &RuleError{
		Table:   table,
		RuleID:  ruleID,
		Field:   field,
		Message: "invalid regular expression",
		Cause:   cause,
	}
}

// NewDuplicateError reports a rule identifier used more than once in a table.
func NewDuplicateError(table, ruleID string) *RuleError {
	return &RuleError{
		Table:   table,
		RuleID:  ruleID,
		Field:   "id",
		Message: "duplicate rule identifier",
	}
}

// IngestError describes one input record that could not be turned into an
// event. Ingest errors are reported and the record is skipped.
type IngestError struct {
	Source   string   `json:"source"`
	Line     int      `json:"line"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
	Cause    error    `json:"-"`
}

func (ie *IngestError) Error() string {
	if ie.Cause != nil {
		return fmt.Sprintf("%s:%d: %s: %v", ie.Source, ie.Line, ie.Message, ie.Cause)
	}
	return fmt.Sprintf("%s:%d: %s", ie.Source, ie.Line, ie.Message)
}

func (ie *IngestError) Unwrap() error {
	return ie.Cause
}

// NewDecodeError reports a line that is not valid JSON.
func NewDecodeError(source string, line int, cause error) *IngestError {
	return &IngestError{Source: source, Line: line, Message: "malformed event record", Severity: SeverityMedium, Cause: cause}
}

// NewSchemaError reports a line that is JSON but does not match the event schema.
func NewSchemaError(source string, line int, details string) *IngestError {
	return &IngestError{Source: source, Line: line, Message: "schema violation: " + details, Severity: SeverityLow}
}

// NewValidationError reports a well-formed record the event validator rejected.
func NewValidationError(source string, line int, cause error) *IngestError {
	return &IngestError{Source: source, Line: line, Message: "invalid event", Severity: SeverityLow, Cause: cause}
}

// ErrorStats summarises the errors seen by an ErrorHandler.
type ErrorStats struct {
	TotalErrors      int              `json:"total_errors"`
	ErrorsBySource   map[string]int   `json:"errors_by_source"`
	ErrorsBySeverity map[Severity]int `json:"errors_by_severity"`
	LastError        string           `json:"last_error,omitempty"`
}

// ErrorHandler logs non-fatal errors and keeps running totals.
type ErrorHandler struct {
	logger zerolog.Logger
	mu     sync.Mutex
	stats  ErrorStats
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(logger zerolog.Logger) *ErrorHandler {
	return &ErrorHandler{
		logger: logger.With().Str("component", "error_handler").Logger(),
		stats: ErrorStats{
			ErrorsBySource:   make(map[string]int),
			ErrorsBySeverity: make(map[Severity]int),
		},
	}
}

// HandleError logs err at a level matching its severity and records it.
func (eh *ErrorHandler) HandleError(err error) {
	if err == nil {
		return
	}

	severity := SeverityMedium
	source := "unknown"
	logEvent := eh.logger.Warn()

	switch e := err.(type) {
	case *IngestError:
		severity = e.Severity
		source = e.Source
		logEvent = eh.getLogEvent(severity).Str("source", e.Source).Int("line", e.Line)
	case *RuleError:
		severity = SeverityHigh
		source = e.Table
		logEvent = eh.getLogEvent(severity).Str("table", e.Table).Str("rule_id", e.RuleID)
	}

	logEvent.Err(err).Msg("Error occurred")

	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.stats.TotalErrors++
	eh.stats.ErrorsBySource[source]++
	eh.stats.ErrorsBySeverity[severity]++
	eh.stats.LastError = err.Error()
}

// Stats returns a copy of the collected statistics.
func (eh *ErrorHandler) Stats() ErrorStats {
	eh.mu.Lock()
	defer eh.mu.Unlock()

	out := ErrorStats{
		TotalErrors:      eh.stats.TotalErrors,
		ErrorsBySource:   make(map[string]int, len(eh.stats.ErrorsBySource)),
		ErrorsBySeverity: make(map[Severity]int, len(eh.stats.ErrorsBySeverity)),
		LastError:        eh.stats.LastError,
	}
	for k, v := range eh.stats.ErrorsBySource {
		out.ErrorsBySource[k] = v
	}
	for k, v := range eh.stats.ErrorsBySeverity {
		out.ErrorsBySeverity[k] = v
	}
	return out
}

// getLogEvent returns the appropriate zerolog event for severity. Critical
// maps to Error rather than Fatal; handled errors never stop the process.
func (eh *ErrorHandler) getLogEvent(severity Severity) *zerolog.Event {
	switch severity {
	case SeverityCritical, SeverityHigh:
		return eh.logger.Error()
	case SeverityMedium:
		return eh.logger.Warn()
	case SeverityLow:
		return eh.logger.Info()
	default:
		return eh.logger.Info()
	}
}
