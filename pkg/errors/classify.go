// Package errors classifies operation failures into containment severities.
//
// Typed signals are checked first: an explicit SeverityCarrier in the chain,
// context deadlines, net.Error timeouts, MySQL driver errors and gorm sentinels.
// Only when none match does classification fall back to matching keywords in
// the error message, which is locale dependent and best treated as a hint.
package errors

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"strings"

	"Bulwark/internal/model"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// FailureClass is the kind of failure detected.
type FailureClass int

const (
	// ClassUnknown is an unrecognised failure.
	ClassUnknown FailureClass = iota
	// ClassExplicit carries a caller supplied severity.
	ClassExplicit
	// ClassTimeout is a deadline or timeout.
	ClassTimeout
	// ClassCanceled is a caller cancellation.
	ClassCanceled
	// ClassNetwork is a transport level failure.
	ClassNetwork
	// ClassDatabase is a database server error.
	ClassDatabase
	// ClassConnection is a broken or refused connection to a store.
	ClassConnection
	// ClassNotFound is a missing record.
	ClassNotFound
	// ClassFatal is an explicitly fatal or critical failure.
	ClassFatal
)

// String returns the class name.
func (c FailureClass) String() string {
	switch c {
	case ClassExplicit:
		return "explicit"
	case ClassTimeout:
		return "timeout"
	case ClassCanceled:
		return "canceled"
	case ClassNetwork:
		return "network"
	case ClassDatabase:
		return "database"
	case ClassConnection:
		return "connection"
	case ClassNotFound:
		return "not_found"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classification is the result of classifying an error.
type Classification struct {
	Class     FailureClass
	Severity  model.Severity
	Heuristic bool // true when derived from the message text
}

// SeverityCarrier is implemented by errors that know their own severity.
type SeverityCarrier interface {
	FailureSeverity() model.Severity
}

type severityError struct {
	severity model.Severity
	err      error
}

func (e *severityError) Error() string                   { return e.err.Error() }
func (e *severityError) Unwrap() error                   { return e.err }
func (e *severityError) FailureSeverity() model.Severity { return e.severity }

// WithSeverity annotates err with an explicit severity.
func WithSeverity(err error, severity model.Severity) error {
	if err == nil {
		return nil
	}
	return &severityError{severity: severity, err: err}
}

// Classify maps err onto a failure class and severity.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Class: ClassUnknown, Severity: model.SeverityLow}
	}

	var carrier SeverityCarrier
	if errors.As(err, &carrier) {
		return Classification{Class: ClassExplicit, Severity: carrier.FailureSeverity()}
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Classification{Class: ClassTimeout, Severity: model.SeverityMedium}
	case errors.Is(err, context.Canceled):
		return Classification{Class: ClassCanceled, Severity: model.SeverityLow}
	case errors.Is(err, gorm.ErrRecordNotFound):
		return Classification{Class: ClassNotFound, Severity: model.SeverityLow}
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, mysql.ErrInvalidConn):
		return Classification{Class: ClassConnection, Severity: model.SeverityHigh}
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return classifyMySQLError(mysqlErr)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Classification{Class: ClassTimeout, Severity: model.SeverityMedium}
		}
		return Classification{Class: ClassNetwork, Severity: model.SeverityMedium}
	}

	return classifyMessage(err.Error())
}

// ClassifySeverity is shorthand for Classify(err).Severity.
func ClassifySeverity(err error) model.Severity {
	return Classify(err).Severity
}

// classifyMySQLError grades server errors. Lost or refused connections and
// capacity errors are HIGH like every other database failure; only the class differs.
func classifyMySQLError(err *mysql.MySQLError) Classification {
	switch err.Number {
	case 1040, 1203, 2002, 2003, 2006, 2013: // too many connections, user conn limit, can't connect, gone away, lost
		return Classification{Class: ClassConnection, Severity: model.SeverityHigh}
	default:
		return Classification{Class: ClassDatabase, Severity: model.SeverityHigh}
	}
}

var messageRules = []struct {
	keywords []string
	class    FailureClass
	severity model.Severity
}{
	{keywords: []string{"critical", "fatal"}, class: ClassFatal, severity: model.SeverityCritical},
	{keywords: []string{"database", "connection"}, class: ClassDatabase, severity: model.SeverityHigh},
	{keywords: []string{"network", "timeout", "timed out"}, class: ClassNetwork, severity: model.SeverityMedium},
}

// classifyMessage checks the most severe keyword group first.
func classifyMessage(msg string) Classification {
	lower := strings.ToLower(msg)
	for _, rule := range messageRules {
		for _, keyword := range rule.keywords {
			if strings.Contains(lower, keyword) {
				return Classification{Class: rule.class, Severity: rule.severity, Heuristic: true}
			}
		}
	}
	return Classification{Class: ClassUnknown, Severity: model.SeverityLow, Heuristic: true}
}
