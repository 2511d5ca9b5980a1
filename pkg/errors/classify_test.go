package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"Bulwark/internal/model"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

type timeoutNetErr struct{}

func (timeoutNetErr) Error() string   { return "i/o deadline reached" }
func (timeoutNetErr) Timeout() bool   { return true }
func (timeoutNetErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantClass     FailureClass
		wantSeverity  model.Severity
		wantHeuristic bool
	}{
		{name: "nil", err: nil, wantClass: ClassUnknown, wantSeverity: model.SeverityLow},
		{name: "explicit severity wins", err: WithSeverity(errors.New("database exploded"), model.SeverityLow), wantClass: ClassExplicit, wantSeverity: model.SeverityLow},
		{name: "wrapped explicit", err: fmt.Errorf("outer: %w", WithSeverity(errors.New("x"), model.SeverityCritical)), wantClass: ClassExplicit, wantSeverity: model.SeverityCritical},
		{name: "deadline", err: fmt.Errorf("call: %w", context.DeadlineExceeded), wantClass: ClassTimeout, wantSeverity: model.SeverityMedium},
		{name: "canceled", err: context.Canceled, wantClass: ClassCanceled, wantSeverity: model.SeverityLow},
		{name: "record not found", err: gorm.ErrRecordNotFound, wantClass: ClassNotFound, wantSeverity: model.SeverityLow},
		{name: "invalid conn", err: mysql.ErrInvalidConn, wantClass: ClassConnection, wantSeverity: model.SeverityHigh},
		{name: "mysql deadlock", err: &mysql.MySQLError{Number: 1213, Message: "Deadlock found"}, wantClass: ClassDatabase, wantSeverity: model.SeverityHigh},
		{name: "mysql gone away", err: &mysql.MySQLError{Number: 2006, Message: "gone away"}, wantClass: ClassConnection, wantSeverity: model.SeverityHigh},
		{name: "net timeout", err: &net.OpError{Op: "dial", Net: "tcp", Err: timeoutNetErr{}}, wantClass: ClassTimeout, wantSeverity: model.SeverityMedium},
		{name: "net error", err: &net.DNSError{Err: "no such host", Name: "svc"}, wantClass: ClassNetwork, wantSeverity: model.SeverityMedium},
		{name: "message fatal", err: errors.New("FATAL: disk full"), wantClass: ClassFatal, wantSeverity: model.SeverityCritical, wantHeuristic: true},
		{name: "message critical beats timeout", err: errors.New("critical timeout in ledger"), wantClass: ClassFatal, wantSeverity: model.SeverityCritical, wantHeuristic: true},
		{name: "message database", err: errors.New("database unavailable"), wantClass: ClassDatabase, wantSeverity: model.SeverityHigh, wantHeuristic: true},
		{name: "message connection", err: errors.New("connection reset by peer"), wantClass: ClassDatabase, wantSeverity: model.SeverityHigh, wantHeuristic: true},
		{name: "message network", err: errors.New("Network unreachable"), wantClass: ClassNetwork, wantSeverity: model.SeverityMedium, wantHeuristic: true},
		{name: "message timed out", err: errors.New("request timed out"), wantClass: ClassNetwork, wantSeverity: model.SeverityMedium, wantHeuristic: true},
		{name: "message other", err: errors.New("invalid invoice number"), wantClass: ClassUnknown, wantSeverity: model.SeverityLow, wantHeuristic: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			assert.Equal(t, tt.wantClass, got.Class)
			assert.Equal(t, tt.wantSeverity, got.Severity)
			assert.Equal(t, tt.wantHeuristic, got.Heuristic)
		})
	}
}

func TestClassify_ContextTimeoutFromRealDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	<-ctx.Done()

	assert.Equal(t, model.SeverityMedium, ClassifySeverity(ctx.Err()))
}

func TestWithSeverity(t *testing.T) {
	assert.Nil(t, WithSeverity(nil, model.SeverityHigh))

	base := errors.New("base")
	err := WithSeverity(base, model.SeverityHigh)
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "base", err.Error())
}

func TestFailureClass_String(t *testing.T) {
	assert.Equal(t, "timeout", ClassTimeout.String())
	assert.Equal(t, "unknown", FailureClass(99).String())
}
