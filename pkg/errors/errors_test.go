package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestMetadataForKnownCodes(t *testing.T) {
	tests := []struct {
		code      Code
		status    int
		publicMsg string
		retryable bool
		detailsOK bool
	}{
		{code: CodeValidation, status: http.StatusBadRequest, publicMsg: "validation failed", detailsOK: true},
		{code: CodeNotFound, status: http.StatusNotFound, publicMsg: "resource not found", detailsOK: true},
		{code: CodeConflict, status: http.StatusConflict, publicMsg: "conflict detected"},
		{code: CodeStateConflict, status: http.StatusConflict, publicMsg: "state transition disallowed", detailsOK: true},
		{code: CodeInvalidAmount, status: http.StatusUnprocessableEntity, publicMsg: "invalid amount", detailsOK: true},
		{code: CodeOverpayment, status: http.StatusConflict, publicMsg: "payment exceeds remaining balance", detailsOK: true},
		{code: CodeNoAvailableUnit, status: http.StatusConflict, publicMsg: "no unpaid units available", detailsOK: true},
		{code: CodeLockTimeout, status: http.StatusServiceUnavailable, publicMsg: "resource busy, retry", retryable: true, detailsOK: true},
		{code: CodeRateLimit, status: http.StatusTooManyRequests, publicMsg: "rate limit exceeded", retryable: true},
		{code: CodeInternal, status: http.StatusInternalServerError, publicMsg: "internal server error"},
		{code: CodeDependency, status: http.StatusServiceUnavailable, publicMsg: "dependency unavailable", retryable: true, detailsOK: true},
	}

	for _, tt := range tests {
		meta := MetadataFor(tt.code)
		if meta.HTTPStatus != tt.status {
			t.Fatalf("code %s expected status %d got %d", tt.code, tt.status, meta.HTTPStatus)
		}
		if meta.PublicMessage != tt.publicMsg {
			t.Fatalf("code %s expected public message %q got %q", tt.code, tt.publicMsg, meta.PublicMessage)
		}
		if meta.Retryable != tt.retryable {
			t.Fatalf("code %s expected retryable %v got %v", tt.code, tt.retryable, meta.Retryable)
		}
		if meta.DetailsAllowed != tt.detailsOK {
			t.Fatalf("code %s expected details allowed %v got %v", tt.code, tt.detailsOK, meta.DetailsAllowed)
		}
	}
}

func TestMetadataForUnknownCodeDefaultsToInternal(t *testing.T) {
	meta := MetadataFor("SOMETHING_UNKNOWN")
	if meta.HTTPStatus != http.StatusInternalServerError {
		t.Fatalf("expected internal status, got %d", meta.HTTPStatus)
	}
}

func TestPublicMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "echoed", err: New(CodeOverpayment, "line 2 pays 3.00 of 2.50"), want: "line 2 pays 3.00 of 2.50"},
		{name: "echoed through wrap", err: fmt.Errorf("batch: %w", New(CodeNotFound, "unit not found")), want: "unit not found"},
		{name: "empty message", err: New(CodeValidation, ""), want: "validation failed"},
		{name: "lock timeout hides message", err: New(CodeLockTimeout, "lock on units row"), want: "resource busy, retry"},
		{name: "internal hides message", err: Wrap(CodeInternal, stdErrors.New("pq: boom"), "select failed"), want: "internal server error"},
		{name: "untyped", err: stdErrors.New("boom"), want: "internal server error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PublicMessage(tt.err); got != tt.want {
				t.Fatalf("expected %q got %q", tt.want, got)
			}
		})
	}
}

func TestErrorConstructors(t *testing.T) {
	base := New(CodeValidation, "missing payer")
	if base.Code() != CodeValidation {
		t.Fatalf("expected validation code, got %s", base.Code())
	}
	if base.Message() != "missing payer" {
		t.Fatalf("unexpected message %q", base.Message())
	}
	if base.Details() != nil {
		t.Fatalf("details should be nil by default")
	}

	detail := map[string]any{"line": 2}
	base.WithDetails(detail)
	if base.Details() == nil {
		t.Fatalf("details should be preserved")
	}

	cause := stdErrors.New("boom")
	wrapped := Wrap(CodeConflict, cause, "ctx")
	if !stdErrors.Is(wrapped, cause) {
		t.Fatalf("Wrap did not preserve cause")
	}
	if wrapped.Code() != CodeConflict {
		t.Fatalf("unexpected code %s", wrapped.Code())
	}
}

func TestAsReturnsTypedError(t *testing.T) {
	err := New(CodeOverpayment, "too much")
	if got := As(err); got == nil || got.Code() != CodeOverpayment {
		t.Fatalf("As failed to return typed error")
	}
	if As(nil) != nil {
		t.Fatalf("As(nil) should return nil")
	}
}

func TestCodeOfAndIsFollowWrapping(t *testing.T) {
	err := fmt.Errorf("line 1: %w", New(CodeNoAvailableUnit, "no units"))
	if got := CodeOf(err); got != CodeNoAvailableUnit {
		t.Fatalf("expected no available unit code, got %s", got)
	}
	if !Is(err, CodeNoAvailableUnit) {
		t.Fatalf("expected Is to match wrapped code")
	}
	if Is(err, CodeOverpayment) {
		t.Fatalf("expected Is to reject other codes")
	}
	if got := CodeOf(stdErrors.New("plain")); got != CodeInternal {
		t.Fatalf("expected internal for untyped error, got %s", got)
	}
}

func TestDumpReadsPostgresErrors(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "23505", ConstraintName: "payments_pkey", TableName: "payments"}
	err := Wrap(CodeConflict, fmt.Errorf("insert payment: %w", pgErr), "duplicate payment")

	d := Dump(err)
	if d.Code != CodeConflict {
		t.Fatalf("expected conflict code, got %s", d.Code)
	}
	if d.PG == nil || d.PG.Code != "23505" || d.PG.Constraint != "payments_pkey" {
		t.Fatalf("expected pg detail, got %+v", d.PG)
	}
	if len(d.Chain) != 3 {
		t.Fatalf("expected 3 chain entries, got %v", d.Chain)
	}

	fields := d.Fields()
	if fields["pg_table"] != "payments" {
		t.Fatalf("expected pg_table field, got %v", fields)
	}
	if _, ok := fields["pg_column"]; ok {
		t.Fatalf("empty pg fields should be omitted: %v", fields)
	}
}

func TestDumpWithoutDriverError(t *testing.T) {
	d := Dump(stdErrors.New("plain"))
	if d.PG != nil {
		t.Fatalf("expected no pg detail, got %+v", d.PG)
	}
	if _, ok := d.Fields()["pg_code"]; ok {
		t.Fatalf("pg_code should be absent")
	}
	if Dump(nil).TopMessage != "" {
		t.Fatalf("nil error should dump empty")
	}
}
