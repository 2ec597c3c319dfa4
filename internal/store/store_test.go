package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "unique violation",
			err:  &pgconn.PgError{Code: "23505", ConstraintName: "transactions_natural_key"},
			want: true,
		},
		{
			name: "wrapped unique violation",
			err:  fmt.Errorf("insert transaction: %w", &pgconn.PgError{Code: "23505"}),
			want: true,
		},
		{
			name: "not-null violation",
			err:  &pgconn.PgError{Code: "23502"},
			want: false,
		},
		{
			name: "foreign key violation",
			err:  &pgconn.PgError{Code: "23503"},
			want: false,
		},
		{
			name: "plain error",
			err:  errors.New("connection refused"),
			want: false,
		},
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsUniqueViolation(tt.err); got != tt.want {
				t.Errorf("IsUniqueViolation(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestUUIDRoundTrip(t *testing.T) {
	id := uuid.New()
	pg := toPgUUID(id)
	if !pg.Valid {
		t.Fatal("toPgUUID produced invalid pgtype.UUID")
	}
	if got := fromPgUUID(pg); got != id {
		t.Errorf("fromPgUUID(toPgUUID(%s)) = %s", id, got)
	}
}

func TestFromPgUUID_Invalid(t *testing.T) {
	if got := fromPgUUID(pgtype.UUID{}); got != uuid.Nil {
		t.Errorf("fromPgUUID(invalid) = %s, want Nil", got)
	}
}

func TestPgTextRoundTrip(t *testing.T) {
	val := "Food"
	pg := toPgText(&val)
	if !pg.Valid || pg.String != "Food" {
		t.Fatalf("toPgText(%q) = %+v", val, pg)
	}
	got := fromPgText(pg)
	if got == nil || *got != "Food" {
		t.Errorf("fromPgText(%+v) = %v", pg, got)
	}
}

func TestPgText_NilAndEmpty(t *testing.T) {
	if pg := toPgText(nil); pg.Valid {
		t.Error("toPgText(nil) should be invalid")
	}
	empty := ""
	if pg := toPgText(&empty); pg.Valid {
		t.Error(`toPgText("") should be invalid`)
	}
	if got := fromPgText(pgtype.Text{Valid: false}); got != nil {
		t.Errorf("fromPgText(invalid) = %v, want nil", got)
	}
}
