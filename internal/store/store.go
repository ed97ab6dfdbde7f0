// Package store persists conversations, CRM records and the usage ledger.
// PostgresStore is the production implementation; InMemoryStore backs tests.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
)

//go:embed schema.sql
var schemaSQL string

// ContactUpdate carries the contact fields a caller wants to change; nil fields are left alone
type ContactUpdate struct {
	Name  *string
	Email *string
	Phone *string
	Role  *string
}

// Empty reports whether no field is set
func (u ContactUpdate) Empty() bool {
	return u.Name == nil && u.Email == nil && u.Phone == nil && u.Role == nil
}

// Fields lists the names of the fields being changed
func (u ContactUpdate) Fields() []string {
	var out []string
	if u.Name != nil {
		out = append(out, "name")
	}
	if u.Email != nil {
		out = append(out, "email")
	}
	if u.Phone != nil {
		out = append(out, "phone")
	}
	if u.Role != nil {
		out = append(out, "role")
	}
	return out
}

// EnsureSchema applies the application schema
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
