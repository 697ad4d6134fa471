// Package id generates prefixed, K-sortable identifiers for ledger rows.
//
// IDs are TypeIDs ("wtx_01h2xcejqtf2nbrexx3vqjhp41"): UUIDv7 based, so ordering
// by id follows creation order within an account's transaction stream.
package id

import (
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix identifies the entity type encoded in an id.
type Prefix string

const (
	PrefixTransaction  Prefix = "wtx"
	PrefixSubscription Prefix = "sub"
	PrefixAudit        Prefix = "aud"
)

// New generates an id with the given prefix.
// It panics if prefix is not a valid TypeID prefix (programming error).
func New(prefix Prefix) string {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}
	return tid.String()
}

func NewTransactionID() string  { return New(PrefixTransaction) }
func NewSubscriptionID() string { return New(PrefixSubscription) }
func NewAuditID() string        { return New(PrefixAudit) }

// Validate parses s and checks that it carries the expected prefix.
func Validate(s string, expected Prefix) error {
	if s == "" {
		return fmt.Errorf("id: parse %q: empty string", s)
	}
	tid, err := typeid.Parse(s)
	if err != nil {
		return fmt.Errorf("id: parse %q: %w", s, err)
	}
	if Prefix(tid.Prefix()) != expected {
		return fmt.Errorf("id: expected prefix %q, got %q", expected, tid.Prefix())
	}
	return nil
}
