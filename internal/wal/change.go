// Package wal tails the control database's logical replication stream and
// turns it into a single ordered channel of row-level change events, the
// sole entry point for everything downstream (internal/hooks, internal/auditlog).
package wal

import "github.com/jackc/pglogrepl"

// Op is the kind of row-level mutation a Change represents.
type Op string

const (
	OpInsert  Op = "insert"
	OpUpdate  Op = "update"
	OpDelete  Op = "delete"
	OpMessage Op = "message" // logical decoding message, not a row mutation
	OpBegin   Op = "begin"   // transaction boundary; scopes OpMessage "subject" attribution
	OpCommit  Op = "commit"
)

// Row is a decoded tuple keyed by column name. Every value arrives as text;
// callers (internal/hooks table handlers) parse into domain types.
type Row map[string]string

// Change is the normalized unit the consumer emits for every Insert, Update,
// Delete, and LogicalMessage record it decodes, in strictly increasing LSN
// order within a single stream.
type Change struct {
	LSN     pglogrepl.LSN
	Op      Op
	Table   string
	OldRow  Row
	NewRow  Row

	// Prefix and Message are set only when Op == OpMessage, decoded from a
	// LogicalMessage emitted inside the same transaction as surrounding row
	// changes. A prefix of "subject" identifies the actor who caused the
	// change, for audit attribution.
	Prefix  string
	Message []byte
}
