// Package auditlog buffers decoded WAL writes and bulk-inserts them into the
// audit_log table, deduplicating on lsn so a WAL replay after reconnect
// never produces a duplicate audit row.
package auditlog

import (
	"encoding/json"

	"github.com/ocx/meshcore/internal/ids"
)

// schemaVersion is stamped on every record so a future reader can tell which
// shape of old_data/data it decoded.
const schemaVersion = 1

// Record is one durable audit row.
type Record struct {
	LSN           int64
	Op            string
	Table         string
	AccountID     ids.ID
	OldData       json.RawMessage
	NewData       json.RawMessage
	Subject       json.RawMessage
	SchemaVersion int
}

func rowToJSON(row map[string]string) json.RawMessage {
	if row == nil {
		return nil
	}
	b, err := json.Marshal(row)
	if err != nil {
		return nil
	}
	return b
}
