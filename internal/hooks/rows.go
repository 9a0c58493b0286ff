package hooks

import (
	"strconv"
	"time"

	"github.com/ocx/meshcore/internal/ids"
	"github.com/ocx/meshcore/internal/wal"
)

// colSet reports whether a nullable text column is present and non-empty,
// i.e. whether the underlying database value is non-NULL.
func colSet(row wal.Row, col string) bool {
	v, ok := row[col]
	return ok && v != ""
}

// transitioned reports whether deleted_at moved from NULL to non-NULL
// (deletedAtSet) or non-NULL to NULL (deletedAtCleared) between old and new.
func transitioned(c wal.Change) (deletedAtSet, deletedAtCleared bool) {
	return transitionedCol(c, "deleted_at")
}

func transitionedCol(c wal.Change, col string) (becameSet, becameCleared bool) {
	was := colSet(c.OldRow, col)
	now := colSet(c.NewRow, col)
	return !was && now, was && !now
}

func idCol(row wal.Row, col string) (ids.ID, bool) {
	v, ok := row[col]
	if !ok || v == "" {
		return ids.Nil, false
	}
	id, err := ids.Parse(v)
	if err != nil {
		return ids.Nil, false
	}
	return id, true
}

func accountIDOf(c wal.Change) (ids.ID, bool) {
	row := c.NewRow
	if row == nil {
		row = c.OldRow
	}
	return idCol(row, "account_id")
}

func strCol(row wal.Row, col string) string { return row[col] }

func timeCol(row wal.Row, col string) *time.Time {
	v, ok := row[col]
	if !ok || v == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05.999999-07", "2006-01-02 15:04:05.999999"} {
		if t, err := time.Parse(layout, v); err == nil {
			return &t
		}
	}
	return nil
}

func intCol(row wal.Row, col string) int {
	v, ok := row[col]
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
