package wal

import (
	"fmt"

	"github.com/jackc/pglogrepl"
)

// relationRegistry remembers the column layout for every relation id the
// publication has sent a RelationMessage for, so Insert/Update/Delete tuples
// (which carry no column names of their own) can be decoded into Rows.
type relationRegistry struct {
	relations map[uint32]*pglogrepl.RelationMessageV2
}

func newRelationRegistry() *relationRegistry {
	return &relationRegistry{relations: make(map[uint32]*pglogrepl.RelationMessageV2)}
}

func (r *relationRegistry) register(msg *pglogrepl.RelationMessageV2) {
	r.relations[msg.RelationID] = msg
}

func (r *relationRegistry) tableName(relationID uint32) (string, bool) {
	rel, ok := r.relations[relationID]
	if !ok {
		return "", false
	}
	return rel.RelationName, true
}

func (r *relationRegistry) decodeTuple(relationID uint32, tuple *pglogrepl.TupleData) (Row, error) {
	if tuple == nil {
		return nil, nil
	}
	rel, ok := r.relations[relationID]
	if !ok {
		return nil, fmt.Errorf("wal: unknown relation id %d, RelationMessage not yet seen", relationID)
	}

	row := make(Row, len(tuple.Columns))
	for i, col := range tuple.Columns {
		if i >= len(rel.Columns) {
			break
		}
		name := rel.Columns[i].Name
		switch col.DataType {
		case 'n': // NULL
			continue
		case 't': // text
			row[name] = string(col.Data)
		case 'u': // unchanged TOAST, not sent; leave absent
			continue
		default:
			row[name] = string(col.Data)
		}
	}
	return row, nil
}
