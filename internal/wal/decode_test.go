package wal

import (
	"testing"

	"github.com/jackc/pglogrepl"
	"github.com/stretchr/testify/require"
)

func TestRelationRegistry_DecodeTuple(t *testing.T) {
	reg := newRelationRegistry()
	reg.register(&pglogrepl.RelationMessageV2{
		RelationMessage: pglogrepl.RelationMessage{
			RelationID:   42,
			RelationName: "resources",
			Columns: []*pglogrepl.RelationMessageColumn{
				{Name: "id"},
				{Name: "address"},
				{Name: "site_id"},
			},
		},
	})

	name, ok := reg.tableName(42)
	require.True(t, ok)
	require.Equal(t, "resources", name)

	row, err := reg.decodeTuple(42, &pglogrepl.TupleData{
		Columns: []*pglogrepl.TupleDataColumn{
			{DataType: 't', Data: []byte("res-1")},
			{DataType: 't', Data: []byte("10.0.0.2")},
			{DataType: 'n'},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "res-1", row["id"])
	require.Equal(t, "10.0.0.2", row["address"])
	_, hasSiteID := row["site_id"]
	require.False(t, hasSiteID)
}

func TestRelationRegistry_UnknownRelation(t *testing.T) {
	reg := newRelationRegistry()
	_, err := reg.decodeTuple(99, &pglogrepl.TupleData{})
	require.Error(t, err)
}
