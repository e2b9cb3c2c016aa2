// Package replication consumes the database's logical replication stream
// and turns row inserts on the monitored tables into pipeline events.
package replication

import (
	"fmt"

	"github.com/jackc/pglogrepl"
	"go.uber.org/zap"
)

// Row is one decoded insert: the table it landed in plus a column-name →
// raw value map. NULL columns map to nil.
type Row struct {
	Table   string
	Columns map[string][]byte
}

// Decoder maintains a registry of RelationMessages keyed by relation ID so
// that InsertMessages can be decoded into named columns.
type Decoder struct {
	relations map[uint32]*pglogrepl.RelationMessageV2
	logger    *zap.Logger
}

// NewDecoder creates a Decoder with an empty relation registry.
func NewDecoder(logger *zap.Logger) *Decoder {
	return &Decoder{
		relations: make(map[uint32]*pglogrepl.RelationMessageV2),
		logger:    logger,
	}
}

// RegisterRelation stores a RelationMessage for later column lookups.
func (d *Decoder) RegisterRelation(msg *pglogrepl.RelationMessageV2) {
	d.relations[msg.RelationID] = msg
	d.logger.Debug("registered relation",
		zap.String("table", msg.RelationName),
		zap.Uint32("relationID", msg.RelationID),
	)
}

// DecodeInsert resolves an InsertMessage against the stored relation and
// returns the row's columns by name. Values are copied out of the message
// buffer so the row stays valid after the next read.
func (d *Decoder) DecodeInsert(msg *pglogrepl.InsertMessageV2) (Row, error) {
	rel, ok := d.relations[msg.RelationID]
	if !ok {
		return Row{}, fmt.Errorf("unknown relation ID %d", msg.RelationID)
	}

	cols := make(map[string][]byte, len(msg.Tuple.Columns))
	for i, col := range msg.Tuple.Columns {
		if i >= len(rel.Columns) {
			break
		}
		name := rel.Columns[i].Name
		switch col.DataType {
		case 'n': // null
			cols[name] = nil
		default: // 't' text, plus anything else pgoutput sends as bytes
			cols[name] = append([]byte(nil), col.Data...)
		}
	}

	return Row{Table: rel.RelationName, Columns: cols}, nil
}
