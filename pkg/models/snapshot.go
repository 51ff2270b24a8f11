package models

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Row is one captured table row: column name to value, exactly as the row
// looked at capture time. Rows are deliberately schemaless so that capture
// and restore never need to enumerate columns.
type Row map[string]any

// UnmarshalJSON decodes numbers as json.Number, so a bigint primary key
// above 2^53 keeps its exact digits through capture, storage, and restore
// instead of rounding through float64.
func (r *Row) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	m := map[string]any{}
	if err := dec.Decode(&m); err != nil {
		return err
	}
	*r = m
	return nil
}

// SnapshotDocument is the portable body of a snapshot: entity (table) name to
// the ordered rows captured for it. Readers must tolerate unknown top-level
// keys and unknown row columns, since the schema can grow between capture and
// restore.
type SnapshotDocument struct {
	Entities map[string][]Row `json:"entities"`
}

// Snapshot is an immutable capture of one tenant's tenant-scoped rows, owned
// by a template. Re-capturing a template always produces a new snapshot row;
// existing snapshots are never mutated.
type Snapshot struct {
	ID         uuid.UUID        `db:"id"          json:"id"`
	TemplateID uuid.UUID        `db:"template_id" json:"template_id"`
	Document   SnapshotDocument `db:"document"    json:"document"`
	CapturedAt time.Time        `db:"captured_at" json:"captured_at"`
	CreatedAt  time.Time        `db:"created_at"  json:"created_at"`
}
