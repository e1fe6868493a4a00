package activity

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Related points an activity at the object it concerns. Exactly one of ID and
// Slug is set.
type Related struct {
	Type string  `json:"type"`
	ID   *int64  `json:"id"`
	Slug *string `json:"slug"`
}

// NewRelated enforces the related-object XOR rule. A zero id or an empty slug
// counts as absent. It returns nil, nil when nothing related was given.
func NewRelated(relatedType string, id *int64, slug *string) (*Related, error) {
	hasID := id != nil && *id != 0
	hasSlug := slug != nil && *slug != ""

	if strings.TrimSpace(relatedType) == "" {
		if hasID || hasSlug {
			return nil, ValidationError{reason: errRelatedOrphan}
		}
		return nil, nil
	}
	if hasID == hasSlug {
		return nil, ValidationError{reason: errRelatedXOR}
	}

	rel := &Related{Type: relatedType}
	if hasID {
		v := *id
		rel.ID = &v
	} else {
		v := *slug
		rel.Slug = &v
	}
	return rel, nil
}

// Record is one user event as buffered and uploaded. It is never mutated
// after creation.
type Record struct {
	ID        string           `json:"id"`
	UserID    int64            `json:"user_id"`
	Kind      string           `json:"kind"`
	Related   *Related         `json:"related,omitempty"`
	Timestamp string           `json:"timestamp"`
	Meta      map[string]Value `json:"meta,omitempty"`
}

func NewRecord(userID int64, kind string, related *Related, meta map[string]Value, at time.Time) Record {
	return Record{
		ID:        strings.ReplaceAll(uuid.New().String(), "-", ""),
		UserID:    userID,
		Kind:      kind,
		Related:   related,
		Timestamp: at.UTC().Format(TimestampLayout),
		Meta:      meta,
	}
}

func baseFields() []SchemaField {
	return []SchemaField{
		Scalar("id", TypeString),
		Scalar("user_id", TypeInt64),
		Scalar("kind", TypeString),
		Scalar("timestamp", TypeTimestamp),
		Struct("related",
			Scalar("type", TypeString),
			Scalar("id", TypeInt64),
			Scalar("slug", TypeString),
		),
	}
}

// Fields is the schema this record declares: the fixed columns plus a meta
// struct whose children are inferred from the meta values.
func (r Record) Fields() []SchemaField {
	fields := baseFields()

	keys := make([]string, 0, len(r.Meta))
	for k := range r.Meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	children := make([]SchemaField, 0, len(keys))
	for _, k := range keys {
		children = append(children, Scalar(k, r.Meta[k].Type))
	}
	return append(fields, Struct("meta", children...))
}

// Row renders the record for a bulk insert.
func (r Record) Row() Row {
	related := map[string]interface{}{"type": nil, "id": nil, "slug": nil}
	if r.Related != nil {
		related["type"] = r.Related.Type
		if r.Related.ID != nil {
			related["id"] = *r.Related.ID
		}
		if r.Related.Slug != nil {
			related["slug"] = *r.Related.Slug
		}
	}

	row := Row{
		"id":        r.ID,
		"user_id":   r.UserID,
		"kind":      r.Kind,
		"timestamp": r.Timestamp,
		"related":   related,
	}
	if len(r.Meta) > 0 {
		meta := make(map[string]interface{}, len(r.Meta))
		for k, v := range r.Meta {
			meta[k] = v.Interface()
		}
		row["meta"] = meta
	}
	return row
}

// Entry is what a shard stores: the record plus the schema it declared when
// it was recorded.
type Entry struct {
	Schema []SchemaField `json:"schema"`
	Data   Record        `json:"data"`
}

func (r Record) Entry() Entry {
	return Entry{Schema: r.Fields(), Data: r}
}

// Row is a single destination row keyed by column name.
type Row map[string]interface{}

// InsertID is the record id, used by sinks to drop duplicates on retry.
func (r Row) InsertID() string {
	id, _ := r["id"].(string)
	return id
}
