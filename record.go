package tillsync

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntityType identifies a catalog entity class. Values follow the
// remote authority's model names so wire payloads map directly onto
// store partitions.
type EntityType string

// Entity types known to the catalog. Rehydration loads them in
// dependency order so referencing entities always resolve.
const (
	EntityUOM             EntityType = "uom.uom"
	EntityTax             EntityType = "account.tax"
	EntityPOSCategory     EntityType = "pos.category"
	EntityProductCategory EntityType = "product.category"
	EntityAttribute       EntityType = "product.attribute"
	EntityAttributeValue  EntityType = "product.attribute.value"
	EntityTemplate        EntityType = "product.template"
	EntityProduct         EntityType = "product.product"
	EntityPricelist       EntityType = "product.pricelist"
	EntityPricelistItem   EntityType = "product.pricelist.item"
	EntityCombo           EntityType = "product.combo"
	EntityPackaging       EntityType = "product.packaging"
)

// TimeLayout is the timestamp format used by the remote authority for
// write dates and sync cursors.
const TimeLayout = "2006-01-02 15:04:05"

// CatalogRecord is a single entity row as stored locally. Fields holds
// the raw attribute map from the remote authority after normalization.
type CatalogRecord struct {
	Entity    EntityType     `json:"entity"`
	ID        int64          `json:"id"`
	Fields    map[string]any `json:"fields"`
	WriteDate time.Time      `json:"write_date"`
}

// NewCatalogRecord builds a record from a raw remote field map. The map
// is normalized in place: relational markers are reduced to plain IDs
// and absent-value placeholders become nil. Records without a usable id
// are rejected.
func NewCatalogRecord(entity EntityType, fields map[string]any) (CatalogRecord, error) {
	if fields == nil {
		return CatalogRecord{}, fmt.Errorf("record for %s has no fields", entity)
	}
	id, ok := asInt64(fields["id"])
	if !ok || id <= 0 {
		return CatalogRecord{}, fmt.Errorf("record for %s has invalid id %v", entity, fields["id"])
	}
	NormalizeFields(fields)

	rec := CatalogRecord{
		Entity: entity,
		ID:     id,
		Fields: fields,
	}
	if wd, ok := fields["write_date"].(string); ok && wd != "" {
		if t, err := time.Parse(TimeLayout, wd); err == nil {
			rec.WriteDate = t
		}
	}
	return rec, nil
}

// NormalizeFields rewrites a raw field map into the canonical local
// form. The remote authority encodes absent values as boolean false and
// to-one references as [id, label] pairs. Both are flattened so lookups
// never need to branch on wire shape. To-many references stay as ID
// slices, defaulting to empty rather than nil.
func NormalizeFields(fields map[string]any) {
	for key, val := range fields {
		switch v := val.(type) {
		case bool:
			if !v {
				fields[key] = nil
			}
		case []any:
			if id, ok := refID(v); ok {
				fields[key] = id
				continue
			}
			ids := make([]int64, 0, len(v))
			plain := true
			for _, elem := range v {
				n, ok := asInt64(elem)
				if !ok {
					plain = false
					break
				}
				ids = append(ids, n)
			}
			if plain {
				fields[key] = ids
			}
		}
	}
}

// refID reports whether v is a [id, label] reference pair and returns
// the id when it is.
func refID(v []any) (int64, bool) {
	if len(v) != 2 {
		return 0, false
	}
	id, ok := asInt64(v[0])
	if !ok {
		return 0, false
	}
	if _, ok := v[1].(string); !ok {
		return 0, false
	}
	return id, true
}

// asInt64 converts the numeric types produced by JSON decoding and the
// store layer into int64.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

// FieldInt64 reads a normalized to-one reference or integer field.
func (r CatalogRecord) FieldInt64(key string) (int64, bool) {
	return asInt64(r.Fields[key])
}

// FieldFloat reads a numeric field as float64.
func (r CatalogRecord) FieldFloat(key string) (float64, bool) {
	switch n := r.Fields[key].(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// FieldString reads a string field, returning "" for absent values.
func (r CatalogRecord) FieldString(key string) string {
	s, _ := r.Fields[key].(string)
	return s
}

// FieldIDs reads a normalized to-many reference field. Absent fields
// yield an empty slice.
func (r CatalogRecord) FieldIDs(key string) []int64 {
	switch v := r.Fields[key].(type) {
	case []int64:
		return v
	case []any:
		ids := make([]int64, 0, len(v))
		for _, elem := range v {
			if n, ok := asInt64(elem); ok {
				ids = append(ids, n)
			}
		}
		return ids
	default:
		return []int64{}
	}
}

// SyncCursor marks the high-water timestamp of applied remote changes.
// A zero cursor means no bulk load has completed yet.
type SyncCursor struct {
	LastSyncDate time.Time `json:"last_sync_date"`
}

// ParseCursor parses a cursor from its wire representation. Empty input
// yields a zero cursor.
func ParseCursor(s string) (SyncCursor, error) {
	if s == "" {
		return SyncCursor{}, nil
	}
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return SyncCursor{}, fmt.Errorf("invalid sync cursor %q: %w", s, err)
	}
	return SyncCursor{LastSyncDate: t}, nil
}

// String renders the cursor in the remote authority's timestamp format.
func (c SyncCursor) String() string {
	if c.IsZero() {
		return ""
	}
	return c.LastSyncDate.UTC().Format(TimeLayout)
}

// IsZero reports whether the cursor has never been set.
func (c SyncCursor) IsZero() bool {
	return c.LastSyncDate.IsZero()
}

// Before reports whether c precedes other. Cursor advances are only
// applied when strictly newer, keeping the high-water mark monotonic.
func (c SyncCursor) Before(other SyncCursor) bool {
	return c.LastSyncDate.Before(other.LastSyncDate)
}
