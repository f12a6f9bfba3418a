package repo

import (
	"encoding/json"
	"fmt"
	"time"
)

// timeLayout is the wire format for record timestamps.
const timeLayout = time.RFC3339

// reserved names the JSON keys owned by Record itself plus the archived
// entry envelope; everything else in a record object round-trips through
// Extra. "current" and "histories" must never appear in a flat record, or a
// later load would mistake it for an archived entry.
var reserved = map[string]struct{}{
	"resource_id":    {},
	"resource_group": {},
	"resource_file":  {},
	"resource_path":  {},
	"publish_date":   {},
	"deleted":        {},
	"delete_time":    {},
	"current":        {},
	"histories":      {},
}

// Record is the metadata for one version of one resource. Extra carries
// job-specific fields (file sizes, digests, query windows) that the
// repository stores but never interprets.
type Record struct {
	ResourceID    string
	ResourceGroup string
	ResourceFile  string
	ResourcePath  string
	PublishDate   time.Time
	Deleted       bool
	DeleteTime    time.Time
	Extra         map[string]any
}

// Key returns the record's identity tuple.
func (r *Record) Key() Key {
	return Key{Group: r.ResourceGroup, ID: r.ResourceID}
}

// Clone returns a deep copy. Extra values themselves are copied by
// reference; callers treat them as immutable once stored.
func (r *Record) Clone() *Record {
	c := *r
	if r.Extra != nil {
		c.Extra = make(map[string]any, len(r.Extra))
		for k, v := range r.Extra {
			c.Extra[k] = v
		}
	}
	return &c
}

// SetExtra records a job-specific field, allocating the map on first use.
func (r *Record) SetExtra(key string, value any) {
	if r.Extra == nil {
		r.Extra = make(map[string]any)
	}
	r.Extra[key] = value
}

// ExtraString returns the named extra field as a string, or "" when absent
// or not a string.
func (r *Record) ExtraString(key string) string {
	s, _ := r.Extra[key].(string)
	return s
}

// validateExtra rejects extra fields that would collide with a reserved key
// and corrupt the document on the next load.
func (r *Record) validateExtra() error {
	for k := range r.Extra {
		if _, ok := reserved[k]; ok {
			return fmt.Errorf("extra field %q collides with a reserved key", k)
		}
	}
	return nil
}

// MarshalJSON flattens fixed fields and Extra into one object. Optional
// fields are omitted when unset so non-archived records stay compact.
func (r *Record) MarshalJSON() ([]byte, error) {
	if err := r.validateExtra(); err != nil {
		return nil, err
	}
	m := make(map[string]any, len(r.Extra)+7)
	for k, v := range r.Extra {
		m[k] = v
	}
	m["resource_id"] = r.ResourceID
	if r.ResourceGroup != "" {
		m["resource_group"] = r.ResourceGroup
	}
	if r.ResourceFile != "" {
		m["resource_file"] = r.ResourceFile
	}
	if r.ResourcePath != "" {
		m["resource_path"] = r.ResourcePath
	}
	if !r.PublishDate.IsZero() {
		m["publish_date"] = r.PublishDate.UTC().Format(timeLayout)
	}
	if r.Deleted {
		m["deleted"] = true
	}
	if !r.DeleteTime.IsZero() {
		m["delete_time"] = r.DeleteTime.UTC().Format(timeLayout)
	}
	return json.Marshal(m)
}

// UnmarshalJSON splits fixed fields back out of the flat object; unknown
// keys land in Extra.
func (r *Record) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*r = Record{}
	for k, v := range m {
		switch k {
		case "resource_id":
			r.ResourceID, _ = v.(string)
		case "resource_group":
			r.ResourceGroup, _ = v.(string)
		case "resource_file":
			r.ResourceFile, _ = v.(string)
		case "resource_path":
			r.ResourcePath, _ = v.(string)
		case "publish_date":
			t, err := parseTime(v)
			if err != nil {
				return fmt.Errorf("publish_date: %w", err)
			}
			r.PublishDate = t
		case "deleted":
			r.Deleted, _ = v.(bool)
		case "delete_time":
			t, err := parseTime(v)
			if err != nil {
				return fmt.Errorf("delete_time: %w", err)
			}
			r.DeleteTime = t
		default:
			if r.Extra == nil {
				r.Extra = make(map[string]any)
			}
			r.Extra[k] = v
		}
	}
	return nil
}

func parseTime(v any) (time.Time, error) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("expected timestamp string, got %T", v)
	}
	return time.Parse(timeLayout, s)
}
