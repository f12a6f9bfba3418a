package repo

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Document is one metadata document: the full set of entries for a
// collection (or one shard of it), read and written as a single JSON blob.
// Layout follows the schema, either id -> entry or group -> id -> entry.
type Document struct {
	Schema KeySchema

	simple map[string]*Entry
	groups map[string]map[string]*Entry
}

// NewDocument returns an empty document for the schema.
func NewDocument(schema KeySchema) *Document {
	return &Document{Schema: schema}
}

// Len returns the number of identities in the document.
func (d *Document) Len() int {
	if d.Schema == GroupKeys {
		n := 0
		for _, g := range d.groups {
			n += len(g)
		}
		return n
	}
	return len(d.simple)
}

// Empty reports whether the document holds no entries.
func (d *Document) Empty() bool { return d.Len() == 0 }

// Get returns the entry for a full key, or nil.
func (d *Document) Get(k Key) *Entry {
	if d.Schema == GroupKeys {
		return d.groups[k.Group][k.ID]
	}
	return d.simple[k.ID]
}

// Put installs an entry under a full key, creating the group level as
// needed.
func (d *Document) Put(k Key, e *Entry) {
	if d.Schema == GroupKeys {
		if d.groups == nil {
			d.groups = make(map[string]map[string]*Entry)
		}
		g := d.groups[k.Group]
		if g == nil {
			g = make(map[string]*Entry)
			d.groups[k.Group] = g
		}
		g[k.ID] = e
		return
	}
	if d.simple == nil {
		d.simple = make(map[string]*Entry)
	}
	d.simple[k.ID] = e
}

// Remove deletes the entry for a full key and prunes a group that becomes
// empty. It returns the removed entry, or nil if the key was absent.
func (d *Document) Remove(k Key) *Entry {
	if d.Schema == GroupKeys {
		g := d.groups[k.Group]
		e := g[k.ID]
		if e != nil {
			delete(g, k.ID)
			if len(g) == 0 {
				delete(d.groups, k.Group)
			}
		}
		return e
	}
	e := d.simple[k.ID]
	delete(d.simple, k.ID)
	return e
}

// Keys returns every identity in the document in sorted order.
func (d *Document) Keys() []Key {
	var out []Key
	if d.Schema == GroupKeys {
		for group, g := range d.groups {
			for id := range g {
				out = append(out, Key{Group: group, ID: id})
			}
		}
	} else {
		for id := range d.simple {
			out = append(out, Key{ID: id})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Group != out[j].Group {
			return out[i].Group < out[j].Group
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Match returns the keys selected by a partial key: zero-value selects
// everything, a bare group selects that group, a full key selects one
// identity.
func (d *Document) Match(partial Key) []Key {
	keys := d.Keys()
	if partial.Group == "" && partial.ID == "" {
		return keys
	}
	var out []Key
	for _, k := range keys {
		if partial.Group != "" && k.Group != partial.Group {
			continue
		}
		if partial.ID != "" && k.ID != partial.ID {
			continue
		}
		out = append(out, k)
	}
	return out
}

func (d *Document) MarshalJSON() ([]byte, error) {
	if d.Schema == GroupKeys {
		if d.groups == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(d.groups)
	}
	if d.simple == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(d.simple)
}

// UnmarshalJSON parses per the receiver's schema, which must be set before
// the call.
func (d *Document) UnmarshalJSON(data []byte) error {
	switch d.Schema {
	case SimpleKeys:
		d.simple = nil
		return json.Unmarshal(data, &d.simple)
	case GroupKeys:
		d.groups = nil
		return json.Unmarshal(data, &d.groups)
	default:
		return fmt.Errorf("document schema not set")
	}
}
