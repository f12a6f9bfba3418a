package repo

import (
	"encoding/json"
	"fmt"
)

// VersionCurrent selects the live record in version lookups.
const VersionCurrent = "current"

// Entry is the stored form of one identity. Archived entries keep the live
// record under "current" with prior versions in "histories", oldest first;
// non-archived entries serialize as the bare record.
type Entry struct {
	Current   *Record
	Histories []*Record
	Archived  bool
}

// NewEntry wraps a first record for an identity.
func NewEntry(rec *Record, archived bool) *Entry {
	return &Entry{Current: rec, Archived: archived}
}

// Resolve returns the record for a version selector: VersionCurrent (or "")
// for the live record, otherwise the resource file name of a historical
// version. Missing versions fail with ErrNotFound.
func (e *Entry) Resolve(version string) (*Record, error) {
	if version == "" || version == VersionCurrent {
		return e.Current, nil
	}
	for _, h := range e.Histories {
		if h.ResourceFile == version {
			return h, nil
		}
	}
	return nil, fmt.Errorf("version %s: %w", version, ErrNotFound)
}

// Replace installs rec as current. For archived entries the previous
// current moves to the end of histories; maxHistories > 0 caps the list by
// dropping the oldest versions.
func (e *Entry) Replace(rec *Record, maxHistories int) {
	if e.Archived && e.Current != nil {
		e.Histories = append(e.Histories, e.Current)
		if maxHistories > 0 && len(e.Histories) > maxHistories {
			e.Histories = e.Histories[len(e.Histories)-maxHistories:]
		}
	}
	e.Current = rec
}

// Records returns current plus all histories, current first.
func (e *Entry) Records() []*Record {
	out := make([]*Record, 0, len(e.Histories)+1)
	if e.Current != nil {
		out = append(out, e.Current)
	}
	return append(out, e.Histories...)
}

type archivedEntry struct {
	Current   *Record   `json:"current"`
	Histories []*Record `json:"histories,omitempty"`
}

func (e *Entry) MarshalJSON() ([]byte, error) {
	if e.Archived {
		return json.Marshal(archivedEntry{Current: e.Current, Histories: e.Histories})
	}
	return json.Marshal(e.Current)
}

// UnmarshalJSON detects archive form by a "current" key holding an object.
// The key is reserved and cannot appear in a flat record, and the value
// check keeps documents written before the key was reserved readable.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if cur, ok := probe["current"]; ok && isJSONObject(cur) {
		var a archivedEntry
		if err := json.Unmarshal(data, &a); err != nil {
			return err
		}
		*e = Entry{Current: a.Current, Histories: a.Histories, Archived: true}
		return nil
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	*e = Entry{Current: &rec}
	return nil
}

func isJSONObject(raw json.RawMessage) bool {
	for _, c := range raw {
		switch c {
		case ' ', '\t', '\n', '\r':
			continue
		default:
			return c == '{'
		}
	}
	return false
}
