package repo

import "fmt"

// KeySchema fixes how many identity keys a collection uses. Simple
// collections are keyed by resource id alone; grouped collections by
// resource group then id.
type KeySchema int

const (
	SimpleKeys KeySchema = iota + 1
	GroupKeys
)

func (s KeySchema) String() string {
	switch s {
	case SimpleKeys:
		return "simple"
	case GroupKeys:
		return "group"
	default:
		return fmt.Sprintf("KeySchema(%d)", int(s))
	}
}

// Key is the identity tuple of one logical resource. Group is set only
// under GroupKeys.
type Key struct {
	Group string
	ID    string
}

// SimpleKey builds a key for a SimpleKeys collection.
func SimpleKey(id string) Key { return Key{ID: id} }

// GroupKey builds a key for a GroupKeys collection.
func GroupKey(group, id string) Key { return Key{Group: group, ID: id} }

func (k Key) String() string {
	if k.Group != "" {
		return k.Group + "/" + k.ID
	}
	return k.ID
}

// Validate checks that the key is complete for the schema.
func (s KeySchema) Validate(k Key) error {
	if k.ID == "" {
		return fmt.Errorf("resource id is required")
	}
	switch s {
	case SimpleKeys:
		if k.Group != "" {
			return fmt.Errorf("resource group not allowed for %s keys", s)
		}
	case GroupKeys:
		if k.Group == "" {
			return fmt.Errorf("resource group is required for %s keys", s)
		}
	default:
		return fmt.Errorf("unknown key schema %d", int(s))
	}
	return nil
}
