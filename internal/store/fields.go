package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
)

// PresenceMap stores a set of identifiers as a JSON object of id → true.
type PresenceMap map[string]bool

// Has reports whether id is present.
func (p PresenceMap) Has(id string) bool {
	return p[id]
}

// Toggle returns a copy of the map with id flipped.
func (p PresenceMap) Toggle(id string) PresenceMap {
	next := make(PresenceMap, len(p)+1)
	for key, present := range p {
		if present {
			next[key] = true
		}
	}
	if next[id] {
		delete(next, id)
	} else {
		next[id] = true
	}
	return next
}

// Size counts the present identifiers.
func (p PresenceMap) Size() int {
	count := 0
	for _, present := range p {
		if present {
			count++
		}
	}
	return count
}

func (p PresenceMap) Value() (driver.Value, error) {
	if p == nil {
		return "{}", nil
	}
	encoded, err := json.Marshal(map[string]bool(p))
	if err != nil {
		return nil, err
	}
	return string(encoded), nil
}

func (p *PresenceMap) Scan(src any) error {
	raw, err := rawJSON(src)
	if err != nil {
		return err
	}
	decoded := map[string]bool{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return err
		}
	}
	*p = decoded
	return nil
}

func (PresenceMap) GormDataType() string {
	return "text"
}

// StringSet stores a sorted list of unique identifiers as a JSON array.
type StringSet []string

// Union returns a sorted copy with the values added.
func (s StringSet) Union(values ...string) StringSet {
	seen := make(map[string]struct{}, len(s)+len(values))
	merged := make(StringSet, 0, len(s)+len(values))
	for _, value := range append(append([]string{}, s...), values...) {
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		merged = append(merged, value)
	}
	sort.Strings(merged)
	return merged
}

// Contains reports whether value is in the set.
func (s StringSet) Contains(value string) bool {
	for _, existing := range s {
		if existing == value {
			return true
		}
	}
	return false
}

func (s StringSet) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	encoded, err := json.Marshal([]string(s))
	if err != nil {
		return nil, err
	}
	return string(encoded), nil
}

func (s *StringSet) Scan(src any) error {
	raw, err := rawJSON(src)
	if err != nil {
		return err
	}
	decoded := []string{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return err
		}
	}
	*s = decoded
	return nil
}

func (StringSet) GormDataType() string {
	return "text"
}

// StringMap stores a string → string object as JSON.
type StringMap map[string]string

func (m StringMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	encoded, err := json.Marshal(map[string]string(m))
	if err != nil {
		return nil, err
	}
	return string(encoded), nil
}

func (m *StringMap) Scan(src any) error {
	raw, err := rawJSON(src)
	if err != nil {
		return err
	}
	decoded := map[string]string{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return err
		}
	}
	*m = decoded
	return nil
}

func (StringMap) GormDataType() string {
	return "text"
}

func rawJSON(src any) ([]byte, error) {
	switch value := src.(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(value), nil
	case []byte:
		return value, nil
	default:
		return nil, fmt.Errorf("store: unsupported json column type %T", src)
	}
}
