package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONB maps a Postgres jsonb column onto a plain map for sqlx scanning.
// Usage records carry caller metadata through it untouched.
type JSONB map[string]any

// Value marshals the map for storage; a nil map stores SQL NULL.
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan unmarshals a jsonb column; NULL and empty values scan to a nil map.
func (j *JSONB) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*j = nil
		return nil
	case []byte:
		if len(v) == 0 {
			*j = nil
			return nil
		}
		return json.Unmarshal(v, j)
	case string:
		if v == "" {
			*j = nil
			return nil
		}
		return json.Unmarshal([]byte(v), j)
	default:
		return fmt.Errorf("JSONB: cannot scan %T", src)
	}
}
