package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

func (m StatusMeta) Value() (driver.Value, error) {
	return json.Marshal(m)
}

func (m *StatusMeta) Scan(src any) error {
	return scanJSON(src, m)
}

func (m ChunkMetadata) Value() (driver.Value, error) {
	return json.Marshal(m)
}

func (m *ChunkMetadata) Scan(src any) error {
	return scanJSON(src, m)
}

func (c Citations) Value() (driver.Value, error) {
	if c == nil {
		c = Citations{}
	}
	return json.Marshal(c)
}

func (c *Citations) Scan(src any) error {
	return scanJSON(src, c)
}

func (s *ProcessingStatus) Scan(src any) error {
	var raw string
	switch v := src.(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("scan status: unsupported type %T", src)
	}
	st, err := ParseProcessingStatus(raw)
	if err != nil {
		return err
	}
	*s = st
	return nil
}

func (s ProcessingStatus) Value() (driver.Value, error) {
	if !s.valid() {
		return nil, fmt.Errorf("invalid processing status %q", string(s))
	}
	return string(s), nil
}

func scanJSON(src any, dst any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dst)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("scan json: unsupported type %T", src)
	}
}
