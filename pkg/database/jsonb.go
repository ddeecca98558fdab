package database

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONB maps a jsonb column onto a typed Go value.
type JSONB[T any] struct {
	Data T
}

func NewJSONB[T any](data T) JSONB[T] {
	return JSONB[T]{Data: data}
}

func (p *JSONB[T]) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		var zero T
		p.Data = zero
		return nil
	case []byte:
		return json.Unmarshal(v, &p.Data)
	case string:
		return json.Unmarshal([]byte(v), &p.Data)
	default:
		return fmt.Errorf("JSONB.Scan: expected []byte, got %T", src)
	}
}

// Value encodes as a string so the value also survives COPY, which would hex-encode []byte.
func (p JSONB[T]) Value() (driver.Value, error) {
	b, err := json.Marshal(p.Data)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (p JSONB[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Data)
}

func (p *JSONB[T]) UnmarshalJSON(b []byte) error {
	return json.Unmarshal(b, &p.Data)
}
