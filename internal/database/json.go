package database

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
)

// JsonColumn wraps any JSON-serializable type so it can be stored in (and
// scanned out of) a JSONB column via database/sql.
type JsonColumn[T any] struct {
	val *T
}

func NewJsonColumn[T any](val *T) JsonColumn[T] {
	return JsonColumn[T]{val: val}
}

func (j *JsonColumn[T]) Get() *T { return j.val }

func (j *JsonColumn[T]) Scan(src any) error {
	if src == nil {
		j.val = nil
		return nil
	}

	var raw []byte
	switch typed := src.(type) {
	case []byte:
		raw = typed
	case string:
		raw = []byte(typed)
	default:
		return fmt.Errorf("cannot scan %T in to JsonColumn", src)
	}

	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		return err
	}

	j.val = out
	return nil
}

func (j JsonColumn[T]) Value() (driver.Value, error) {
	if j.val == nil {
		return nil, errors.New("cannot serialize nil JsonColumn")
	}

	return json.Marshal(*j.val)
}
