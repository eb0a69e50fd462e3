package database

import (
	"database/sql/driver"
	"encoding/json"

	"moff.io/wallet-gateway/internal/session"
	"moff.io/wallet-gateway/pkg/errors"
)

// JSONPayload stores session.Payload as a json text column.
type JSONPayload session.Payload

func (j JSONPayload) Value() (driver.Value, error) {
	valueString, err := json.Marshal(j)
	return string(valueString), err
}

func (j *JSONPayload) Scan(value interface{}) error {
	return scanJSON(value, j)
}

func scanJSON(value interface{}, dst interface{}) error {
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return errors.Errorf("unsupported json column type %T", value)
	}
}
