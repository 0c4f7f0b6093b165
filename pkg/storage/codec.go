package storage

import (
	"encoding/json"
	"fmt"
)

// GetJSON loads the JSON value stored under key into v.
func GetJSON(r Reader, key []byte, v any) (bool, error) {
	data, found, err := r.Get(key)
	if err != nil || !found {
		return found, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal %q: %w", key, err)
	}
	return true, nil
}

// PutJSON stores v as JSON under key.
func PutJSON(tx Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %q: %w", key, err)
	}
	return tx.Set(key, data)
}

// InsertJSON stores v under key, failing with ErrKeyExists if key is taken.
func InsertJSON(tx Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %q: %w", key, err)
	}
	return tx.Insert(key, data)
}
