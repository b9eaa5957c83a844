// ABOUTME: Shared-context entry model and its SQLite persistence
// ABOUTME: Entries are JSON-encoded values keyed by (namespace, key)

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"reflect"
	"time"
)

// ContextEntry is one versioned value in a shared-context namespace.
type ContextEntry struct {
	Namespace string         `json:"namespace"`
	Key       string         `json:"key"`
	Value     any            `json:"value"`
	WrittenBy string         `json:"written_by"`
	WrittenAt time.Time      `json:"written_at"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
	Version   int64          `json:"version"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Clone returns a deep copy: Value and Metadata share no maps or slices
// with the original.
func (e *ContextEntry) Clone() *ContextEntry {
	if e == nil {
		return nil
	}
	c := *e
	c.Value = cloneValue(e.Value)
	if e.ExpiresAt != nil {
		t := *e.ExpiresAt
		c.ExpiresAt = &t
	}
	if e.Metadata != nil {
		c.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = cloneValue(v)
		}
	}
	return &c
}

func cloneValue(v any) any {
	if v == nil {
		return nil
	}
	return deepCopy(reflect.ValueOf(v)).Interface()
}

// deepCopy copies maps, slices and pointers recursively. Other kinds,
// structs included, are copied by value.
func deepCopy(v reflect.Value) reflect.Value {
	switch v.Kind() {
	case reflect.Map:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), deepCopy(iter.Value()))
		}
		return out
	case reflect.Slice:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := range v.Len() {
			out.Index(i).Set(deepCopy(v.Index(i)))
		}
		return out
	case reflect.Pointer:
		if v.IsNil() {
			return v
		}
		out := reflect.New(v.Type().Elem())
		out.Elem().Set(deepCopy(v.Elem()))
		return out
	case reflect.Interface:
		if v.IsNil() {
			return v
		}
		out := reflect.New(v.Type()).Elem()
		out.Set(deepCopy(v.Elem()))
		return out
	default:
		return v
	}
}

// SaveContextEntry upserts an entry.
func (s *SQLiteStore) SaveContextEntry(ctx context.Context, entry *ContextEntry) error {
	valueJSON, err := json.Marshal(entry.Value)
	if err != nil {
		return fmt.Errorf("encoding context value: %w", err)
	}

	var metadataJSON sql.NullString
	if len(entry.Metadata) > 0 {
		data, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("encoding context metadata: %w", err)
		}
		metadataJSON = sql.NullString{String: string(data), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO context_entries (namespace, key, value_json, written_by, written_at, expires_at, version, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET
			value_json = excluded.value_json,
			written_by = excluded.written_by,
			written_at = excluded.written_at,
			expires_at = excluded.expires_at,
			version = excluded.version,
			metadata_json = excluded.metadata_json
	`,
		entry.Namespace,
		entry.Key,
		string(valueJSON),
		entry.WrittenBy,
		formatTime(entry.WrittenAt),
		nullableTime(entry.ExpiresAt),
		entry.Version,
		metadataJSON,
	)
	if err != nil {
		return fmt.Errorf("saving context entry: %w", err)
	}
	return nil
}

// DeleteContextEntry removes a single key. Deleting a missing key is not an error.
func (s *SQLiteStore) DeleteContextEntry(ctx context.Context, namespace, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM context_entries WHERE namespace = ? AND key = ?`, namespace, key)
	if err != nil {
		return fmt.Errorf("deleting context entry: %w", err)
	}
	return nil
}

// DeleteContextNamespace removes every key in a namespace.
func (s *SQLiteStore) DeleteContextNamespace(ctx context.Context, namespace string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM context_entries WHERE namespace = ?`, namespace)
	if err != nil {
		return fmt.Errorf("deleting context namespace: %w", err)
	}
	return nil
}

// ListContextEntries returns entries newest-write-first.
func (s *SQLiteStore) ListContextEntries(ctx context.Context, namespace string) ([]*ContextEntry, error) {
	query := `SELECT namespace, key, value_json, written_by, written_at, expires_at, version, metadata_json
		FROM context_entries`
	var args []any
	if namespace != "" {
		query += " WHERE namespace = ?"
		args = append(args, namespace)
	}
	query += " ORDER BY written_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing context entries: %w", err)
	}
	defer rows.Close()

	var entries []*ContextEntry
	for rows.Next() {
		var (
			entry               ContextEntry
			valueJSON, written  string
			expires, metadataJS sql.NullString
		)
		if err := rows.Scan(&entry.Namespace, &entry.Key, &valueJSON, &entry.WrittenBy, &written,
			&expires, &entry.Version, &metadataJS); err != nil {
			return nil, fmt.Errorf("scanning context entry: %w", err)
		}
		if err := json.Unmarshal([]byte(valueJSON), &entry.Value); err != nil {
			return nil, fmt.Errorf("decoding context value %s/%s: %w", entry.Namespace, entry.Key, err)
		}
		if metadataJS.Valid && metadataJS.String != "" {
			if err := json.Unmarshal([]byte(metadataJS.String), &entry.Metadata); err != nil {
				return nil, fmt.Errorf("decoding context metadata %s/%s: %w", entry.Namespace, entry.Key, err)
			}
		}
		entry.WrittenAt, err = parseTime(written)
		if err != nil {
			return nil, fmt.Errorf("parsing written_at: %w", err)
		}
		entry.ExpiresAt = parseNullableTime(expires)
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating context entries: %w", err)
	}
	return entries, nil
}
