// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package dbinterface

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// SQLite has SQLITE_MAX_VARIABLE_NUMBER limit (default 999)
const maxParams = 900

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// InternStrings stores each value in string_pool (once) and returns the IDs
// in input order. Empty values are rejected.
func InternStrings(ctx context.Context, q execQuerier, values ...string) ([]int64, error) {
	if len(values) == 0 {
		return []int64{}, nil
	}

	for i, v := range values {
		if v == "" {
			return nil, fmt.Errorf("value at index %d is empty", i)
		}
	}

	unique := dedupe(values)
	for _, v := range unique {
		if _, err := q.ExecContext(ctx, "INSERT OR IGNORE INTO string_pool (value) VALUES (?)", v); err != nil {
			return nil, fmt.Errorf("failed to intern string: %w", err)
		}
	}

	ids, err := lookupIDs(ctx, q, unique)
	if err != nil {
		return nil, err
	}

	out := make([]int64, len(values))
	for i, v := range values {
		id, ok := ids[v]
		if !ok {
			return nil, fmt.Errorf("failed to get ID for interned string %q", v)
		}
		out[i] = id
	}
	return out, nil
}

// GetStringID looks up IDs without creating rows. Missing or empty values
// come back as {Valid: false}.
func GetStringID(ctx context.Context, q execQuerier, values ...string) ([]sql.NullInt64, error) {
	results := make([]sql.NullInt64, len(values))
	if len(values) == 0 {
		return results, nil
	}

	if len(values) == 1 {
		if values[0] == "" {
			return results, nil
		}
		var id int64
		err := q.QueryRowContext(ctx, "SELECT id FROM string_pool WHERE value = ?", values[0]).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return results, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get string ID from pool: %w", err)
		}
		results[0] = sql.NullInt64{Int64: id, Valid: true}
		return results, nil
	}

	nonEmpty := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			nonEmpty = append(nonEmpty, v)
		}
	}

	ids, err := lookupIDs(ctx, q, dedupe(nonEmpty))
	if err != nil {
		return nil, err
	}
	for i, v := range values {
		if id, ok := ids[v]; ok {
			results[i] = sql.NullInt64{Int64: id, Valid: true}
		}
	}
	return results, nil
}

// DeleteUnusedStrings removes pool rows no longer referenced by any table listed in refs
// (each entry is "table.column").
func DeleteUnusedStrings(ctx context.Context, q execQuerier, refs ...string) (int64, error) {
	if len(refs) == 0 {
		return 0, nil
	}

	var sb strings.Builder
	sb.WriteString("DELETE FROM string_pool WHERE 1=1")
	for _, ref := range refs {
		table, column, ok := strings.Cut(ref, ".")
		if !ok {
			return 0, fmt.Errorf("invalid string pool reference %q", ref)
		}
		fmt.Fprintf(&sb, " AND id NOT IN (SELECT %s FROM %s WHERE %s IS NOT NULL)", column, table, column)
	}

	res, err := q.ExecContext(ctx, sb.String())
	if err != nil {
		return 0, fmt.Errorf("failed to clean string pool: %w", err)
	}
	return res.RowsAffected()
}

func lookupIDs(ctx context.Context, q execQuerier, values []string) (map[string]int64, error) {
	ids := make(map[string]int64, len(values))

	for start := 0; start < len(values); start += maxParams {
		end := min(start+maxParams, len(values))
		chunk := values[start:end]

		args := make([]any, len(chunk))
		for i, v := range chunk {
			args[i] = v
		}

		query := "SELECT id, value FROM string_pool WHERE value IN (" +
			strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",") + ")"

		rows, err := q.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to query string pool: %w", err)
		}

		for rows.Next() {
			var id int64
			var value string
			if err := rows.Scan(&id, &value); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan string pool row: %w", err)
			}
			ids[value] = id
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("error iterating string pool rows: %w", err)
		}
		rows.Close()
	}

	return ids, nil
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
