package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ResolveLatestImportDBName returns the most recently imported database whose
// name contains city, from public.latest_successful_imports on the meta
// database.
func ResolveLatestImportDBName(ctx context.Context, meta *sql.DB, city string) (string, error) {
	city = strings.TrimSpace(city)
	if city == "" {
		return "", fmt.Errorf("city is required")
	}
	q := `
SELECT db_name
FROM public.latest_successful_imports
WHERE db_name ILIKE '%' || $1 || '%'
ORDER BY imported_at DESC
LIMIT 1`
	var name sql.NullString
	if err := meta.QueryRowContext(ctx, q, city).Scan(&name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("no database found for city like %q", city)
		}
		return "", fmt.Errorf("query latest import: %w", err)
	}
	if !name.Valid || name.String == "" {
		return "", fmt.Errorf("empty db_name for city like %q", city)
	}
	return name.String, nil
}

// ResolveCityDSN connects to the cluster's postgres database, finds the
// latest import for city and returns baseDSN rewritten to point at it.
func ResolveCityDSN(ctx context.Context, baseDSN, city string) (dsn, dbName string, err error) {
	rootDSN, err := WithDBName(baseDSN, "postgres")
	if err != nil {
		return "", "", fmt.Errorf("invalid base DSN: %w", err)
	}
	meta, err := Open(rootDSN)
	if err != nil {
		return "", "", fmt.Errorf("open meta db: %w", err)
	}
	defer meta.Close()
	if err := Ping(ctx, meta); err != nil {
		return "", "", fmt.Errorf("ping meta db: %w", err)
	}
	dbName, err = ResolveLatestImportDBName(ctx, meta, city)
	if err != nil {
		return "", "", err
	}
	dsn, err = WithDBName(baseDSN, dbName)
	if err != nil {
		return "", "", err
	}
	return dsn, dbName, nil
}
