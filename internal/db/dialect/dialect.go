// Package dialect provides SQL fragment helpers for SQLite/PostgreSQL portability.
package dialect

const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres returns true if the driver is PostgreSQL (pgx).
func IsPostgres(driver string) bool {
	return driver == PGX
}

// TextType returns the column type used for JSON metadata blobs.
// PostgreSQL gets JSONB; SQLite stores JSON as TEXT.
func TextType(driver string) string {
	if IsPostgres(driver) {
		return "JSONB"
	}
	return "TEXT"
}

// TimestampType returns the column type used for timestamps.
func TimestampType(driver string) string {
	if IsPostgres(driver) {
		return "TIMESTAMPTZ"
	}
	return "TIMESTAMP"
}
