package dialect

import "fmt"

// Now returns the SQL expression for the current timestamp, for freshness
// columns that are never read back into Go time values.
//
//	SQLite:   datetime('now')
//	Postgres: NOW()
func Now(driver string) string {
	if IsPostgres(driver) {
		return "NOW()"
	}
	return "datetime('now')"
}

// DateOf returns the SQL expression for the date portion of a timestamp,
// as text so it scans into a string on both drivers.
//
//	SQLite:   date(expr)
//	Postgres: (expr)::date::text
func DateOf(driver, expr string) string {
	if IsPostgres(driver) {
		return fmt.Sprintf("(%s)::date::text", expr)
	}
	return fmt.Sprintf("date(%s)", expr)
}

// DurationMs returns the SQL expression for the difference between two
// timestamps in milliseconds. Used by run history listings to report run
// duration without a second round trip.
//
//	SQLite:   (julianday(end) - julianday(start)) * 86400000
//	Postgres: EXTRACT(EPOCH FROM (end - start)) * 1000
func DurationMs(driver, end, start string) string {
	if IsPostgres(driver) {
		return fmt.Sprintf("EXTRACT(EPOCH FROM (%s - %s)) * 1000", end, start)
	}
	return fmt.Sprintf("(julianday(%s) - julianday(%s)) * 86400000", end, start)
}
