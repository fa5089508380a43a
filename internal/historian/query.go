package historian

import (
	"fmt"
	"time"
)

// identifierPattern is the allowed identifier charset,
// [A-Za-z0-9_]+. Table/schema/column names are validated against this
// before ever being concatenated into SQL text; anything else is a
// config error, never a query attempt.
func identifierPattern(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z':
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '_':
		default:
			return false
		}
	}
	return true
}

// columns used by the poller, and the identifiers they must validate.
type columns struct {
	schema, table                            string
	timestamp, rpm, pressure, t1, t2, t3, t4 string
}

// validate checks every identifier against identifierPattern. This is
// the only gate before a column/table name reaches SQL text; callers
// must not attempt a query with an invalid columns set.
func (c columns) validate() error {
	fields := map[string]string{
		"schema": c.schema, "table": c.table,
		"timestamp_column": c.timestamp, "rpm_column": c.rpm,
		"pressure_column": c.pressure,
		"temp1_column": c.t1, "temp2_column": c.t2, "temp3_column": c.t3, "temp4_column": c.t4,
	}
	for name, v := range fields {
		if !identifierPattern(v) {
			return fmt.Errorf("historian: identifier %s=%q does not match [A-Za-z0-9_]+", name, v)
		}
	}
	return nil
}

// selectList is the fixed column projection, in Row scan order.
func (c columns) selectList() string {
	return fmt.Sprintf("[%s], [%s], [%s], [%s], [%s], [%s], [%s]",
		c.timestamp, c.rpm, c.pressure, c.t1, c.t2, c.t3, c.t4)
}

// coldStartQuery returns the bounded-window query used when the poller
// has no high-water mark yet (first run, or a reset triggered by a
// config fingerprint change). TOP is used rather than OFFSET/FETCH for
// compatibility with very old SQL Server instances.
func coldStartQuery(c columns, since time.Time, maxRows int) (string, []interface{}) {
	q := fmt.Sprintf(
		"SELECT TOP (%d) %s FROM [%s].[%s] WHERE [%s] >= @p1 ORDER BY [%s] ASC",
		maxRows, c.selectList(), c.schema, c.table, c.timestamp, c.timestamp)
	return q, []interface{}{since}
}

// incrementalQuery returns the high-water-mark query used on every
// subsequent tick.
func incrementalQuery(c columns, highWaterMark time.Time, maxRows int) (string, []interface{}) {
	q := fmt.Sprintf(
		"SELECT TOP (%d) %s FROM [%s].[%s] WHERE [%s] > @p1 ORDER BY [%s] ASC",
		maxRows, c.selectList(), c.schema, c.table, c.timestamp, c.timestamp)
	return q, []interface{}{highWaterMark}
}
