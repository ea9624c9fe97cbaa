package dbreconcile

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TypeCategory is the semantic category of a destination column. Vendor type
// codes are translated into a category at the driver boundary; everything
// above that boundary dispatches on the category only.
type TypeCategory int

const (
	TextType TypeCategory = iota
	IntegerType
	FloatType
	DecimalType
	BooleanType
	DateType
	TimeType
	TimestampType
	BinaryType
)

func (c TypeCategory) String() string {
	switch c {
	case IntegerType:
		return "integer"
	case FloatType:
		return "float"
	case DecimalType:
		return "decimal"
	case BooleanType:
		return "boolean"
	case DateType:
		return "date"
	case TimeType:
		return "time"
	case TimestampType:
		return "timestamp"
	case BinaryType:
		return "binary"
	default:
		return "text"
	}
}

// Base64Marker prefixes a string cell that carries Base64-encoded binary
// content. The same marker is emitted when binary data is read back, so
// fixtures round-trip as plain strings.
const Base64Marker = "[BASE64]"

var typeCategories = map[string]TypeCategory{
	"INT": IntegerType, "INTEGER": IntegerType, "BIGINT": IntegerType,
	"SMALLINT": IntegerType, "TINYINT": IntegerType, "MEDIUMINT": IntegerType,
	"INT2": IntegerType, "INT4": IntegerType, "INT8": IntegerType,
	"SERIAL": IntegerType, "BIGSERIAL": IntegerType,

	"REAL": FloatType, "FLOAT": FloatType, "DOUBLE": FloatType,
	"DOUBLE PRECISION": FloatType, "FLOAT4": FloatType, "FLOAT8": FloatType,

	"NUMERIC": DecimalType, "DECIMAL": DecimalType, "MONEY": DecimalType,

	"BOOL": BooleanType, "BOOLEAN": BooleanType,

	"DATE": DateType,

	"TIME": TimeType, "TIMETZ": TimeType,

	"TIMESTAMP": TimestampType, "TIMESTAMPTZ": TimestampType,
	"DATETIME": TimestampType,

	"BLOB": BinaryType, "BYTEA": BinaryType, "BINARY": BinaryType,
	"VARBINARY": BinaryType, "TINYBLOB": BinaryType, "MEDIUMBLOB": BinaryType,
	"LONGBLOB": BinaryType,
}

// CategoryOf translates a driver-reported type name (sql.ColumnType's
// DatabaseTypeName) into a semantic category. Unknown names map to text.
func CategoryOf(databaseTypeName string) TypeCategory {
	name := strings.ToUpper(strings.TrimSpace(databaseTypeName))
	if i := strings.IndexByte(name, '('); i >= 0 {
		name = strings.TrimSpace(name[:i])
	}
	if c, ok := typeCategories[name]; ok {
		return c
	}
	return TextType
}

// ColumnKinds holds per-column categories keyed by upper-cased column name,
// so the lookup is case-insensitive regardless of how the driver reports
// identifiers.
type ColumnKinds map[string]TypeCategory

// KindOf returns the category for a column, defaulting to text when the
// metadata has nothing for it.
func (k ColumnKinds) KindOf(column string) TypeCategory {
	if k == nil {
		return TextType
	}
	return k[strings.ToUpper(column)]
}

// fetchColumnKinds queries result-set metadata for a table. Errors degrade
// to nil: callers then bind every column as text.
func fetchColumnKinds(ctx context.Context, db *sql.DB, tableName string) ColumnKinds {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s WHERE 1 = 0", tableName))
	if err != nil {
		return nil
	}
	defer rows.Close()
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil
	}
	kinds := make(ColumnKinds, len(types))
	for _, t := range types {
		kinds[strings.ToUpper(t.Name())] = CategoryOf(t.DatabaseTypeName())
	}
	return kinds
}

// BindValue converts a cell into a driver argument for the given destination
// category. NULL binds as nil. Native (non-string) values pass through
// untouched. Textual values are converted per category; a malformed text
// falls back to the raw string so that heterogeneous drivers can still try
// their own coercion.
func BindValue(c CellValue, cat TypeCategory) any {
	if c.IsNull() {
		return nil
	}
	s, ok := c.Text()
	if !ok {
		return c.Raw()
	}
	if v, err := convertText(s, cat); err == nil {
		return v
	}
	return s
}

func convertText(s string, cat TypeCategory) (any, error) {
	switch cat {
	case IntegerType:
		return strconv.ParseInt(s, 10, 64)
	case FloatType:
		return strconv.ParseFloat(s, 64)
	case DecimalType:
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, err
		}
		return d.String(), nil
	case BooleanType:
		return ParseBoolean(s), nil
	case DateType:
		t, err := parseTimestamp(s)
		if err != nil {
			return nil, err
		}
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location()), nil
	case TimeType:
		return parseTimeOfDay(s)
	case TimestampType:
		return parseTimestamp(s)
	case BinaryType:
		if raw, ok := strings.CutPrefix(s, Base64Marker); ok {
			return base64.StdEncoding.DecodeString(raw)
		}
		return []byte(s), nil
	default:
		return s, nil
	}
}

// ParseBoolean maps the textual literals true, 1, yes and y
// (case-insensitive) to true. Every other string is false.
func ParseBoolean(s string) bool {
	switch strings.ToLower(s) {
	case "true", "1", "yes", "y":
		return true
	default:
		return false
	}
}

var timestampLayouts = []string{
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02",
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("can't parse '%s' as timestamp", s)
}

var timeLayouts = []string{
	"15:04:05.999999999",
	"15:04",
}

// parseTimeOfDay accepts a bare time with optional fractional seconds, or a
// full datetime from which only the time portion is kept. The result is a
// normalized string because TIME columns take text across all supported
// drivers.
func parseTimeOfDay(s string) (string, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return formatTimeOfDay(t), nil
		}
	}
	if t, err := parseTimestamp(s); err == nil {
		return formatTimeOfDay(t), nil
	}
	return "", fmt.Errorf("can't parse '%s' as time", s)
}

func formatTimeOfDay(t time.Time) string {
	if t.Nanosecond() == 0 {
		return t.Format("15:04:05")
	}
	return t.Format("15:04:05.999999999")
}

// RenderValue normalizes a value scanned from a live result set into a cell
// that compares naturally against fixture cells. Binary LOBs are rendered as
// Base64 text with the marker prefix; character LOBs are read as plain text.
// Both stay comparable after the cursor is closed.
func RenderValue(v any, cat TypeCategory) CellValue {
	switch vv := v.(type) {
	case nil:
		return NullValue()
	case []byte:
		if cat == BinaryType {
			return NewValue(Base64Marker + base64.StdEncoding.EncodeToString(vv))
		}
		return NewValue(string(vv))
	case time.Time:
		return NewValue(vv)
	default:
		return NewValue(v)
	}
}
