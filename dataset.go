package dbreconcile

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"slices"
	"strings"

	"github.com/goccy/go-yaml"
)

// Operation represents the type of operation to be performed on the database
// when a data set is applied.
type Operation string

const (
	NoneOperation           Operation = "none"
	InsertOperation         Operation = "insert"
	UpdateOperation         Operation = "update"
	DeleteOperation         Operation = "delete"
	DeleteAllOperation      Operation = "delete-all"
	RefreshOperation        Operation = "refresh"
	TruncateOperation       Operation = "truncate"
	CleanInsertOperation    Operation = "clean-insert"
	TruncateInsertOperation Operation = "truncate-insert"
	InvalidOperation        Operation = "invalid"
)

func (o Operation) String() string {
	return string(o)
}

// TableOrderingStrategy defines how the executor decides the order in which
// tables are processed.
type TableOrderingStrategy string

const (
	// AutoOrdering prefers an explicitly supplied order, then foreign-key
	// order, then the original order of the data set.
	AutoOrdering          TableOrderingStrategy = "auto"
	ForeignKeyOrdering    TableOrderingStrategy = "foreign-key"
	AlphabeticalOrdering  TableOrderingStrategy = "alphabetical"
	LoadOrderFileOrdering TableOrderingStrategy = "load-order-file"
)

func (s TableOrderingStrategy) String() string {
	return string(s)
}

// CellValue is a single cell of a row: either a typed value or an explicit
// NULL. NULL is never conflated with the empty string.
type CellValue struct {
	raw    any
	isNull bool
}

// NullValue returns the explicit NULL cell.
func NullValue() CellValue {
	return CellValue{isNull: true}
}

// NewValue wraps a native value into a CellValue. nil becomes the explicit
// NULL. Integer families are normalized to int64 so that values parsed from
// YAML and values scanned from database/sql compare equal.
func NewValue(v any) CellValue {
	switch vv := v.(type) {
	case nil:
		return CellValue{isNull: true}
	case CellValue:
		return vv
	case int:
		return CellValue{raw: int64(vv)}
	case int32:
		return CellValue{raw: int64(vv)}
	case uint64:
		return CellValue{raw: int64(vv)}
	case float32:
		return CellValue{raw: float64(vv)}
	default:
		return CellValue{raw: v}
	}
}

// IsNull reports whether the cell is the explicit NULL.
func (c CellValue) IsNull() bool {
	return c.isNull
}

// Raw returns the underlying value, or nil for NULL cells.
func (c CellValue) Raw() any {
	if c.isNull {
		return nil
	}
	return c.raw
}

// Text returns the string form of the cell and whether the underlying value
// is textual.
func (c CellValue) Text() (string, bool) {
	if c.isNull {
		return "", false
	}
	s, ok := c.raw.(string)
	return s, ok
}

func (c CellValue) String() string {
	if c.isNull {
		return "NULL"
	}
	if b, ok := c.raw.([]byte); ok {
		return string(b)
	}
	return fmt.Sprint(c.raw)
}

// Equal reports strict equality. NULL equals NULL; NULL never equals any
// typed value.
func (c CellValue) Equal(o CellValue) bool {
	if c.isNull || o.isNull {
		return c.isNull == o.isNull
	}
	if b1, ok := c.raw.([]byte); ok {
		if b2, ok := o.raw.([]byte); ok {
			return slices.Equal(b1, b2)
		}
		return false
	}
	return c.raw == o.raw
}

// Row maps column names to cell values. A column absent from the row is
// treated as NULL on write.
type Row map[string]CellValue

// Table is an immutable value object: a named, ordered list of columns and
// an ordered list of rows. Mutation is expressed by building a new table.
type Table struct {
	Name    string
	Columns []string
	Rows    []Row
	tags    [][]string
}

var ErrInvalidTable = errors.New("invalid table")

// NewTable builds a table and checks its invariants: no duplicate columns,
// and every row's key set is a subset of the column set.
func NewTable(name string, columns []string, rows []Row) (*Table, error) {
	seen := make(map[string]bool, len(columns))
	for _, c := range columns {
		if seen[c] {
			return nil, fmt.Errorf("%w: duplicated column '%s' in table '%s'", ErrInvalidTable, c, name)
		}
		seen[c] = true
	}
	for i, r := range rows {
		for k := range r {
			if !seen[k] {
				return nil, fmt.Errorf("%w: row %d of table '%s' has unknown column '%s'", ErrInvalidTable, i, name, k)
			}
		}
	}
	return &Table{
		Name:    name,
		Columns: slices.Clone(columns),
		Rows:    slices.Clone(rows),
		tags:    make([][]string, len(rows)),
	}, nil
}

// FilterTags returns a new table holding only the rows that pass the
// include/exclude tag filter.
func (t *Table) FilterTags(includes, excludes []string) *Table {
	result := &Table{
		Name:    t.Name,
		Columns: t.Columns,
	}
	for i, r := range t.Rows {
		var tags []string
		if i < len(t.tags) {
			tags = t.tags[i]
		}
		if filterTags(tags, includes, excludes) {
			result.Rows = append(result.Rows, r)
			result.tags = append(result.tags, tags)
		}
	}
	return result
}

// Project returns a new table restricted to the named columns, preserving
// the given column order. Cells of dropped columns do not survive.
func (t *Table) Project(columns []string) *Table {
	result := &Table{
		Name:    t.Name,
		Columns: slices.Clone(columns),
	}
	for _, r := range t.Rows {
		row := make(Row, len(columns))
		for _, c := range columns {
			if v, ok := r[c]; ok {
				row[c] = v
			}
		}
		result.Rows = append(result.Rows, row)
	}
	result.tags = make([][]string, len(result.Rows))
	return result
}

// SortRows returns a new table whose rows are ordered by the given key
// columns. The original table is left untouched.
func (t *Table) SortRows(keys []string) *Table {
	result := &Table{
		Name:    t.Name,
		Columns: t.Columns,
		Rows:    slices.Clone(t.Rows),
	}
	slices.SortStableFunc(result.Rows, func(ri, rj Row) int {
		for _, k := range keys {
			// key names come from driver metadata and may differ in case
			// from the fixture's column names
			if c := compareCell(actualCell(ri, k), actualCell(rj, k)); c != 0 {
				return c
			}
		}
		return 0
	})
	result.tags = make([][]string, len(result.Rows))
	return result
}

// DataSet represents a collection of tables and the per-table operations,
// comparison strategies and explicit load order parsed alongside them.
type DataSet struct {
	Operations map[string]Operation
	Strategies map[string]map[string]CompareStrategy
	Patterns   map[string]map[string]*regexp.Regexp
	Order      []string
	Tables     []*Table
}

// ParseYAML reads a YAML formatted data set from the provided reader.
//
// Top-level keys starting with '_' are directives: _operation maps table
// names to operations, _compare maps table names to per-column comparison
// strategies, _order supplies an explicit table load order. Every other
// top-level key is a table holding a list of rows. Within a row, the _tag
// key attaches filter tags instead of a column value.
func ParseYAML(r io.Reader) (*DataSet, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var root yaml.MapSlice
	if err := yaml.UnmarshalWithOptions(b, &root, yaml.UseOrderedMap()); err != nil {
		return nil, err
	}

	result := &DataSet{
		Operations: map[string]Operation{},
		Strategies: map[string]map[string]CompareStrategy{},
		Patterns:   map[string]map[string]*regexp.Regexp{},
	}
	for _, item := range root {
		key, ok := item.Key.(string)
		if !ok {
			return nil, fmt.Errorf("parse error: table name should be string, but: '%v'", item.Key)
		}
		switch key {
		case "_operation":
			if err := parseDirectiveMap(item.Value, func(table, value string) error {
				result.Operations[table] = Operation(value)
				return nil
			}); err != nil {
				return nil, fmt.Errorf("failed to parse _operation: %w", err)
			}
		case "_compare":
			tables, ok := item.Value.(yaml.MapSlice)
			if !ok {
				return nil, errors.New("failed to parse _compare: not a mapping")
			}
			for _, tableItem := range tables {
				tableName := fmt.Sprint(tableItem.Key)
				strategies := map[string]CompareStrategy{}
				patterns := map[string]*regexp.Regexp{}
				if err := parseDirectiveMap(tableItem.Value, func(column, value string) error {
					strategy, pattern, err := ParseCompareStrategy(value)
					if err != nil {
						return fmt.Errorf("column '%s': %w", column, err)
					}
					strategies[strings.ToUpper(column)] = strategy
					if pattern != nil {
						patterns[strings.ToUpper(column)] = pattern
					}
					return nil
				}); err != nil {
					return nil, fmt.Errorf("failed to parse _compare of table '%s': %w", tableName, err)
				}
				result.Strategies[tableName] = strategies
				if len(patterns) > 0 {
					result.Patterns[tableName] = patterns
				}
			}
		case "_order":
			names, ok := item.Value.([]any)
			if !ok {
				return nil, errors.New("failed to parse _order: should be a list of table names")
			}
			for _, n := range names {
				result.Order = append(result.Order, fmt.Sprint(n))
			}
		default:
			t, err := parseTable(key, item.Value)
			if err != nil {
				return nil, err
			}
			result.Tables = append(result.Tables, t)
		}
	}
	return result, nil
}

func parseDirectiveMap(v any, set func(key, value string) error) error {
	m, ok := v.(yaml.MapSlice)
	if !ok {
		return errors.New("not a mapping")
	}
	for _, item := range m {
		s, ok := item.Value.(string)
		if !ok {
			return fmt.Errorf("value for '%v' should be string, but: '%v'", item.Key, item.Value)
		}
		if err := set(fmt.Sprint(item.Key), s); err != nil {
			return err
		}
	}
	return nil
}

func parseTable(name string, v any) (*Table, error) {
	t := &Table{Name: name}
	if v == nil {
		return t, nil
	}
	rawRows, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("parse error: table '%s' should hold a list of rows", name)
	}
	seen := map[string]bool{}
	for _, rawRow := range rawRows {
		rowSrc, ok := rawRow.(yaml.MapSlice)
		if !ok {
			return nil, fmt.Errorf("parse error: row of table '%s' should be a mapping, but: '%v'", name, rawRow)
		}
		row := Row{}
		var tags []string
		for _, cell := range rowSrc {
			k := fmt.Sprint(cell.Key)
			if k == "_tag" {
				var err error
				tags, err = parseTags(cell.Value)
				if err != nil {
					return nil, err
				}
				continue
			}
			if !seen[k] {
				seen[k] = true
				t.Columns = append(t.Columns, k)
			}
			row[k] = NewValue(cell.Value)
		}
		t.Rows = append(t.Rows, row)
		t.tags = append(t.tags, tags)
	}
	return t, nil
}

func parseTags(v any) ([]string, error) {
	var tags []string
	switch val := v.(type) {
	case string:
		for _, t := range strings.Split(val, ",") {
			if tt := strings.TrimSpace(t); tt != "" {
				tags = append(tags, tt)
			}
		}
	case []any:
		for _, t := range val {
			tags = append(tags, fmt.Sprint(t))
		}
	default:
		return nil, fmt.Errorf("parse error: tag should be string or [string...], but: '%v'", v)
	}
	return tags, nil
}

func filterTags(src, includes, excludes []string) bool {
	for _, e := range excludes {
		if slices.Contains(src, e) {
			return false
		}
	}
	if len(includes) == 0 {
		return true
	}
	for _, i := range includes {
		if !slices.Contains(src, i) {
			return false
		}
	}
	return true
}
