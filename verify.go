package dbreconcile

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// VerifyOpt defines options for verifying a data set against the database.
type VerifyOpt struct {
	IncludeTags  []string                                  // Tags to filter rows of the data set.
	ExcludeTags  []string                                  // Tags to filter rows of the data set.
	TargetTables []string                                  // Only specified tables will be processed. If empty, all tables will be processed.
	Strategies   map[string]map[string]CompareStrategy     // Per-table, per-column strategy overrides on top of the data set's _compare directive.
	Patterns     map[string]map[string]*regexp.Regexp      // Per-table, per-column patterns for regex columns.
	Extra        map[string][]string                       // Per-table database-generated columns to check beyond the fixture columns.
	Callback     func(targetTable string, start bool, err error) // Reports progress and fetch errors per table.
	DiffCallback func(result *CompareResult)               // Receives each table's comparison result.
}

// Verify compares every table of the expected data set against the live
// database. Each table is fetched in full, reduced to the fixture's columns,
// and both sides are ordered by the table's primary keys before the
// positional comparison. The returned results carry every discrepancy of
// every table; the boolean is true only when all tables matched. Fetch
// errors are joined and reported together after all tables were visited.
func Verify(ctx context.Context, dbc DBConnector, expected *DataSet, opt VerifyOpt) (bool, []*CompareResult, error) {
	var errs []error
	var results []*CompareResult
	ok := true
	for _, t := range expected.Tables {
		if len(opt.TargetTables) > 0 && !slices.Contains(opt.TargetTables, t.Name) {
			continue
		}
		if opt.Callback != nil {
			opt.Callback(t.Name, true, nil)
		}
		actual, pkeys, err := fetchTable(ctx, dbc, t.Name)
		if opt.Callback != nil {
			opt.Callback(t.Name, false, err)
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		exp := t.FilterTags(opt.IncludeTags, opt.ExcludeTags).SortRows(pkeys)
		wanted := slices.Clone(exp.Columns)
		wanted = append(wanted, opt.Extra[t.Name]...)
		result := Compare(exp, projectFold(actual, wanted).SortRows(pkeys), CompareOpt{
			Strategies:        mergeStrategies(expected.Strategies[t.Name], opt.Strategies[t.Name]),
			Patterns:          mergePatterns(expected.Patterns[t.Name], opt.Patterns[t.Name]),
			AdditionalColumns: opt.Extra[t.Name],
		})
		results = append(results, result)
		if !result.OK() {
			ok = false
		}
		if opt.DiffCallback != nil {
			opt.DiffCallback(result)
		}
	}
	if len(errs) > 0 {
		return false, nil, errors.Join(errs...)
	}
	return ok, results, nil
}

// fetchTable reads a whole table and its primary keys. Values are rendered
// to the data set representation so that fixture values and scanned values
// compare under the same rules, and rows come back ordered by primary key.
func fetchTable(ctx context.Context, dbc DBConnector, tableName string) (*Table, []string, error) {
	pkeys, err := dbc.PrimaryKeys(ctx, tableName)
	if err != nil {
		return nil, nil, err
	}
	kinds := fetchColumnKinds(ctx, dbc.DB(), tableName)

	rows, err := dbc.DB().QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s", tableName))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query table %s: %w", tableName, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get columns: %w", err)
	}

	result := &Table{
		Name:    tableName,
		Columns: columns,
	}
	for rows.Next() {
		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, nil, fmt.Errorf("failed to scan row: %w", err)
		}
		row := make(Row, len(columns))
		for i, c := range columns {
			row[c] = RenderValue(values[i], kinds.KindOf(c))
		}
		result.Rows = append(result.Rows, row)
	}
	if err = rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("row iteration error: %w", err)
	}
	result.tags = make([][]string, len(result.Rows))
	return result.SortRows(pkeys), pkeys, nil
}

// projectFold restricts a table to the wanted columns matching them
// case-insensitively, because drivers may report identifiers in a different
// case than the fixture. Columns the database doesn't have stay absent so
// the comparison reports them as missing.
func projectFold(t *Table, wanted []string) *Table {
	actual := make(map[string]string, len(t.Columns))
	for _, c := range t.Columns {
		actual[strings.ToUpper(c)] = c
	}
	columns := make([]string, 0, len(wanted))
	for _, c := range wanted {
		if _, ok := actual[strings.ToUpper(c)]; ok {
			columns = append(columns, c)
		}
	}
	result := &Table{
		Name:    t.Name,
		Columns: columns,
	}
	for _, r := range t.Rows {
		row := make(Row, len(columns))
		for _, c := range columns {
			if v, ok := r[actual[strings.ToUpper(c)]]; ok {
				row[c] = v
			}
		}
		result.Rows = append(result.Rows, row)
	}
	result.tags = make([][]string, len(result.Rows))
	return result
}

func mergePatterns(base, override map[string]*regexp.Regexp) map[string]*regexp.Regexp {
	if len(override) == 0 {
		return base
	}
	result := make(map[string]*regexp.Regexp, len(base)+len(override))
	for k, p := range base {
		result[strings.ToUpper(k)] = p
	}
	for k, p := range override {
		result[strings.ToUpper(k)] = p
	}
	return result
}

func mergeStrategies(base, override map[string]CompareStrategy) map[string]CompareStrategy {
	if len(override) == 0 {
		return base
	}
	result := make(map[string]CompareStrategy, len(base)+len(override))
	for k, s := range base {
		result[strings.ToUpper(k)] = s
	}
	for k, s := range override {
		result[strings.ToUpper(k)] = s
	}
	return result
}
