package dbreconcile

import (
	"cmp"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CompareStrategy is a named rule governing how one column's expected and
// actual values are judged equal.
type CompareStrategy string

const (
	// StrictStrategy is exact value equality, NULL equals NULL. It is the
	// implicit default for unconfigured columns.
	StrictStrategy CompareStrategy = "strict"
	// NumericStrategy normalizes both sides to a common decimal
	// representation, so integer 100 equals decimal 100.00.
	NumericStrategy CompareStrategy = "numeric"
	// CaseInsensitiveStrategy compares strings ignoring case.
	CaseInsensitiveStrategy CompareStrategy = "case-insensitive"
	// IgnoreStrategy skips the column entirely.
	IgnoreStrategy CompareStrategy = "ignore"
	// NotNullStrategy asserts the actual value is present, whatever it is.
	NotNullStrategy CompareStrategy = "not-null"
	// RegexStrategy matches the actual value's string form against a
	// configured pattern. The expected cell is unused for matching but the
	// column must still appear in the expected table.
	RegexStrategy CompareStrategy = "regex"
	// TimestampStrategy compares temporal values tolerating formatting and
	// fractional-second precision differences.
	TimestampStrategy CompareStrategy = "timestamp"
)

func (s CompareStrategy) String() string {
	return string(s)
}

var ErrInvalidCompareStrategy = errors.New("invalid compare strategy")

// ParseCompareStrategy reads a strategy directive value. The regex strategy
// carries its pattern in the value after a colon, like
// "regex:^v[0-9]+$"; a bare "regex" without a pattern is rejected because it
// could never match anything. Every other value must name a known strategy.
func ParseCompareStrategy(value string) (CompareStrategy, *regexp.Regexp, error) {
	if raw, ok := strings.CutPrefix(value, string(RegexStrategy)+":"); ok {
		pattern, err := regexp.Compile(raw)
		if err != nil {
			return "", nil, fmt.Errorf("%w: bad pattern '%s': %s", ErrInvalidCompareStrategy, raw, err.Error())
		}
		return RegexStrategy, pattern, nil
	}
	switch s := CompareStrategy(value); s {
	case StrictStrategy, NumericStrategy, CaseInsensitiveStrategy, IgnoreStrategy, NotNullStrategy, TimestampStrategy:
		return s, nil, nil
	case RegexStrategy:
		return "", nil, fmt.Errorf("%w: regex needs a pattern, like 'regex:^v[0-9]+$'", ErrInvalidCompareStrategy)
	default:
		return "", nil, fmt.Errorf("%w: unknown strategy '%s'", ErrInvalidCompareStrategy, value)
	}
}

// DiscrepancyKind classifies a single finding of the comparison engine.
type DiscrepancyKind string

const (
	RowCountDiscrepancy         DiscrepancyKind = "row-count"
	MissingColumnDiscrepancy    DiscrepancyKind = "missing-column"
	UnexpectedColumnDiscrepancy DiscrepancyKind = "unexpected-column"
	CellDiscrepancy             DiscrepancyKind = "cell"
)

// Discrepancy is one difference between expected and actual data.
type Discrepancy struct {
	Kind     DiscrepancyKind
	Column   string
	Row      int // row index for cell discrepancies, -1 otherwise
	Expected CellValue
	Actual   CellValue
	Message  string
}

func (d Discrepancy) String() string {
	switch d.Kind {
	case CellDiscrepancy:
		return fmt.Sprintf("row %d, column '%s': expected %s, actual %s", d.Row, d.Column, d.Expected, d.Actual)
	default:
		return d.Message
	}
}

// CompareResult aggregates every discrepancy found while comparing one pair
// of tables. A single result carries the complete diff; nothing
// short-circuits on the first mismatch.
type CompareResult struct {
	Table         string
	Discrepancies []Discrepancy
}

// OK reports whether expected and actual matched.
func (r *CompareResult) OK() bool {
	return len(r.Discrepancies) == 0
}

// Err folds the discrepancies into one error, or nil on a match.
func (r *CompareResult) Err() error {
	if r.OK() {
		return nil
	}
	lines := make([]string, 0, len(r.Discrepancies)+1)
	lines = append(lines, fmt.Sprintf("table '%s' does not match (%d discrepancies):", r.Table, len(r.Discrepancies)))
	for _, d := range r.Discrepancies {
		lines = append(lines, "  "+d.String())
	}
	return errors.New(strings.Join(lines, "\n"))
}

// CompareOpt configures the comparison of one table pair.
type CompareOpt struct {
	// Strategies associates a comparison strategy per column name,
	// case-insensitively. Unconfigured columns use StrictStrategy.
	Strategies map[string]CompareStrategy
	// Patterns supplies the pattern per column for RegexStrategy columns.
	Patterns map[string]*regexp.Regexp
	// AdditionalColumns extends the expected column set, for validating
	// database-generated columns absent from a hand-written fixture.
	AdditionalColumns []string
	// FailureHandler, when set, receives the aggregated result of a failed
	// comparison instead of the caller getting an error.
	FailureHandler func(*CompareResult)
}

func (o CompareOpt) strategyOf(column string) CompareStrategy {
	for k, s := range o.Strategies {
		if strings.EqualFold(k, column) {
			return s
		}
	}
	return StrictStrategy
}

func (o CompareOpt) patternOf(column string) *regexp.Regexp {
	for k, p := range o.Patterns {
		if strings.EqualFold(k, column) {
			return p
		}
	}
	return nil
}

// Compare evaluates the actual table against the expected one column by
// column and row by row, and returns every discrepancy at once. Row count
// mismatches do not stop the remaining structural checks.
func Compare(expected, actual *Table, opt CompareOpt) *CompareResult {
	result := &CompareResult{Table: expected.Name}

	if len(expected.Rows) != len(actual.Rows) {
		result.Discrepancies = append(result.Discrepancies, Discrepancy{
			Kind:    RowCountDiscrepancy,
			Row:     -1,
			Message: fmt.Sprintf("row count mismatch: expected %d rows, actual %d rows", len(expected.Rows), len(actual.Rows)),
		})
	}

	wanted := slices.Clone(expected.Columns)
	wanted = append(wanted, opt.AdditionalColumns...)
	actualSet := make(map[string]bool, len(actual.Columns))
	for _, c := range actual.Columns {
		actualSet[strings.ToUpper(c)] = true
	}
	wantedSet := make(map[string]bool, len(wanted))
	for _, c := range wanted {
		wantedSet[strings.ToUpper(c)] = true
		if !actualSet[strings.ToUpper(c)] {
			result.Discrepancies = append(result.Discrepancies, Discrepancy{
				Kind:    MissingColumnDiscrepancy,
				Column:  c,
				Row:     -1,
				Message: fmt.Sprintf("column '%s' is missing from actual data", c),
			})
		}
	}
	for _, c := range actual.Columns {
		if !wantedSet[strings.ToUpper(c)] {
			result.Discrepancies = append(result.Discrepancies, Discrepancy{
				Kind:    UnexpectedColumnDiscrepancy,
				Column:  c,
				Row:     -1,
				Message: fmt.Sprintf("unexpected column '%s' in actual data", c),
			})
		}
	}

	rows := min(len(expected.Rows), len(actual.Rows))
	for i := 0; i < rows; i++ {
		for _, c := range expected.Columns {
			if !actualSet[strings.ToUpper(c)] {
				continue
			}
			e := expected.Rows[i][c]
			a := actualCell(actual.Rows[i], c)
			strategy := opt.strategyOf(c)
			if !cellEqual(strategy, e, a, opt.patternOf(c)) {
				result.Discrepancies = append(result.Discrepancies, Discrepancy{
					Kind:     CellDiscrepancy,
					Column:   c,
					Row:      i,
					Expected: e,
					Actual:   a,
				})
			}
		}
	}
	return result
}

// AssertEqual runs Compare and either raises the aggregated failure as a
// single error or routes it to the configured failure handler.
func AssertEqual(expected, actual *Table, opt CompareOpt) error {
	result := Compare(expected, actual, opt)
	if result.OK() {
		return nil
	}
	if opt.FailureHandler != nil {
		opt.FailureHandler(result)
		return nil
	}
	return result.Err()
}

// actualCell looks a column up in the actual row case-insensitively; the
// driver may report identifiers in a different case than the fixture.
func actualCell(r Row, column string) CellValue {
	if v, ok := r[column]; ok {
		return v
	}
	for k, v := range r {
		if strings.EqualFold(k, column) {
			return v
		}
	}
	return NullValue()
}

func cellEqual(strategy CompareStrategy, e, a CellValue, pattern *regexp.Regexp) bool {
	switch strategy {
	case IgnoreStrategy:
		return true
	case NotNullStrategy:
		return !a.IsNull()
	case RegexStrategy:
		if a.IsNull() || pattern == nil {
			return false
		}
		return pattern.MatchString(a.String())
	}
	if e.IsNull() || a.IsNull() {
		return e.IsNull() == a.IsNull()
	}
	switch strategy {
	case CaseInsensitiveStrategy:
		return strings.EqualFold(e.String(), a.String())
	case NumericStrategy:
		de, okE := toDecimal(e)
		da, okA := toDecimal(a)
		if okE && okA {
			return de.Equal(da)
		}
		return e.Equal(a)
	case TimestampStrategy:
		te, okE := toTimestamp(e)
		ta, okA := toTimestamp(a)
		if okE && okA {
			return flexibleTimeEqual(te, ta)
		}
		return e.Equal(a)
	default:
		return e.Equal(a)
	}
}

func toDecimal(c CellValue) (decimal.Decimal, bool) {
	switch v := c.Raw().(type) {
	case int64:
		return decimal.NewFromInt(v), true
	case float64:
		return decimal.NewFromFloat(v), true
	case string:
		d, err := decimal.NewFromString(v)
		return d, err == nil
	case decimal.Decimal:
		return v, true
	default:
		return decimal.Decimal{}, false
	}
}

func toTimestamp(c CellValue) (time.Time, bool) {
	switch v := c.Raw().(type) {
	case time.Time:
		return v, true
	case string:
		t, err := parseTimestamp(v)
		return t, err == nil
	default:
		return time.Time{}, false
	}
}

// flexibleTimeEqual compares instants; when one side carries no fractional
// seconds both sides are truncated to whole seconds, so a fixture written
// without fractions still matches a database that reports them.
func flexibleTimeEqual(a, b time.Time) bool {
	if a.Nanosecond() == 0 || b.Nanosecond() == 0 {
		return a.Truncate(time.Second).Equal(b.Truncate(time.Second))
	}
	return a.Equal(b)
}

// compareCell orders cells for row sorting: NULLs first, then by the
// natural order of comparable values, falling back to the string form for
// mixed types.
func compareCell(a, b CellValue) int {
	if a.IsNull() || b.IsNull() {
		switch {
		case a.IsNull() && b.IsNull():
			return 0
		case a.IsNull():
			return -1
		default:
			return 1
		}
	}
	switch va := a.Raw().(type) {
	case int64:
		if vb, ok := b.Raw().(int64); ok {
			return cmp.Compare(va, vb)
		}
	case float64:
		if vb, ok := b.Raw().(float64); ok {
			return cmp.Compare(va, vb)
		}
	case string:
		if vb, ok := b.Raw().(string); ok {
			return cmp.Compare(va, vb)
		}
	}
	return cmp.Compare(a.String(), b.String())
}
