package dbreconcile

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrDependencyResolution wraps any metadata-access failure during foreign
// key extraction. Resolution never partially fails: the first error aborts
// the whole extraction so that callers fall back to the original table order
// instead of applying writes in a dangerous half-resolved order.
var ErrDependencyResolution = errors.New("dependency resolution failed")

// ExtractDependencies queries imported-key metadata for each named table and
// returns a map from table name to the tables it references. Referenced
// tables outside the working set and self references are dropped; both are
// irrelevant to ordering the set itself. Tables without dependencies have no
// entry, so an input without any foreign key yields an empty map.
func ExtractDependencies(ctx context.Context, dbc DBConnector, tableNames []string, schema string) (map[string][]string, error) {
	result := map[string][]string{}
	if len(tableNames) < 2 {
		return result, nil
	}
	working := make(map[string]string, len(tableNames))
	for _, n := range tableNames {
		working[strings.ToUpper(n)] = n
	}
	for _, n := range tableNames {
		qualified := n
		if schema != "" && !strings.Contains(n, ".") {
			qualified = schema + "." + n
		}
		parents, err := dbc.ImportedKeys(ctx, qualified)
		if err != nil {
			return nil, fmt.Errorf("%w: table '%s': %s", ErrDependencyResolution, n, err.Error())
		}
		var filtered []string
		for _, p := range parents {
			canonical, ok := working[strings.ToUpper(p)]
			if !ok || canonical == n {
				continue
			}
			filtered = append(filtered, canonical)
		}
		if len(filtered) > 0 {
			slices.Sort(filtered)
			result[n] = slices.Compact(filtered)
		}
	}
	return result, nil
}

// OrderOpt configures ResolveOrder.
type OrderOpt struct {
	Strategy  TableOrderingStrategy // default: auto
	Schema    string                // schema to resolve unqualified table names against
	LoadOrder []string              // externally supplied order, used by auto and load-order-file
}

// ResolveOrder returns the tables reordered according to the strategy. The
// input slice is never mutated. Foreign-key resolution failures degrade to
// the original order; they are never fatal.
func ResolveOrder(ctx context.Context, dbc DBConnector, tables []*Table, opt OrderOpt) ([]*Table, error) {
	switch opt.Strategy {
	case AlphabeticalOrdering:
		result := slices.Clone(tables)
		slices.SortStableFunc(result, func(a, b *Table) int {
			return strings.Compare(a.Name, b.Name)
		})
		return result, nil
	case LoadOrderFileOrdering:
		return applyLoadOrder(tables, opt.LoadOrder), nil
	case AutoOrdering, "":
		if len(opt.LoadOrder) > 0 {
			return applyLoadOrder(tables, opt.LoadOrder), nil
		}
		fallthrough
	case ForeignKeyOrdering:
		names := make([]string, len(tables))
		byName := make(map[string]*Table, len(tables))
		for i, t := range tables {
			names[i] = t.Name
			byName[t.Name] = t
		}
		deps, err := ExtractDependencies(ctx, dbc, names, opt.Schema)
		if err != nil {
			// degrade to the original order rather than fail the caller
			return slices.Clone(tables), nil
		}
		ordered := SortTables(names, deps)
		result := make([]*Table, len(ordered))
		for i, n := range ordered {
			result[i] = byName[n]
		}
		return result, nil
	default:
		return nil, fmt.Errorf("unknown table ordering strategy '%s'", opt.Strategy)
	}
}

// applyLoadOrder puts the tables named in order first, in that order, and
// appends the rest in their original relative order.
func applyLoadOrder(tables []*Table, order []string) []*Table {
	result := make([]*Table, 0, len(tables))
	used := make(map[string]bool, len(order))
	byName := make(map[string]*Table, len(tables))
	for _, t := range tables {
		byName[t.Name] = t
	}
	for _, n := range order {
		if t, ok := byName[n]; ok && !used[n] {
			result = append(result, t)
			used[n] = true
		}
	}
	for _, t := range tables {
		if !used[t.Name] {
			result = append(result, t)
		}
	}
	return result
}
