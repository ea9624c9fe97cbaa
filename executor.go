package dbreconcile

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
)

// DefaultBatchSize is the default number of rows sent in one batched
// statement.
var DefaultBatchSize = 50

// ExecuteOpt defines options for applying a data set.
type ExecuteOpt struct {
	BatchSize    int                                                   // default: 50
	IncludeTags  []string                                              // Tags to filter rows of the data set.
	ExcludeTags  []string                                              // Tags to filter rows of the data set.
	TargetTables []string                                              // Only specified tables will be processed.
	Callback     func(targetTable, task string, start bool, err error) // Reports progress and errors per table-level step.
}

// Execute applies the operation to the ordered tables inside a single
// transaction. The tables are expected to arrive dependency-first (see
// ResolveOrder); steps that must run children-first walk the list in
// reverse. On any step failure the whole transaction is rolled back and a
// single wrapped error naming the operation and table is returned; the
// database is never left partially applied.
func Execute(ctx context.Context, dbc DBConnector, op Operation, tables []*Table, opt ExecuteOpt) error {
	if op == NoneOperation {
		return nil
	}
	if opt.BatchSize == 0 {
		opt.BatchSize = DefaultBatchSize
	}
	filtered := make([]*Table, 0, len(tables))
	for _, t := range tables {
		if len(opt.TargetTables) > 0 && !slices.Contains(opt.TargetTables, t.Name) {
			continue
		}
		filtered = append(filtered, t.FilterTags(opt.IncludeTags, opt.ExcludeTags))
	}
	if len(filtered) == 0 {
		return nil
	}

	tx, err := dbc.DB().BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := executeSteps(ctx, dbc, tx, op, filtered, opt); err != nil {
		return err
	}
	return tx.Commit()
}

func executeSteps(ctx context.Context, dbc DBConnector, tx *sql.Tx, op Operation, tables []*Table, opt ExecuteOpt) error {
	switch op {
	case InsertOperation:
		return forEachTable(ctx, op, tables, false, opt, func(t *Table) error {
			return insertTable(ctx, dbc, tx, t, opt.BatchSize)
		})
	case UpdateOperation:
		return forEachTable(ctx, op, tables, false, opt, func(t *Table) error {
			return updateTable(ctx, dbc, tx, t)
		})
	case DeleteOperation:
		return forEachTable(ctx, op, tables, true, opt, func(t *Table) error {
			return deleteTable(ctx, dbc, tx, t, opt.BatchSize)
		})
	case DeleteAllOperation:
		return forEachTable(ctx, op, tables, true, opt, func(t *Table) error {
			return dbc.DeleteAll(ctx, tx, t.Name)
		})
	case TruncateOperation:
		return forEachTable(ctx, op, tables, true, opt, func(t *Table) error {
			return truncateTable(ctx, dbc, tx, t.Name)
		})
	case RefreshOperation:
		return forEachTable(ctx, op, tables, false, opt, func(t *Table) error {
			return refreshTable(ctx, dbc, tx, t)
		})
	case CleanInsertOperation:
		err := forEachTable(ctx, DeleteAllOperation, tables, true, opt, func(t *Table) error {
			return dbc.DeleteAll(ctx, tx, t.Name)
		})
		if err != nil {
			return err
		}
		return forEachTable(ctx, InsertOperation, tables, false, opt, func(t *Table) error {
			return insertTable(ctx, dbc, tx, t, opt.BatchSize)
		})
	case TruncateInsertOperation:
		err := forEachTable(ctx, TruncateOperation, tables, true, opt, func(t *Table) error {
			return truncateTable(ctx, dbc, tx, t.Name)
		})
		if err != nil {
			return err
		}
		return forEachTable(ctx, InsertOperation, tables, false, opt, func(t *Table) error {
			return insertTable(ctx, dbc, tx, t, opt.BatchSize)
		})
	default:
		return fmt.Errorf("unknown operation '%s'", op)
	}
}

// forEachTable visits the tables forward for write steps and in reverse for
// delete-family steps, so children are cleared before their parents.
func forEachTable(ctx context.Context, task Operation, tables []*Table, reverse bool, opt ExecuteOpt, step func(t *Table) error) error {
	for i := range tables {
		t := tables[i]
		if reverse {
			t = tables[len(tables)-1-i]
		}
		if opt.Callback != nil {
			opt.Callback(t.Name, task.String(), true, nil)
		}
		err := step(t)
		if opt.Callback != nil {
			opt.Callback(t.Name, task.String(), false, err)
		}
		if err != nil {
			return fmt.Errorf("%s failed on table '%s': %w", task, t.Name, err)
		}
	}
	return nil
}

func insertTable(ctx context.Context, dbc DBConnector, tx *sql.Tx, t *Table, batchSize int) error {
	if len(t.Rows) == 0 {
		return nil
	}
	kinds := fetchColumnKinds(ctx, dbc.DB(), t.Name)
	for i := 0; i < len(t.Rows); i += batchSize {
		end := min(i+batchSize, len(t.Rows))
		batch := t.Rows[i:end]
		values := make([]any, 0, len(batch)*len(t.Columns))
		for _, r := range batch {
			for _, c := range t.Columns {
				if v, ok := r[c]; ok {
					values = append(values, BindValue(v, kinds.KindOf(c)))
				} else {
					values = append(values, nil)
				}
			}
		}
		if err := dbc.Insert(ctx, tx, t.Name, t.Columns, values); err != nil {
			return err
		}
	}
	return nil
}

// updateTable treats the first column as the primary key and writes the
// remaining columns row by row. Tables with fewer than two columns have
// nothing to update.
func updateTable(ctx context.Context, dbc DBConnector, tx *sql.Tx, t *Table) error {
	if len(t.Columns) < 2 {
		return nil
	}
	kinds := fetchColumnKinds(ctx, dbc.DB(), t.Name)
	key := t.Columns[0]
	setColumns := t.Columns[1:]
	for _, r := range t.Rows {
		_, err := dbc.Update(ctx, tx, t.Name, key, setColumns, bindUpdateArgs(r, key, setColumns, kinds))
		if err != nil {
			return err
		}
	}
	return nil
}

func bindUpdateArgs(r Row, key string, setColumns []string, kinds ColumnKinds) []any {
	args := make([]any, 0, len(setColumns)+1)
	for _, c := range setColumns {
		args = append(args, BindValue(r[c], kinds.KindOf(c)))
	}
	return append(args, BindValue(r[key], kinds.KindOf(key)))
}

func deleteTable(ctx context.Context, dbc DBConnector, tx *sql.Tx, t *Table, batchSize int) error {
	if len(t.Rows) == 0 || len(t.Columns) == 0 {
		return nil
	}
	kinds := fetchColumnKinds(ctx, dbc.DB(), t.Name)
	key := t.Columns[0]
	for i := 0; i < len(t.Rows); i += batchSize {
		end := min(i+batchSize, len(t.Rows))
		batch := t.Rows[i:end]
		keys := make([]any, 0, len(batch))
		for _, r := range batch {
			keys = append(keys, BindValue(r[key], kinds.KindOf(key)))
		}
		if err := dbc.DeleteByKey(ctx, tx, t.Name, key, keys); err != nil {
			return err
		}
	}
	return nil
}

// refreshTable upserts by probe: update each row by its primary key first
// and insert only the rows the update did not touch. Not atomic against
// concurrent writers.
func refreshTable(ctx context.Context, dbc DBConnector, tx *sql.Tx, t *Table) error {
	if len(t.Columns) == 0 {
		return nil
	}
	kinds := fetchColumnKinds(ctx, dbc.DB(), t.Name)
	key := t.Columns[0]
	if len(t.Columns) == 1 {
		// a key-only table has nothing to update; replace each key so
		// missing rows get inserted and existing ones survive
		for _, r := range t.Rows {
			k := BindValue(r[key], kinds.KindOf(key))
			if err := dbc.DeleteByKey(ctx, tx, t.Name, key, []any{k}); err != nil {
				return err
			}
			if err := dbc.Insert(ctx, tx, t.Name, t.Columns, []any{k}); err != nil {
				return err
			}
		}
		return nil
	}
	setColumns := t.Columns[1:]
	for _, r := range t.Rows {
		affected, err := dbc.Update(ctx, tx, t.Name, key, setColumns, bindUpdateArgs(r, key, setColumns, kinds))
		if err != nil {
			return err
		}
		if affected > 0 {
			continue
		}
		values := make([]any, 0, len(t.Columns))
		for _, c := range t.Columns {
			if v, ok := r[c]; ok {
				values = append(values, BindValue(v, kinds.KindOf(c)))
			} else {
				values = append(values, nil)
			}
		}
		if err := dbc.Insert(ctx, tx, t.Name, t.Columns, values); err != nil {
			return err
		}
	}
	return nil
}

// truncateTable tries the native truncate first and falls back to a full
// row delete when the driver or database rejects it.
func truncateTable(ctx context.Context, dbc DBConnector, tx *sql.Tx, tableName string) error {
	if err := dbc.Truncate(ctx, tx, tableName); err != nil {
		return dbc.DeleteAll(ctx, tx, tableName)
	}
	return nil
}
