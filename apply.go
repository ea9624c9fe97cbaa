package dbreconcile

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
)

// ApplyOpt defines options for applying a whole data set.
type ApplyOpt struct {
	DefaultOperation Operation                                             // Operation for tables without an _operation entry. Default: clean-insert.
	BatchSize        int                                                   // default: 50
	IncludeTags      []string                                              // Tags to filter rows of the data set.
	ExcludeTags      []string                                              // Tags to filter rows of the data set.
	TargetTables     []string                                              // Only specified tables will be processed.
	Ordering         OrderOpt                                              // Table ordering strategy. The data set's _order directive feeds the auto strategy.
	Callback         func(targetTable, task string, start bool, err error) // Reports progress and errors per table-level step.
}

// Apply loads a data set into the database, honoring the per-table
// operations parsed from the _operation directive. Tables are ordered
// dependency-first, then all clearing steps run children-first before any
// write step runs parents-first, so foreign keys hold at every point. The
// whole run is one transaction.
func Apply(ctx context.Context, dbc DBConnector, data *DataSet, opt ApplyOpt) error {
	if opt.BatchSize == 0 {
		opt.BatchSize = DefaultBatchSize
	}
	if opt.DefaultOperation == "" {
		opt.DefaultOperation = CleanInsertOperation
	}
	if len(opt.Ordering.LoadOrder) == 0 {
		opt.Ordering.LoadOrder = data.Order
	}
	tables, err := ResolveOrder(ctx, dbc, data.Tables, opt.Ordering)
	if err != nil {
		return err
	}

	tx, err := dbc.DB().BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	executeOpt := ExecuteOpt{
		BatchSize:    opt.BatchSize,
		IncludeTags:  opt.IncludeTags,
		ExcludeTags:  opt.ExcludeTags,
		TargetTables: opt.TargetTables,
		Callback:     opt.Callback,
	}
	ops := make([]Operation, len(tables))
	for i, t := range tables {
		op := opt.DefaultOperation
		if o, ok := data.Operations[t.Name]; ok {
			op = o
		}
		ops[i] = op
	}
	if err := applyClearPhase(ctx, dbc, tx, tables, ops, executeOpt); err != nil {
		return err
	}
	if err := applyWritePhase(ctx, dbc, tx, tables, ops, executeOpt); err != nil {
		return err
	}
	return tx.Commit()
}

// applyClearPhase runs the delete half of every table's operation in
// reverse order, children before parents.
func applyClearPhase(ctx context.Context, dbc DBConnector, tx *sql.Tx, tables []*Table, ops []Operation, opt ExecuteOpt) error {
	for i := len(tables) - 1; i >= 0; i-- {
		t := applyTarget(tables[i], opt)
		if t == nil {
			continue
		}
		var err error
		switch ops[i] {
		case DeleteOperation:
			err = applyStep(t, DeleteOperation, opt, func() error {
				return deleteTable(ctx, dbc, tx, t, opt.BatchSize)
			})
		case DeleteAllOperation, CleanInsertOperation:
			err = applyStep(t, DeleteAllOperation, opt, func() error {
				return dbc.DeleteAll(ctx, tx, t.Name)
			})
		case TruncateOperation, TruncateInsertOperation:
			err = applyStep(t, TruncateOperation, opt, func() error {
				return truncateTable(ctx, dbc, tx, t.Name)
			})
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// applyWritePhase runs the write half of every table's operation in
// dependency order, parents before children.
func applyWritePhase(ctx context.Context, dbc DBConnector, tx *sql.Tx, tables []*Table, ops []Operation, opt ExecuteOpt) error {
	for i, src := range tables {
		t := applyTarget(src, opt)
		if t == nil {
			continue
		}
		var err error
		switch ops[i] {
		case InsertOperation, CleanInsertOperation, TruncateInsertOperation:
			err = applyStep(t, InsertOperation, opt, func() error {
				return insertTable(ctx, dbc, tx, t, opt.BatchSize)
			})
		case UpdateOperation:
			err = applyStep(t, UpdateOperation, opt, func() error {
				return updateTable(ctx, dbc, tx, t)
			})
		case RefreshOperation:
			err = applyStep(t, RefreshOperation, opt, func() error {
				return refreshTable(ctx, dbc, tx, t)
			})
		case NoneOperation, DeleteOperation, DeleteAllOperation, TruncateOperation:
			// no write half
		default:
			err = fmt.Errorf("unknown operation '%s' for table '%s'", ops[i], t.Name)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// applyTarget returns the tag-filtered table, or nil when the table is not
// in the target set.
func applyTarget(t *Table, opt ExecuteOpt) *Table {
	if len(opt.TargetTables) > 0 && !slices.Contains(opt.TargetTables, t.Name) {
		return nil
	}
	return t.FilterTags(opt.IncludeTags, opt.ExcludeTags)
}

func applyStep(t *Table, task Operation, opt ExecuteOpt, step func() error) error {
	if opt.Callback != nil {
		opt.Callback(t.Name, task.String(), true, nil)
	}
	err := step()
	if opt.Callback != nil {
		opt.Callback(t.Name, task.String(), false, err)
	}
	if err != nil {
		return fmt.Errorf("%s failed on table '%s': %w", task, t.Name, err)
	}
	return nil
}
