package dbreconcile

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alecthomas/assert/v2"
)

func queryUsers(t *testing.T, dbc DBConnector) ([]string, []any) {
	t.Helper()
	rows, err := dbc.DB().QueryContext(t.Context(), TrimIndent(t, `
		SELECT
			u.name,
			u.email
		FROM
			user AS u
		ORDER BY
			u.name;
	`))
	assert.NoError(t, err)
	defer rows.Close()
	var names []string
	var emails []any
	for rows.Next() {
		var name string
		var email sql.NullString
		err := rows.Scan(&name, &email)
		assert.NoError(t, err)
		names = append(names, name)
		if email.Valid {
			emails = append(emails, email.String)
		} else {
			emails = append(emails, nil)
		}
	}
	return names, emails
}

func TestExecuteSQLite(t *testing.T) {
	type args struct {
		src string
		op  Operation
		opt ExecuteOpt
	}
	tests := []struct {
		name       string
		args       args
		wantNames  []string
		wantEmails []any
		wantErr    bool
	}{
		{
			name: "insert operation",
			args: args{
				src: TrimIndent(t, `
					user:
					- { id: 1, name: Frank, email: frank@example.com }
					- { id: 2, name: Grace, email: grace@example.com }
					- { id: 3, name: Heidi, email: heidi@example.com }
					- { id: 4, name: Ivan } # no email
					`),
				op: InsertOperation,
			},
			wantNames:  []string{"Frank", "Grace", "Heidi", "Ivan", "John", "Kate"},
			wantEmails: []any{"frank@example.com", "grace@example.com", "heidi@example.com", nil, "john@example.com", nil},
		},
		{
			name: "update operation",
			args: args{
				src: TrimIndent(t, `
					user:
					- { id: 5, name: Johnny }
					`),
				op: UpdateOperation,
			},
			wantNames:  []string{"Johnny", "Kate"},
			wantEmails: []any{"john@example.com", nil},
		},
		{
			name: "delete operation (success)",
			args: args{
				src: TrimIndent(t, `
					user:
					- { id: 5 } # John
					`),
				op: DeleteOperation,
			},
			wantNames:  []string{"Kate"},
			wantEmails: []any{nil},
		},
		{
			name: "delete operation (missing)",
			args: args{
				src: TrimIndent(t, `
					user:
					- { id: 7 } # missing
					`),
				op: DeleteOperation,
			},
			wantNames:  []string{"John", "Kate"},
			wantEmails: []any{"john@example.com", nil},
		},
		{
			name: "delete-all operation",
			args: args{
				src: TrimIndent(t, `
					user:
					- { id: 5 } # rows are irrelevant
					`),
				op: DeleteAllOperation,
			},
			wantNames:  nil,
			wantEmails: nil,
		},
		{
			name: "truncate operation falls back to delete",
			args: args{
				src: TrimIndent(t, `
					user:
					`),
				op: TruncateOperation,
			},
			wantNames:  nil,
			wantEmails: nil,
		},
		{
			name: "refresh operation updates existing and inserts missing",
			args: args{
				src: TrimIndent(t, `
					user:
					- { id: 5, name: Johnny } # update
					- { id: 7, name: Frank } # insert
					`),
				op: RefreshOperation,
			},
			wantNames:  []string{"Frank", "Johnny", "Kate"},
			wantEmails: []any{nil, "john@example.com", nil},
		},
		{
			name: "clean-insert operation",
			args: args{
				src: TrimIndent(t, `
					user:
					- { id: 1, name: Frank, email: frank@example.com }
					- { id: 2, name: Grace, email: grace@example.com }
					- { id: 3, name: Heidi, email: heidi@example.com }
					- { id: 4, name: Ivan } # no email
					`),
				op: CleanInsertOperation,
			},
			wantNames:  []string{"Frank", "Grace", "Heidi", "Ivan"},
			wantEmails: []any{"frank@example.com", "grace@example.com", "heidi@example.com", nil},
		},
		{
			name: "truncate-insert operation",
			args: args{
				src: TrimIndent(t, `
					user:
					- { id: 1, name: Frank, email: frank@example.com }
					`),
				op: TruncateInsertOperation,
			},
			wantNames:  []string{"Frank"},
			wantEmails: []any{"frank@example.com"},
		},
		{
			name: "none operation leaves everything untouched",
			args: args{
				src: TrimIndent(t, `
					user:
					- { id: 1, name: Frank, email: frank@example.com }
					`),
				op: NoneOperation,
			},
			wantNames:  []string{"John", "Kate"},
			wantEmails: []any{"john@example.com", nil},
		},
		{
			name: "unknown operation",
			args: args{
				src: TrimIndent(t, `
					user:
					- { id: 1, name: Frank }
					`),
				op: Operation("bogus"),
			},
			wantNames:  []string{"John", "Kate"},
			wantEmails: []any{"john@example.com", nil},
			wantErr:    true,
		},
		{
			name: "tag filter",
			args: args{
				src: TrimIndent(t, `
					user:
					- { id: 1, name: Frank, _tag: a }
					- { id: 2, name: Grace, _tag: b }
					`),
				op:  CleanInsertOperation,
				opt: ExecuteOpt{IncludeTags: []string{"a"}},
			},
			wantNames:  []string{"Frank"},
			wantEmails: []any{nil},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dbFile := filepath.Join(t.TempDir(), "execute_test.db")
			connStr := "file:" + dbFile + "?cache=shared&mode=rwc"

			ctx2, cancel := context.WithCancel(t.Context())
			defer cancel()

			dbc, err := NewDBConnector(ctx2, "sqlite3://"+connStr)
			assert.NoError(t, err)

			_, err = dbc.DB().ExecContext(t.Context(), TrimIndent(t, `
				CREATE TABLE IF NOT EXISTS user (
					id INTEGER PRIMARY KEY,
					name TEXT NOT NULL,
					email TEXT UNIQUE
				);

				DELETE FROM user;

				INSERT INTO user (id, name, email)
				VALUES
					(5, 'John', 'john@example.com'),
					(6, 'Kate', null);
			`))
			assert.NoError(t, err)

			data, err := ParseYAML(strings.NewReader(tt.args.src))
			assert.NoError(t, err)

			if err := Execute(t.Context(), dbc, tt.args.op, data.Tables, tt.args.opt); (err != nil) != tt.wantErr {
				t.Errorf("Execute() error = %v, wantErr %v", err, tt.wantErr)
			} else {
				names, emails := queryUsers(t, dbc)
				assert.Equal(t, tt.wantNames, names)
				assert.Equal(t, tt.wantEmails, emails)
			}
		})
	}
}

func TestExecuteRollsBackOnFailure(t *testing.T) {
	os.Remove("execute_rollback_test.db")
	connStr := "file:execute_rollback_test.db?cache=shared&mode=rwc"

	ctx2, cancel := context.WithCancel(t.Context())
	defer cancel()

	dbc, err := NewDBConnector(ctx2, "sqlite3://"+connStr)
	assert.NoError(t, err)

	_, err = dbc.DB().ExecContext(t.Context(), TrimIndent(t, `
		CREATE TABLE IF NOT EXISTS user (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			email TEXT UNIQUE
		);
		DELETE FROM user;
		INSERT INTO user (id, name, email) VALUES (5, 'John', 'john@example.com');
	`))
	assert.NoError(t, err)

	// the second table doesn't exist, so the first table's insert must be
	// rolled back as well
	data, err := ParseYAML(strings.NewReader(TrimIndent(t, `
		user:
		- { id: 1, name: Frank }
		no_such_table:
		- { id: 1 }
	`)))
	assert.NoError(t, err)

	err = Execute(t.Context(), dbc, InsertOperation, data.Tables, ExecuteOpt{})
	assert.Error(t, err)

	names, _ := queryUsers(t, dbc)
	assert.Equal(t, []string{"John"}, names)
}

func TestExecuteRefreshKeyOnlyTable(t *testing.T) {
	os.Remove("execute_refresh_key_test.db")
	connStr := "file:execute_refresh_key_test.db?cache=shared&mode=rwc"

	ctx2, cancel := context.WithCancel(t.Context())
	defer cancel()

	dbc, err := NewDBConnector(ctx2, "sqlite3://"+connStr)
	assert.NoError(t, err)

	_, err = dbc.DB().ExecContext(t.Context(), TrimIndent(t, `
		CREATE TABLE category (
			name TEXT PRIMARY KEY
		);
		INSERT INTO category (name) VALUES ('books'), ('games');
	`))
	assert.NoError(t, err)

	// a key-only table has no columns to update: present keys survive and
	// missing keys are inserted
	data, err := ParseYAML(strings.NewReader(TrimIndent(t, `
		category:
		- { name: books }
		- { name: music }
	`)))
	assert.NoError(t, err)

	err = Execute(t.Context(), dbc, RefreshOperation, data.Tables, ExecuteOpt{})
	assert.NoError(t, err)

	rows, err := dbc.DB().QueryContext(t.Context(), `SELECT name FROM category ORDER BY name;`)
	assert.NoError(t, err)
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		assert.NoError(t, rows.Scan(&name))
		names = append(names, name)
	}
	assert.Equal(t, []string{"books", "games", "music"}, names)
}

func mockConnector(t *testing.T) (DBConnector, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &sqliteDBConnector{db: db}, mock
}

func TestExecuteCleanInsertStatementOrder(t *testing.T) {
	dbc, mock := mockConnector(t)

	// parent arrives first in dependency order: deletes must run child
	// first, inserts parent first
	data, err := ParseYAML(strings.NewReader(TrimIndent(t, `
		parent:
		- { id: 1, name: p }
		child:
		- { id: 1, parent_id: 1 }
	`)))
	assert.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM child;")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM parent;")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM parent WHERE 1 = 0")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO parent (id, name) VALUES (?, ?)")).
		WithArgs(int64(1), "p").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM child WHERE 1 = 0")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "parent_id"}))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO child (id, parent_id) VALUES (?, ?)")).
		WithArgs(int64(1), int64(1)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err = Execute(t.Context(), dbc, CleanInsertOperation, data.Tables, ExecuteOpt{})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteRefreshProbesBeforeInsert(t *testing.T) {
	dbc, mock := mockConnector(t)

	data, err := ParseYAML(strings.NewReader(TrimIndent(t, `
		user:
		- { id: 1, name: hit }
		- { id: 2, name: miss }
	`)))
	assert.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM user WHERE 1 = 0")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}))
	// first row exists: the update probe touches it, no insert follows
	mock.ExpectExec(regexp.QuoteMeta("UPDATE user SET name = ? WHERE id = ?;")).
		WithArgs("hit", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// second row is missing: zero rows affected, so it is inserted
	mock.ExpectExec(regexp.QuoteMeta("UPDATE user SET name = ? WHERE id = ?;")).
		WithArgs("miss", int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO user (id, name) VALUES (?, ?)")).
		WithArgs(int64(2), "miss").
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	err = Execute(t.Context(), dbc, RefreshOperation, data.Tables, ExecuteOpt{})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteRollsBackTransactionOnInsertError(t *testing.T) {
	dbc, mock := mockConnector(t)

	data, err := ParseYAML(strings.NewReader(TrimIndent(t, `
		user:
		- { id: 1, name: Frank }
	`)))
	assert.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM user WHERE 1 = 0")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO user (id, name) VALUES (?, ?)")).
		WithArgs(int64(1), "Frank").
		WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	err = Execute(t.Context(), dbc, InsertOperation, data.Tables, ExecuteOpt{})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
