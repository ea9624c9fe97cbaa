// reconciledb is a helper for testing package. It applies/verifies the database with the data from the specified YAML file.
//
// It assumes the yaml is in embed.FS
//
//	//go:embed dataset/*
//	var dataSet embed.FS
//
//	func TestUsage(t *testing.T) {
//	    reconciledb.ApplyDataSet(t, "sqlite://file:database.db", dataSet, "initial.yaml", nil)
//
//	    // some logic that modifies the database
//
//	    reconciledb.VerifyDB(t, "sqlite://file:database.db", dataSet, "expect.yaml", nil)
//	}
package reconciledb

import (
	"context"
	"io/fs"
	"testing"

	"github.com/shibukawa/dbreconcile"
)

// ApplyDataSet applies the data from the specified YAML file to the database.
func ApplyDataSet(t *testing.T, dbConn string, folder fs.FS, fileName string, opt *dbreconcile.ApplyOpt) {
	t.Helper()
	file, err := folder.Open(fileName)
	if err != nil {
		t.Fatalf("Failed to open dataset %s: %v", fileName, err)
		return
	}
	defer file.Close()
	data, err := dbreconcile.ParseYAML(file)
	if err != nil {
		t.Fatalf("Failed to parse dataset %s: %v", fileName, err)
		return
	}
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	dbc, err := dbreconcile.NewDBConnector(ctx, dbConn)
	if err != nil {
		t.Fatalf("Failed to connect database for dataset %s: %v", fileName, err)
		return
	}
	if opt == nil {
		opt = &dbreconcile.ApplyOpt{}
	}
	err = dbreconcile.Apply(ctx, dbc, data, *opt)
	if err != nil {
		t.Fatalf("Failed to apply dataset %s: %v", fileName, err)
	}
}

// VerifyDB verifies the database state against the data from the specified YAML file.
func VerifyDB(t *testing.T, dbConn string, folder fs.FS, fileName string, opt *dbreconcile.VerifyOpt) {
	t.Helper()
	file, err := folder.Open(fileName)
	if err != nil {
		t.Fatalf("Failed to open dataset %s: %v", fileName, err)
		return
	}
	defer file.Close()
	data, err := dbreconcile.ParseYAML(file)
	if err != nil {
		t.Fatalf("Failed to parse dataset %s: %v", fileName, err)
		return
	}
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	dbc, err := dbreconcile.NewDBConnector(ctx, dbConn)
	if err != nil {
		t.Fatalf("Failed to create DB connector: %v", err)
		return
	}
	if opt == nil {
		opt = &dbreconcile.VerifyOpt{}
	}
	opt.DiffCallback = dbreconcile.DumpDiffCLICallback(true, true)
	ok, _, err := dbreconcile.Verify(ctx, dbc, data, *opt)
	if err != nil {
		t.Fatalf("Failed to verify dataset %s: %v", fileName, err)
		return
	}
	if !ok {
		t.Errorf("Verification failed for dataset %s", fileName)
	}
}
