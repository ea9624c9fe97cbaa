package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/shibukawa/dbreconcile"
)

type VerifyOpt struct {
	IncludeTags []string `json:"include_tags"`
	ExcludeTags []string `json:"exclude_tags"`
	Targets     []string `json:"targets"`
}

type VerifyTableResult struct {
	Table string              `json:"table"`
	Match bool                `json:"match"`
	Diff  []VerifyDiscrepancy `json:"diff"`
}

type VerifyDiscrepancy struct {
	Kind     string `json:"kind"`
	Column   string `json:"column,omitzero"`
	Row      int    `json:"row"`
	Expected string `json:"expected,omitzero"`
	Actual   string `json:"actual,omitzero"`
	Message  string `json:"message,omitzero"`
}

type VerifyResponse struct {
	Tables []VerifyTableResult `json:"tables"`
}

func verifyDataSet(ctx context.Context, dbc dbreconcile.DBConnector, useJson bool, w http.ResponseWriter, path string, reqOpt VerifyOpt) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	data, err := dbreconcile.ParseYAML(f)
	if err != nil {
		return false, err
	}

	ok, cResult, err := dbreconcile.Verify(ctx, dbc, data, dbreconcile.VerifyOpt{
		IncludeTags:  reqOpt.IncludeTags,
		ExcludeTags:  reqOpt.ExcludeTags,
		TargetTables: reqOpt.Targets,
	})
	if err != nil {
		return false, err
	}
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
	}
	if useJson {
		var result VerifyResponse
		for _, tr := range cResult {
			t := VerifyTableResult{
				Table: tr.Table,
				Match: tr.OK(),
			}
			for _, d := range tr.Discrepancies {
				vd := VerifyDiscrepancy{
					Kind:    string(d.Kind),
					Column:  d.Column,
					Row:     d.Row,
					Message: d.Message,
				}
				if d.Kind == dbreconcile.CellDiscrepancy {
					vd.Expected = d.Expected.String()
					vd.Actual = d.Actual.String()
				}
				t.Diff = append(t.Diff, vd)
			}
			result.Tables = append(result.Tables, t)
		}
		e := json.NewEncoder(w)
		e.Encode(&result)
	} else {
		for _, tr := range cResult {
			dumpDiff(w, tr)
		}
	}
	return ok, nil
}

func dumpDiff(w io.Writer, result *dbreconcile.CompareResult) {
	fmt.Fprintf(w, "🗄️ '%s' table\n", result.Table)
	if result.OK() {
		fmt.Fprintf(w, "🟢 match\n\n")
		return
	}
	fmt.Fprintf(w, "🟢 Expected\n")
	fmt.Fprintf(w, "🟥 Actual\n\n")
	for _, d := range result.Discrepancies {
		switch d.Kind {
		case dbreconcile.CellDiscrepancy:
			fmt.Fprintf(w, "row %d, %s:\n", d.Row, d.Column)
			fmt.Fprintf(w, "🟢 %s\n", d.Expected)
			fmt.Fprintf(w, "🟥 %s\n", d.Actual)
		default:
			fmt.Fprintf(w, "⚠️ %s\n", d.Message)
		}
	}
	fmt.Fprintf(w, "\n")
}
