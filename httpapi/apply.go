package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/shibukawa/dbreconcile"
)

type ApplyOpt struct {
	IncludeTags []string `json:"include_tags"`
	ExcludeTags []string `json:"exclude_tags"`
	BatchSize   int      `json:"batch_size"`
	Operation   string   `json:"operation"`
	Targets     []string `json:"targets"`
}

type ApplyTableResult struct {
	Task     string        `json:"task"`
	Table    string        `json:"table"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitzero"`
}

type ApplyResponse struct {
	Tables []ApplyTableResult `json:"tables"`
}

func applyDataSet(ctx context.Context, dbc dbreconcile.DBConnector, useJson bool, w io.Writer, path string, reqOpt ApplyOpt) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	data, err := dbreconcile.ParseYAML(f)
	if err != nil {
		return err
	}

	var startTime time.Time
	var result ApplyResponse
	opt := dbreconcile.ApplyOpt{
		DefaultOperation: dbreconcile.Operation(reqOpt.Operation),
		BatchSize:        reqOpt.BatchSize,
		IncludeTags:      reqOpt.IncludeTags,
		ExcludeTags:      reqOpt.ExcludeTags,
		TargetTables:     reqOpt.Targets,
		Callback: func(targetTable, task string, start bool, err error) {
			if start {
				startTime = time.Now()
			} else if err != nil {
				result.Tables = append(result.Tables, ApplyTableResult{
					Task:     task,
					Table:    targetTable,
					Success:  false,
					Duration: time.Since(startTime),
					Error:    err.Error(),
				})
			} else {
				result.Tables = append(result.Tables, ApplyTableResult{
					Task:     task,
					Table:    targetTable,
					Success:  true,
					Duration: time.Since(startTime),
				})
			}
		},
	}
	err = dbreconcile.Apply(ctx, dbc, data, opt)
	if err != nil {
		return err
	}
	if useJson {
		e := json.NewEncoder(w)
		e.Encode(&result)
	} else {
		for _, t := range result.Tables {
			fmt.Fprintf(w, "%s '%s' table -> ", t.Task, t.Table)
			if t.Success {
				fmt.Fprintf(w, "ok (%v)\n", t.Duration)
			} else {
				fmt.Fprintf(w, "error\n    %s\n", t.Error)
			}
		}
	}
	return nil
}
