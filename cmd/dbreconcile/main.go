package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/alecthomas/kong"
	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/shibukawa/dbreconcile"
	"github.com/shibukawa/dbreconcile/httpapi"
)

var deleteTaskC = color.New(color.FgHiRed).SprintFunc()
var writeTaskC = color.New(color.FgHiBlue).SprintFunc()
var nameC = color.New(color.FgBlue, color.Bold).SprintFunc()
var okC = color.New(color.FgGreen).SprintFunc()
var errC = color.New(color.FgRed).SprintFunc()
var infoC = color.New(color.FgYellow).SprintFunc()

var cli struct {
	DB      string `flag:"" env:"DBRECONCILE_CONN" help:"Database connection setting"`
	Quiet   bool   `flag:"" short:"q"`
	Verbose bool   `flag:"" short:"v"`

	Apply struct {
		IncludeTag []string `flag:"" short:"i" optional:"Tag name that is used for filtering data (for include)."`
		ExcludeTag []string `flag:"" short:"e" optional:"Tag name that is used for filtering data (for exclude)."`
		BatchSize  int      `flag:"" short:"b" default:"50"`
		Operation  string   `flag:"" short:"o" default:"clean-insert" help:"Operation for tables without an _operation entry."`
		Ordering   string   `flag:"" default:"auto" enum:"auto,foreign-key,alphabetical,load-order-file" help:"Table ordering strategy."`
		SourceFile string   `arg:"" type:"existingfile" help:"Data set file to apply"`
		Targets    []string `arg:"" optional:"" help:"Target table (default: all tables in source file)"`
	} `cmd:"" help:"Apply a data set to the database"`

	Verify struct {
		IncludeTag []string `flag:"" short:"i" optional:"Tag name that is used for filtering data (for include)."`
		ExcludeTag []string `flag:"" short:"e" optional:"Tag name that is used for filtering data (for exclude)."`
		SourceFile string   `arg:"" type:"existingfile"`
		Targets    []string `arg:"" optional:"" help:"Target table (default: all tables in source file)"`
	} `cmd:"" help:"Verify database content against a data set"`

	Order struct {
		Ordering   string `flag:"" default:"foreign-key" enum:"auto,foreign-key,alphabetical,load-order-file" help:"Table ordering strategy."`
		SourceFile string `arg:"" type:"existingfile"`
	} `cmd:"" help:"Show the resolved load order of a data set"`

	Http struct {
		Port uint16 `flag:"" short:"p" default:"8000"`
		Dir  string `arg:"" type:"existingdir"`
	} `cmd:""`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := godotenv.Load()
	if err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, errC(".env load error: %s\n"), errC(err.Error()))
		os.Exit(1)
	}

	kctx := kong.Parse(&cli)
	switch kctx.Command() {
	case "apply <source-file>":
		dbc := connect(ctx)
		data := loadDataSet(cli.Apply.SourceFile)

		var startTime time.Time
		opt := dbreconcile.ApplyOpt{
			DefaultOperation: dbreconcile.Operation(cli.Apply.Operation),
			BatchSize:        cli.Apply.BatchSize,
			IncludeTags:      cli.Apply.IncludeTag,
			ExcludeTags:      cli.Apply.ExcludeTag,
			TargetTables:     cli.Apply.Targets,
			Ordering: dbreconcile.OrderOpt{
				Strategy: dbreconcile.TableOrderingStrategy(cli.Apply.Ordering),
			},
			Callback: func(targetTable, task string, start bool, err error) {
				if cli.Quiet {
					return
				}
				taskC := writeTaskC
				switch task {
				case "delete", "delete-all", "truncate":
					taskC = deleteTaskC
				}
				if start {
					startTime = time.Now()
					fmt.Printf("%s: '%s' ...", taskC(task), nameC(targetTable))
				} else if err != nil {
					fmt.Printf(" %s\n    %s\n", errC("NG"), errC(err.Error()))
				} else {
					fmt.Printf(" %s (%s)\n", okC("OK"), infoC(time.Since(startTime)))
				}
			},
		}
		err = dbreconcile.Apply(ctx, dbc, data, opt)
		if err != nil {
			fmt.Fprintf(os.Stderr, errC("apply error: %s\n"), errC(err.Error()))
			os.Exit(1)
		}
	case "verify <source-file>":
		dbc := connect(ctx)
		data := loadDataSet(cli.Verify.SourceFile)

		var startTime time.Time
		ok, _, err := dbreconcile.Verify(ctx, dbc, data, dbreconcile.VerifyOpt{
			IncludeTags:  cli.Verify.IncludeTag,
			ExcludeTags:  cli.Verify.ExcludeTag,
			TargetTables: cli.Verify.Targets,
			Callback: func(targetTable string, start bool, err error) {
				if cli.Quiet {
					return
				}
				if start {
					startTime = time.Now()
					fmt.Printf("%s: '%s' ...", writeTaskC("fetching data"), nameC(targetTable))
				} else if err != nil {
					fmt.Printf(" %s\n    %s\n", errC("NG"), errC(err.Error()))
				} else {
					fmt.Printf(" %s (%s)\n", okC("OK"), infoC(time.Since(startTime)))
				}
			},
			DiffCallback: dbreconcile.DumpDiffCLICallback(false, cli.Quiet),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "verify error: %s\n", err.Error())
			os.Exit(1)
		}

		if !ok {
			fmt.Print(errC("Not Match\n"))
			os.Exit(1)
		} else {
			fmt.Print(okC("Match\n"))
		}
	case "order <source-file>":
		dbc := connect(ctx)
		data := loadDataSet(cli.Order.SourceFile)

		tables, err := dbreconcile.ResolveOrder(ctx, dbc, data.Tables, dbreconcile.OrderOpt{
			Strategy:  dbreconcile.TableOrderingStrategy(cli.Order.Ordering),
			LoadOrder: data.Order,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, errC("order error: %s\n"), errC(err.Error()))
			os.Exit(1)
		}
		for i, t := range tables {
			fmt.Printf("%d. %s\n", i+1, nameC(t.Name))
		}
	case "http <dir>":
		if cli.DB == "" {
			fmt.Fprintln(os.Stderr, errC("--db=<src> or DBRECONCILE_CONN envvar is required to specify database location."))
			os.Exit(1)
		}
		err := httpapi.Start(ctx, cli.Http.Dir, cli.DB, cli.Http.Port)
		if err != nil {
			fmt.Fprintf(os.Stderr, "server start error: %s\n", err.Error())
			os.Exit(1)
		}
	}
}

func connect(ctx context.Context) dbreconcile.DBConnector {
	if cli.DB == "" {
		fmt.Fprintln(os.Stderr, errC("--db=<src> or DBRECONCILE_CONN envvar is required to specify database location."))
		os.Exit(1)
	}
	dbc, err := dbreconcile.NewDBConnector(ctx, cli.DB)
	if err != nil {
		fmt.Fprintf(os.Stderr, errC("database location is invalid: %s\n"), errC(err.Error()))
		os.Exit(1)
	}
	return dbc
}

func loadDataSet(path string) *dbreconcile.DataSet {
	f, err := os.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, errC("can't read source file: %s\n"), errC(err.Error()))
		os.Exit(1)
	}
	defer f.Close()
	data, err := dbreconcile.ParseYAML(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, errC("data set file load error: %s\n"), errC(err.Error()))
		os.Exit(1)
	}
	return data
}
