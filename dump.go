package dbreconcile

import (
	"fmt"

	"github.com/fatih/color"
)

var okC = color.New(color.FgGreen).SprintFunc()
var nameC = color.New(color.FgBlue, color.Bold).SprintfFunc()
var structC = color.New(color.FgYellow).SprintfFunc()
var expectLC = color.New(color.FgGreen).SprintfFunc()
var expectTC = color.New(color.BgGreen, color.FgBlack).SprintfFunc()
var actualLC = color.New(color.FgRed).SprintfFunc()
var actualTC = color.New(color.BgRed, color.FgBlack).SprintfFunc()

// DumpDiffCLICallback returns a DiffCallback that prints each table's result
// to standard output with colors. Matching tables print a short OK line
// unless quiet is set.
func DumpDiffCLICallback(showTableName, quiet bool) func(result *CompareResult) {
	return func(result *CompareResult) {
		if showTableName {
			fmt.Print(nameC("Table: %s\n", result.Table))
		}
		if result.OK() {
			if !quiet {
				fmt.Printf(" %s\n", okC("OK"))
			}
			return
		}
		fmt.Print(expectLC("- Expected\n"))
		fmt.Print(actualLC("+ Actual\n"))
		for _, d := range result.Discrepancies {
			switch d.Kind {
			case CellDiscrepancy:
				fmt.Printf("row %d, %s: ", d.Row, d.Column)
				fmt.Print(expectTC("%s", d.Expected))
				fmt.Print(" ")
				fmt.Print(actualTC("%s", d.Actual))
				fmt.Print("\n")
			default:
				fmt.Print(structC("%s\n", d.Message))
			}
		}
		fmt.Print("\n")
	}
}
