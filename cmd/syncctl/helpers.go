package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
)

// parseFlags scans "--name value" pairs out of args, in any order, and
// returns the positional arguments left over.
func parseFlags(args []string, flags map[string]*string) []string {
	var positional []string
	for i := 0; i < len(args); i++ {
		a := args[i]
		if strings.HasPrefix(a, "--") {
			name := strings.TrimPrefix(a, "--")
			dst, ok := flags[name]
			if !ok {
				fatal("unknown flag: --" + name)
			}
			if i+1 >= len(args) {
				fatal("--" + name + " requires a value")
			}
			*dst = args[i+1]
			i++
			continue
		}
		positional = append(positional, a)
	}
	return positional
}

// printTable prints data in a formatted table.
func printTable(headers []string, rows [][]string) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(headers, "\t"))
	fmt.Fprintln(w, strings.Repeat("-\t", len(headers)))
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	w.Flush()
}
