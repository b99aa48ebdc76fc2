package main

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// tableSpec describes one rendered table. Right lists the 1-based numbers of the
// right-aligned columns.
type tableSpec struct {
	Headers []string
	Rows    [][]string
	Right   []int
}

func renderTable(spec tableSpec) string {
	if len(spec.Headers) == 0 {
		return ""
	}
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)

	header := make(table.Row, 0, len(spec.Headers))
	for _, h := range spec.Headers {
		header = append(header, h)
	}
	tw.AppendHeader(header)

	for _, row := range spec.Rows {
		r := make(table.Row, len(spec.Headers))
		for i := range r {
			r[i] = ""
			if i < len(row) {
				r[i] = row[i]
			}
		}
		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, 0, len(spec.Right))
	for _, n := range spec.Right {
		configs = append(configs, table.ColumnConfig{Number: n, Align: text.AlignRight, AlignHeader: text.AlignLeft})
	}
	tw.SetColumnConfigs(configs)
	return tw.Render() + "\n"
}
