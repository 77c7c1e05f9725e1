package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/tsawler/go-mpsgraph/mpsgraph"
	"github.com/tsawler/go-mpsgraph/objc"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	cellStyle = lipgloss.NewStyle().Padding(0, 1)

	nameStyle = cellStyle.
			Foreground(lipgloss.Color("#98FB98"))

	extensionStyle = cellStyle.
			Foreground(lipgloss.Color("#87CEEB"))

	unsupportedStyle = cellStyle.
				Foreground(lipgloss.Color("#FF6B6B"))
)

type filter struct {
	class    string
	platform objc.Platform
	version  string
}

// row is one entry point as listed.
type row struct {
	binding mpsgraph.Binding
	// status is "yes", or the version needed, when a version was given.
	status string
}

func (r row) available() bool { return r.status == "" || r.status == "yes" }

func collect(bindings []mpsgraph.Binding, f filter) []row {
	var rows []row
	for _, b := range bindings {
		if f.class != "" && b.Class != f.class {
			continue
		}
		r := row{binding: b}
		if f.version != "" {
			r.status = "yes"
			if err := b.Available.Check(b.Selector, f.platform, f.version); err != nil {
				need := b.Available.Introduced(f.platform)
				if need == "" {
					need = "unavailable"
				}
				r.status = "needs " + need
			}
		}
		rows = append(rows, r)
	}
	return rows
}

func header(withStatus bool) []string {
	h := []string{"Entry point", "Go name", "Kind", "Ownership", "Since"}
	if withStatus {
		h = append(h, "Available")
	}
	return h
}

func fields(r row, withStatus bool) []string {
	b := r.binding
	f := []string{b.String(), b.GoName, b.Kind.String(), b.Ownership().String(), b.Available.String()}
	if withStatus {
		f = append(f, r.status)
	}
	return f
}

func renderTable(rows []row, withStatus bool) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(header(withStatus)...).
		StyleFunc(func(i, col int) lipgloss.Style {
			if i == table.HeaderRow {
				return headerStyle
			}
			r := rows[i]
			switch {
			case !r.available():
				return unsupportedStyle
			case col == 1 && r.binding.Extension:
				return extensionStyle
			case col == 1:
				return nameStyle
			}
			return cellStyle
		})
	for _, r := range rows {
		t.Row(fields(r, withStatus)...)
	}
	return t.Render()
}

func renderPlain(w io.Writer, rows []row, withStatus bool) error {
	if _, err := fmt.Fprintln(w, strings.Join(header(withStatus), "\t")); err != nil {
		return err
	}
	for _, r := range rows {
		if _, err := fmt.Fprintln(w, strings.Join(fields(r, withStatus), "\t")); err != nil {
			return err
		}
	}
	return nil
}
