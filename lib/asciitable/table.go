/*
 * FaceAuth
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package asciitable implements a simple ASCII table formatter for
// printing tabular values into a text terminal.
package asciitable

import (
	"bytes"
	"fmt"
	"strings"
	"text/tabwriter"
)

// Table holds tabular values and renders them aligned.
type Table struct {
	columns []string
	rows    [][]string
}

// MakeTable creates a new table with the given column names, optionally
// pre-filled with rows.
func MakeTable(columns []string, rows ...[]string) Table {
	t := Table{columns: columns}
	for _, row := range rows {
		t.AddRow(row)
	}
	return t
}

// AddRow appends a row. Missing cells render empty; extra cells are
// dropped.
func (t *Table) AddRow(row []string) {
	if len(row) > len(t.columns) {
		row = row[:len(t.columns)]
	}
	t.rows = append(t.rows, row)
}

// AsBuffer renders the table.
func (t *Table) AsBuffer() *bytes.Buffer {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 5, 0, 1, ' ', 0)
	fmt.Fprintln(w, strings.Join(t.columns, "\t"))
	underlines := make([]string, len(t.columns))
	for i, column := range t.columns {
		underlines[i] = strings.Repeat("-", len(column))
	}
	fmt.Fprintln(w, strings.Join(underlines, "\t"))
	for _, row := range t.rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	w.Flush()
	return &buf
}

// String renders the table as a string.
func (t *Table) String() string {
	return t.AsBuffer().String()
}
