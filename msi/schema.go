package msi

import (
	"fmt"
	"sort"
)

// Column type bits of the _Columns table.
const (
	columnString = 0x0800
	columnWidth  = 0x00FF
)

// columnRaw is one row of the _Columns table. Integer cells carry a 0x8000
// bias.
type columnRaw struct {
	TableName  string
	Number     uint16
	ColumnName string
	Type       uint16
}

type column struct {
	Name   string
	Number int
	Type   uint16
}

// cells returns the number of 16-bit cells a value of the column takes.
func (c column) cells() int {
	if c.Type&columnString != 0 {
		return 1
	}
	if w := int(c.Type&columnWidth) / 2; w > 1 {
		return w
	}
	return 1
}

type schema map[string][]column

func decodeSchema(raw []uint16, stringTable []string) (schema, error) {
	var rows []columnRaw
	if err := parseTable(raw, stringTable, &rows); err != nil {
		return nil, fmt.Errorf("_Columns table: %w", err)
	}
	s := make(schema)
	for _, r := range rows {
		s[r.TableName] = append(s[r.TableName], column{
			Name:   r.ColumnName,
			Number: int(r.Number &^ 0x8000),
			Type:   r.Type &^ 0x8000,
		})
	}
	for _, cols := range s {
		sort.Slice(cols, func(a, b int) bool { return cols[a].Number < cols[b].Number })
	}
	return s, nil
}

// check fails if table is declared with a layout of other than cells
// cells per row. Tables missing from the schema pass.
func (s schema) check(table string, cells int) error {
	cols, ok := s[table]
	if !ok {
		return nil
	}
	var n int
	for _, c := range cols {
		n += c.cells()
	}
	if n != cells {
		return fmt.Errorf("%w: %s table has %d columns taking %d cells, want %d", ErrFormat, table, len(cols), n, cells)
	}
	return nil
}
