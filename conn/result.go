package conn

import (
	"database/sql"
	"fmt"
)

// Row is one row of a result set, keyed by column name. Text and binary
// columns are given as strings; NULL is given as nil.
type Row map[string]any

// Result is the outcome of one statement.
type Result struct {
	// Columns lists the columns of the result set in order. It is empty for
	// statements that return no rows.
	Columns []string

	// Rows holds every row of the result set.
	Rows []Row

	// RowsAffected is the number of rows returned, or for statements that
	// return no rows, the number of rows changed.
	RowsAffected int64

	// LastInsertID is the AUTO_INCREMENT value generated by an INSERT.
	LastInsertID int64

	returnedRows bool
}

// Len returns the number of rows in the result set.
func (r *Result) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Rows)
}

// First returns the first row of the result set, or nil if there are none.
func (r *Result) First() Row {
	if r.Len() == 0 {
		return nil
	}
	return r.Rows[0]
}

// RowMap holds the rows of a result set indexed by the value of one column,
// in the order the server returned them.
type RowMap struct {
	// Keys lists the index values in order.
	Keys []string

	// Rows maps index values to rows.
	Rows map[string]Row
}

// Get returns the row with the given index value.
func (rm *RowMap) Get(key string) (Row, bool) {
	if rm == nil {
		return nil, false
	}
	row, ok := rm.Rows[key]
	return row, ok
}

// Len returns the number of rows.
func (rm *RowMap) Len() int {
	if rm == nil {
		return 0
	}
	return len(rm.Keys)
}

func readRows(rows *sql.Rows) (*Result, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	res := &Result{Columns: cols, returnedRows: true}

	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row %d: %w", len(res.Rows), err)
		}

		row := make(Row, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
			} else {
				row[c] = vals[i]
			}
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	res.RowsAffected = int64(len(res.Rows))
	return res, nil
}
