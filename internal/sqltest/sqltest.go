// Package sqltest provides small pgx fakes for exercising components that
// speak infra.SQLExecutor without a database.
package sqltest

import (
	"fmt"
	"reflect"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Tag builds a command tag reporting n affected rows.
func Tag(op string, n int) pgconn.CommandTag {
	return pgconn.NewCommandTag(fmt.Sprintf("%s %d", op, n))
}

// Row adapts a scan function to pgx.Row.
type Row struct {
	ScanFunc func(dest ...any) error
}

func (r Row) Scan(dest ...any) error {
	if r.ScanFunc == nil {
		return pgx.ErrNoRows
	}
	return r.ScanFunc(dest...)
}

// ValuesRow scans a fixed value tuple into the destinations.
func ValuesRow(values ...any) Row {
	return Row{ScanFunc: func(dest ...any) error {
		return assign(dest, values)
	}}
}

// Rows serves fixed value tuples as pgx.Rows.
type Rows struct {
	Data [][]any

	index   int
	scanErr error
}

func NewRows(data [][]any) *Rows {
	return &Rows{Data: data}
}

func (r *Rows) Close()                                       {}
func (r *Rows) Err() error                                   { return r.scanErr }
func (r *Rows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *Rows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *Rows) RawValues() [][]byte                          { return nil }
func (r *Rows) Conn() *pgx.Conn                              { return nil }

func (r *Rows) Values() ([]any, error) {
	if r.index == 0 || r.index > len(r.Data) {
		return nil, fmt.Errorf("sqltest: no current row")
	}
	return r.Data[r.index-1], nil
}

func (r *Rows) Next() bool {
	if r.index >= len(r.Data) {
		return false
	}
	r.index++
	return true
}

func (r *Rows) Scan(dest ...any) error {
	if r.index == 0 || r.index > len(r.Data) {
		return fmt.Errorf("sqltest: scan without next")
	}
	if err := assign(dest, r.Data[r.index-1]); err != nil {
		r.scanErr = err
		return err
	}
	return nil
}

var _ pgx.Rows = (*Rows)(nil)

// assign copies values into scan destinations, converting across compatible
// kinds (string enums, numeric widths) the way a driver would.
func assign(dest, values []any) error {
	if len(dest) != len(values) {
		return fmt.Errorf("sqltest: %d destinations for %d values", len(dest), len(values))
	}
	for i, d := range dest {
		dv := reflect.ValueOf(d)
		if dv.Kind() != reflect.Pointer || dv.IsNil() {
			return fmt.Errorf("sqltest: destination %d is not a pointer", i)
		}
		target := dv.Elem()
		if values[i] == nil {
			target.SetZero()
			continue
		}
		sv := reflect.ValueOf(values[i])
		if !sv.Type().ConvertibleTo(target.Type()) {
			return fmt.Errorf("sqltest: cannot assign %T to %s", values[i], target.Type())
		}
		target.Set(sv.Convert(target.Type()))
	}
	return nil
}
