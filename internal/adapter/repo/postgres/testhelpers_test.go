package postgres_test

import (
	"context"
	"errors"
	"reflect"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// rowStub implements pgx.Row
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

// rowsStub implements the subset of pgx.Rows the repos touch. The embedded
// interface covers the rest; unused methods would nil-panic if ever called.
type rowsStub struct {
	pgx.Rows
	rows [][]any
	idx  int
	err  error
}

func (r *rowsStub) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *rowsStub) Scan(dest ...any) error {
	row := r.rows[r.idx-1]
	if len(dest) != len(row) {
		return errors.New("scan arity mismatch")
	}
	for i, v := range row {
		if err := assign(dest[i], v); err != nil {
			return err
		}
	}
	return nil
}

func (r *rowsStub) Close()    {}
func (r *rowsStub) Err() error { return r.err }

// txStub implements the subset of pgx.Tx that Close paths use.
type txStub struct {
	pgx.Tx
	execs        []string
	execArgs     [][]any
	execTags     []pgconn.CommandTag
	execErrs     []error
	queryRowSQL  []string
	queryRowArgs [][]any
	row          rowStub
	committed    bool
	rolledBack   bool
}

func (t *txStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	i := len(t.execs)
	t.execs = append(t.execs, sql)
	t.execArgs = append(t.execArgs, args)
	var tag pgconn.CommandTag
	var err error
	if i < len(t.execTags) {
		tag = t.execTags[i]
	}
	if i < len(t.execErrs) {
		err = t.execErrs[i]
	}
	return tag, err
}

func (t *txStub) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	t.queryRowSQL = append(t.queryRowSQL, sql)
	t.queryRowArgs = append(t.queryRowArgs, args)
	if t.row.scan == nil {
		return rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}
	}
	return t.row
}

func (t *txStub) Commit(context.Context) error   { t.committed = true; return nil }
func (t *txStub) Rollback(context.Context) error { t.rolledBack = true; return nil }

// poolStub implements postgres.PgxPool for tests.
type poolStub struct {
	execSQL  []string
	execArgs [][]any
	execTag  pgconn.CommandTag
	execErr  error
	row      rowStub
	rows     *rowsStub
	queryErr error
	tx       *txStub
	beginErr error
}

func (p *poolStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.execSQL = append(p.execSQL, sql)
	p.execArgs = append(p.execArgs, args)
	return p.execTag, p.execErr
}

func (p *poolStub) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	if p.row.scan == nil {
		return rowStub{scan: func(_ ...any) error { return errors.New("no row configured") }}
	}
	return p.row
}

func (p *poolStub) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	if p.queryErr != nil {
		return nil, p.queryErr
	}
	return p.rows, nil
}

func (p *poolStub) BeginTx(_ context.Context, _ pgx.TxOptions) (pgx.Tx, error) {
	if p.beginErr != nil {
		return nil, p.beginErr
	}
	return p.tx, nil
}

// assign copies a stub value into a scan destination, converting between
// compatible types (string into domain enums and the like).
func assign(dest, v any) error {
	dv := reflect.ValueOf(dest)
	if dv.Kind() != reflect.Pointer {
		return errors.New("scan dest is not a pointer")
	}
	elem := dv.Elem()
	if v == nil {
		elem.Set(reflect.Zero(elem.Type()))
		return nil
	}
	val := reflect.ValueOf(v)
	switch {
	case val.Type().AssignableTo(elem.Type()):
		elem.Set(val)
	case val.Type().ConvertibleTo(elem.Type()):
		elem.Set(val.Convert(elem.Type()))
	default:
		return errors.New("incompatible scan types")
	}
	return nil
}
