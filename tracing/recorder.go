package tracing

import (
	"database/sql"
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"

	"github.com/fatih/structs"

	// Need to use SQLite connections.
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/xid"
	"github.com/tebeka/atexit"
)

// Recorder stores rows of flat structs in tables.
type Recorder interface {
	// CreateTable creates a table whose columns are the fields of sample.
	CreateTable(table string, sample any) error

	// Insert buffers a row. The row must have the type of the sample the
	// table was created with.
	Insert(table string, entry any) error

	// Flush writes all buffered rows.
	Flush() error

	// Close flushes and closes the database.
	Close() error
}

type table struct {
	structType reflect.Type
	insert     string
	entries    []any
}

// SQLiteRecorder is a Recorder that writes rows to SQLite in batches.
type SQLiteRecorder struct {
	db        *sql.DB
	batchSize int

	mu         sync.Mutex
	tables     map[string]*table
	entryCount int

	closeOnce sync.Once
	closeErr  error
}

// NewSQLiteRecorder creates a database at path + ".sqlite3". An empty path
// selects a unique name. Buffered rows are flushed when the process exits
// through atexit.
func NewSQLiteRecorder(path string, batchSize int) (*SQLiteRecorder, error) {
	if path == "" {
		path = "dcs_trace_" + xid.New().String()
	}

	filename := path + ".sqlite3"
	if _, err := os.Stat(filename); err == nil {
		return nil, fmt.Errorf("file %s already exists", filename)
	}

	db, err := sql.Open("sqlite3", filename)
	if err != nil {
		return nil, err
	}

	r := NewSQLiteRecorderWithDB(db, batchSize)
	atexit.Register(func() { _ = r.Close() })

	return r, nil
}

// NewSQLiteRecorderWithDB creates a recorder on an open database.
func NewSQLiteRecorderWithDB(db *sql.DB, batchSize int) *SQLiteRecorder {
	if batchSize < 1 {
		batchSize = 1
	}

	return &SQLiteRecorder{
		db:        db,
		batchSize: batchSize,
		tables:    make(map[string]*table),
	}
}

// DB returns the database written to.
func (r *SQLiteRecorder) DB() *sql.DB {
	return r.db
}

func isAllowedKind(kind reflect.Kind) bool {
	switch kind {
	case
		reflect.Bool,
		reflect.Int,
		reflect.Int8,
		reflect.Int16,
		reflect.Int32,
		reflect.Int64,
		reflect.Uint,
		reflect.Uint8,
		reflect.Uint16,
		reflect.Uint32,
		reflect.Uint64,
		reflect.Float32,
		reflect.Float64,
		reflect.String:
		return true
	default:
		return false
	}
}

// CreateTable implements Recorder.
func (r *SQLiteRecorder) CreateTable(name string, sample any) error {
	t := reflect.TypeOf(sample)
	if t == nil || t.Kind() != reflect.Struct {
		return fmt.Errorf("table %s: sample must be a struct", name)
	}

	for i := 0; i < t.NumField(); i++ {
		if !isAllowedKind(t.Field(i).Type.Kind()) {
			return fmt.Errorf("table %s: field %s has unsupported type %s",
				name, t.Field(i).Name, t.Field(i).Type)
		}
	}

	columns := structs.Names(sample)
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tables[name]; ok {
		return fmt.Errorf("table %s already exists", name)
	}

	query := "CREATE TABLE " + name + " (\n\t" + strings.Join(columns, ",\n\t") + "\n);"
	if _, err := r.db.Exec(query); err != nil {
		return fmt.Errorf("create table %s: %w", name, err)
	}

	r.tables[name] = &table{
		structType: t,
		insert:     "INSERT INTO " + name + " VALUES (" + placeholders + ")",
	}

	return nil
}

// Insert implements Recorder.
func (r *SQLiteRecorder) Insert(name string, entry any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tables[name]
	if !ok {
		return fmt.Errorf("table %s does not exist", name)
	}

	if reflect.TypeOf(entry) != t.structType {
		return fmt.Errorf("table %s: entry has type %T", name, entry)
	}

	t.entries = append(t.entries, entry)

	r.entryCount++
	if r.entryCount >= r.batchSize {
		return r.flushLocked()
	}

	return nil
}

// Flush implements Recorder.
func (r *SQLiteRecorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.flushLocked()
}

func (r *SQLiteRecorder) flushLocked() error {
	if r.entryCount == 0 {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}

	for name, t := range r.tables {
		if len(t.entries) == 0 {
			continue
		}

		stmt, err := tx.Prepare(t.insert)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("prepare insert into %s: %w", name, err)
		}

		for _, entry := range t.entries {
			if _, err := stmt.Exec(structs.Values(entry)...); err != nil {
				stmt.Close()
				_ = tx.Rollback()

				return fmt.Errorf("insert into %s: %w", name, err)
			}
		}

		stmt.Close()
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	for _, t := range r.tables {
		t.entries = nil
	}

	r.entryCount = 0

	return nil
}

// Close implements Recorder. Closing twice has no effect.
func (r *SQLiteRecorder) Close() error {
	r.closeOnce.Do(func() {
		if err := r.Flush(); err != nil {
			r.closeErr = err
			return
		}

		r.closeErr = r.db.Close()
	})

	return r.closeErr
}
