// Package dbreset brings a PostgreSQL database back to an empty state
// between test classes.
package dbreset

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

type Mode string

const (
	// ModeTruncate empties every table but keeps the schema.
	ModeTruncate Mode = "truncate"
	// ModeDropSchema drops and recreates the configured schemas.
	ModeDropSchema Mode = "drop-schema"
	// ModeNone leaves the database untouched.
	ModeNone Mode = "none"
)

type Config struct {
	DSN            string
	Mode           Mode
	Schemas        []string
	KeepTables     []string
	ConnectTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = ModeTruncate
	}
	if len(c.Schemas) == 0 {
		c.Schemas = []string{"public"}
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	return c
}

func (c Config) Validate() error {
	if c.DSN == "" && c.Mode != ModeNone {
		return errors.New("reset DSN is required")
	}
	switch c.Mode {
	case ModeTruncate, ModeDropSchema, ModeNone:
	default:
		return fmt.Errorf("unknown reset mode %q", c.Mode)
	}
	for _, schema := range c.Schemas {
		if strings.TrimSpace(schema) == "" {
			return errors.New("schema names must not be empty")
		}
	}
	return nil
}

// Resetter holds one connection to the database and reuses it across resets.
type Resetter struct {
	cfg Config

	mu   sync.Mutex
	conn *pgx.Conn
}

func New(cfg Config) (*Resetter, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Resetter{cfg: cfg}, nil
}

func (r *Resetter) Mode() Mode {
	return r.cfg.Mode
}

// Reset runs the configured reset in one transaction.
func (r *Resetter) Reset(ctx context.Context) error {
	if r.cfg.Mode == ModeNone {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	conn, err := r.connect(ctx)
	if err != nil {
		return err
	}

	statements, err := r.statements(ctx, conn)
	if err != nil {
		r.drop(ctx)
		return err
	}
	if len(statements) == 0 {
		return nil
	}

	err = pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
		for _, stmt := range statements {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("exec %q: %w", stmt, err)
			}
		}
		return nil
	})
	if err != nil {
		r.drop(ctx)
		return fmt.Errorf("reset database: %w", err)
	}
	return nil
}

// WaitReady pings the database until it answers or ctx is done.
func (r *Resetter) WaitReady(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		r.mu.Lock()
		conn, err := r.connect(ctx)
		if err == nil {
			err = conn.Ping(ctx)
			if err != nil {
				r.drop(ctx)
			}
		}
		r.mu.Unlock()
		if err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for database: %w", errors.Join(ctx.Err(), err))
		case <-ticker.C:
		}
	}
}

func (r *Resetter) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close(ctx)
	r.conn = nil
	return err
}

// connect must be called with r.mu held.
func (r *Resetter) connect(ctx context.Context) (*pgx.Conn, error) {
	if r.conn != nil && !r.conn.IsClosed() {
		return r.conn, nil
	}
	connectCtx, cancel := context.WithTimeout(ctx, r.cfg.ConnectTimeout)
	defer cancel()

	conn, err := pgx.Connect(connectCtx, r.cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	r.conn = conn
	return conn, nil
}

// drop must be called with r.mu held.
func (r *Resetter) drop(ctx context.Context) {
	if r.conn != nil {
		_ = r.conn.Close(ctx)
		r.conn = nil
	}
}

func (r *Resetter) statements(ctx context.Context, conn *pgx.Conn) ([]string, error) {
	switch r.cfg.Mode {
	case ModeDropSchema:
		return dropSchemaStatements(r.cfg.Schemas), nil
	default:
		tables, err := listTables(ctx, conn, r.cfg.Schemas)
		if err != nil {
			return nil, err
		}
		stmt := truncateStatement(tables, r.cfg.KeepTables)
		if stmt == "" {
			return nil, nil
		}
		return []string{stmt}, nil
	}
}

type table struct {
	Schema string
	Name   string
}

const listTablesQuery = `
SELECT schemaname, tablename
FROM pg_catalog.pg_tables
WHERE schemaname = ANY($1)
ORDER BY schemaname, tablename`

func listTables(ctx context.Context, conn *pgx.Conn, schemas []string) ([]table, error) {
	rows, err := conn.Query(ctx, listTablesQuery, schemas)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	tables, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (table, error) {
		var t table
		err := row.Scan(&t.Schema, &t.Name)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	return tables, nil
}

// truncateStatement builds a single TRUNCATE over every table not listed in
// keep. Entries of keep match either "name" or "schema.name".
func truncateStatement(tables []table, keep []string) string {
	var idents []string
	for _, t := range tables {
		if slices.Contains(keep, t.Name) || slices.Contains(keep, t.Schema+"."+t.Name) {
			continue
		}
		idents = append(idents, pgx.Identifier{t.Schema, t.Name}.Sanitize())
	}
	if len(idents) == 0 {
		return ""
	}
	return "TRUNCATE TABLE " + strings.Join(idents, ", ") + " RESTART IDENTITY CASCADE"
}

func dropSchemaStatements(schemas []string) []string {
	statements := make([]string, 0, 2*len(schemas))
	for _, schema := range schemas {
		ident := pgx.Identifier{schema}.Sanitize()
		statements = append(statements,
			"DROP SCHEMA IF EXISTS "+ident+" CASCADE",
			"CREATE SCHEMA "+ident,
		)
	}
	return statements
}
