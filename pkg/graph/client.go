// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package graph

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Executor is the primitive every higher layer builds on: one Cypher
// statement in, parsed rows out. The facade and the services accept this
// interface so tests can substitute a fake.
type Executor interface {
	Execute(ctx context.Context, query string, params map[string]any, fetchOne bool) ([]Row, error)
}

// Config holds PostgreSQL connection details for the graph store.
type Config struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string

	// GraphName is the AGE graph to operate on.
	GraphName string

	// Pool sizing. Workers borrow one connection per statement; size the
	// pool for parallel workers plus headroom.
	MinConns int32
	MaxConns int32
}

// DefaultConfig returns connection defaults, honoring the standard
// POSTGRES_* environment variables.
func DefaultConfig() Config {
	cfg := Config{
		Host:      envOr("POSTGRES_HOST", "localhost"),
		Port:      5432,
		Database:  envOr("POSTGRES_DB", "knowledge_graph"),
		User:      envOr("POSTGRES_USER", "admin"),
		Password:  envOr("POSTGRES_PASSWORD", "password"),
		GraphName: "knowledge_graph",
		MinConns:  1,
		MaxConns:  20,
	}
	if p := os.Getenv("POSTGRES_PORT"); p != "" {
		fmt.Sscanf(p, "%d", &cfg.Port)
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Client issues Cypher statements against an Apache AGE graph backed by
// PostgreSQL. AGE does not support parameterized Cypher, so parameters are
// escaped and interpolated client-side (see Substitute).
type Client struct {
	pool      *pgxpool.Pool
	graphName string
	logger    *slog.Logger
}

// New creates a Client with a pooled connection. Each pooled connection
// loads the AGE extension and sets the search path once, at checkout time
// from libpq's perspective (AfterConnect).
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.GraphName == "" {
		cfg.GraphName = "knowledge_graph"
	}
	if cfg.MinConns == 0 {
		cfg.MinConns = 1
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 20
	}

	dsn := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s",
		cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.Password,
	)
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if _, err := conn.Exec(ctx, "LOAD 'age';"); err != nil {
			return fmt.Errorf("load age extension: %w", err)
		}
		if _, err := conn.Exec(ctx, `SET search_path = ag_catalog, "$user", public;`); err != nil {
			return fmt.Errorf("set search path: %w", err)
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("cannot connect to PostgreSQL at %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	return &Client{pool: pool, graphName: cfg.GraphName, logger: logger}, nil
}

// Pool exposes the underlying pool for the relational side tables
// (relationship_vocabulary, graph_metrics, kge_jobs). Graph queries must go
// through Execute.
func (c *Client) Pool() *pgxpool.Pool { return c.pool }

// GraphName returns the AGE graph this client operates on.
func (c *Client) GraphName() string { return c.graphName }

// Close releases all pooled connections.
func (c *Client) Close() {
	c.pool.Close()
}

// IsExpectedConflict reports whether an error is one of the concurrency
// conflicts that MERGE-with-retry treats as routine: two workers upserting
// the same entity at once. These are logged at DEBUG, everything else at
// ERROR.
func IsExpectedConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "already exists") ||
		strings.Contains(msg, "Entity failed to be updated")
}

// Execute runs a Cypher statement and returns parsed rows.
//
// The column specification is derived from the RETURN clause before
// parameter substitution (interpolated document text would otherwise
// interfere with the clause regex). With fetchOne, at most one row is
// returned.
func (c *Client) Execute(ctx context.Context, query string, params map[string]any, fetchOne bool) ([]Row, error) {
	colSpec := extractColumnSpec(query)

	substituted, err := Substitute(query, params)
	if err != nil {
		return nil, err
	}

	ageQuery := fmt.Sprintf(
		"SELECT * FROM cypher('%s', $$ %s $$) AS (%s);",
		c.graphName, substituted, colSpec,
	)

	rows, err := c.pool.Query(ctx, ageQuery)
	if err != nil {
		c.logQueryFailure(err, colSpec, substituted, params)
		return nil, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []Row
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		row := make(Row, len(fields))
		for i, fd := range fields {
			row[string(fd.Name)] = ParseAgtype(values[i])
		}
		out = append(out, row)
		if fetchOne {
			break
		}
	}
	if err := rows.Err(); err != nil {
		c.logQueryFailure(err, colSpec, substituted, params)
		return nil, err
	}
	return out, nil
}

// ExecuteOne is Execute with fetchOne semantics, returning nil when the
// query matched nothing.
func (c *Client) ExecuteOne(ctx context.Context, query string, params map[string]any) (Row, error) {
	rows, err := c.Execute(ctx, query, params, true)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

func (c *Client) logQueryFailure(err error, colSpec, query string, params map[string]any) {
	attrs := []any{
		slog.String("error", err.Error()),
		slog.String("column_spec", colSpec),
		slog.Int("query_length", len(query)),
		slog.String("query_head", truncate(query, 500)),
	}
	for k, v := range params {
		attrs = append(attrs, slog.String("param_"+k, truncate(fmt.Sprintf("%v", v), 200)))
	}
	if IsExpectedConflict(err) {
		c.logger.Debug("expected concurrency conflict (will retry)", attrs...)
		return
	}
	c.logger.Error("cypher query failed", attrs...)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
