package app

import (
	"context"
	"database/sql"
	"fmt"
)

const demoDataset = "demo"

// seedDemo creates a small demo dataset in an empty local DuckDB so the
// catalog and preview endpoints have something to show. Idempotent: a
// database that already has the dataset is left alone.
func seedDemo(ctx context.Context, db *sql.DB) error {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM information_schema.schemata WHERE schema_name = ?`, demoDataset).Scan(&n)
	if err != nil {
		return fmt.Errorf("check demo schema: %w", err)
	}
	if n > 0 {
		return nil
	}

	stmts := []string{
		`CREATE SCHEMA demo`,
		`CREATE TABLE demo.customers (
			id INTEGER, name VARCHAR, country VARCHAR, signed_up DATE
		)`,
		`INSERT INTO demo.customers VALUES
			(1, 'Ada', 'BE', DATE '2024-01-15'),
			(2, 'Grace', 'NL', DATE '2024-02-03'),
			(3, 'Linus', 'FI', DATE '2024-03-21'),
			(4, 'Barbara', 'US', DATE '2024-04-09')`,
		`CREATE TABLE demo.orders (
			id INTEGER, customer_id INTEGER, amount DECIMAL(10,2), placed_at TIMESTAMP
		)`,
		`INSERT INTO demo.orders VALUES
			(100, 1, 42.50, TIMESTAMP '2024-05-01 10:00:00'),
			(101, 1, 17.00, TIMESTAMP '2024-05-02 11:30:00'),
			(102, 2, 99.99, TIMESTAMP '2024-05-03 09:15:00'),
			(103, 3, 5.25, TIMESTAMP '2024-05-04 16:45:00')`,
		`CREATE VIEW demo.revenue_by_country AS
			SELECT c.country, SUM(o.amount) AS revenue
			FROM demo.orders o JOIN demo.customers c ON c.id = o.customer_id
			GROUP BY c.country`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("seed demo: %w", err)
		}
	}
	return nil
}
