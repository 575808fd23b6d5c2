// Package warehousetest seeds an in-memory sqlite warehouse matching the semantictest layer
package warehousetest

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

// Schema creates the tables referenced by semantictest.LayerYAML. Deposit balances
// only cover January 2026.
const Schema = `
CREATE TABLE dim_branch (id INTEGER PRIMARY KEY, region TEXT, name TEXT, status TEXT);
CREATE TABLE dim_customer (id INTEGER PRIMARY KEY, segment TEXT, status TEXT, id_number TEXT);
CREATE TABLE dim_calendar (day TEXT PRIMARY KEY, fiscal_quarter TEXT);
CREATE TABLE dim_campaign (id INTEGER PRIMARY KEY, name TEXT);
CREATE TABLE fact_deposit_balance_daily (
	biz_date TEXT, branch_id INTEGER, customer_id INTEGER, account_id INTEGER, currency TEXT, balance REAL
);
CREATE TABLE fact_loan_balance_daily (biz_date TEXT, customer_id INTEGER, balance REAL);
CREATE TABLE fact_web_traffic (campaign_id INTEGER, channel TEXT, views INTEGER);

INSERT INTO dim_branch VALUES (1, 'region_A', 'Central', 'open'), (2, 'region_B', 'Harbor', 'open');
INSERT INTO dim_customer VALUES (10, 'retail', 'active', 'X100'), (11, 'corporate', 'active', 'X200');
INSERT INTO dim_calendar VALUES ('2026-01-01', 'FY26Q1'), ('2026-01-15', 'FY26Q1'), ('2026-01-31', 'FY26Q1');
INSERT INTO dim_campaign VALUES (1, 'spring launch');
INSERT INTO fact_deposit_balance_daily VALUES
	('2026-01-01', 1, 10, 100, 'USD', 1000.0),
	('2026-01-01', 2, 11, 101, 'EUR', 2500.0),
	('2026-01-15', 1, 11, 102, 'USD', 1500.0),
	('2026-01-31', 2, 10, 103, 'USD', 500.0);
INSERT INTO fact_loan_balance_daily VALUES ('2026-01-01', 10, 300.0), ('2026-01-15', 11, 700.0);
INSERT INTO fact_web_traffic VALUES (1, 'email', 10), (1, 'social', 25);
`

// Open returns a seeded in-memory database closed when the test ends
func Open(t testing.TB) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	if _, err := db.Exec(Schema); err != nil {
		t.Fatalf("seed warehouse: %v", err)
	}
	return db
}

// Truncate empties a table
func Truncate(t testing.TB, db *sql.DB, table string) {
	t.Helper()
	if _, err := db.Exec("DELETE FROM " + table); err != nil {
		t.Fatalf("truncate %s: %v", table, err)
	}
}
