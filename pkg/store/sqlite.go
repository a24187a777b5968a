package store

import (
	"database/sql"

	pay "github.com/birdhouse-social/birdpay/pkg"

	_ "github.com/mattn/go-sqlite3"
)

var SETUP_SQL string = `
CREATE TABLE IF NOT EXISTS payment (
	id TEXT NOT NULL PRIMARY KEY,
	currency TEXT NOT NULL,
	network TEXT NOT NULL,
	status TEXT NOT NULL,
	confirmations INTEGER NOT NULL,
	tx_hash TEXT NOT NULL,
	data TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS payment_transition (
	payment_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	from_status TEXT NOT NULL,
	to_status TEXT NOT NULL,
	confirmations INTEGER NOT NULL,
	tx_hash TEXT NOT NULL,
	source TEXT NOT NULL,
	recorded_at TEXT NOT NULL,
	PRIMARY KEY (payment_id, seq)
);
`

// interface guard ensures SQLite implements pay.Store
var _ pay.Store = SQLite{}

type SQLite struct {
	sqlStore
}

// NewSQLite returns a pay.Store that journals to a sqlite file
// (or ":memory:").
func NewSQLite(fileName string) (SQLite, error) {
	db, err := sql.Open("sqlite3", fileName)
	if err != nil {
		return SQLite{}, sqliteErr(err, "opening database")
	}
	// one connection: sqlite serialises writers anyway, and every
	// connection to ":memory:" would be a separate database
	db.SetMaxOpenConns(1)
	// init tables / indexes
	_, err = db.Exec(SETUP_SQL)
	if err != nil {
		db.Close()
		return SQLite{}, sqliteErr(err, "creating database schema")
	}
	return SQLite{sqlStore{db: db, errf: sqliteErr}}, nil
}

func sqliteErr(err error, where string) error {
	return pay.NewErr(pay.NotAvailable, "SQLite error: %s: %v", where, err)
}
