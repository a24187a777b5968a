package store

import (
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	pay "github.com/birdhouse-social/birdpay/pkg"
)

// sqlStore is the journal over database/sql; queries are written with
// '?' placeholders and rebound for the driver's dialect.
type sqlStore struct {
	db       *sql.DB
	numbered bool // $1, $2 ... (postgres)
	errf     func(err error, where string) error
}

func (s sqlStore) q(query string) string {
	if !s.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s sqlStore) Close() {
	s.db.Close()
}

func (s sqlStore) SavePayment(p pay.PaymentRequest) error {
	data, err := json.Marshal(p)
	if err != nil {
		return s.errf(err, "SavePayment: json.Marshal")
	}
	_, err = s.db.Exec(s.q(`INSERT INTO payment (id, currency, network, status, confirmations, tx_hash, data, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			confirmations = excluded.confirmations,
			tx_hash = excluded.tx_hash,
			data = excluded.data,
			updated_at = excluded.updated_at`),
		p.ID, p.Currency, p.Network, p.Status, p.Confirmations, p.TxHash, string(data), formatTime(time.Now()))
	if err != nil {
		return s.errf(err, "SavePayment: insert")
	}
	return nil
}

func (s sqlStore) GetPayment(id pay.PaymentID) (pay.PaymentRequest, error) {
	row := s.db.QueryRow(s.q("SELECT data FROM payment WHERE id = ?"), id)
	var data string
	err := row.Scan(&data)
	if err == sql.ErrNoRows {
		return pay.PaymentRequest{}, pay.NewErr(pay.NotFound, "payment not found: %v", id)
	}
	if err != nil {
		return pay.PaymentRequest{}, s.errf(err, "GetPayment: row.Scan")
	}
	var p pay.PaymentRequest
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return pay.PaymentRequest{}, s.errf(err, "GetPayment: json.Unmarshal")
	}
	return p, nil
}

func (s sqlStore) RecordTransition(t pay.Transition) error {
	tx, err := s.db.Begin()
	if err != nil {
		return s.errf(err, "RecordTransition: begin")
	}
	defer tx.Rollback()

	var seq int
	row := tx.QueryRow(s.q("SELECT COALESCE(MAX(seq), 0) FROM payment_transition WHERE payment_id = ?"), t.Payment.ID)
	if err := row.Scan(&seq); err != nil {
		return s.errf(err, "RecordTransition: next seq")
	}
	_, err = tx.Exec(s.q(`INSERT INTO payment_transition
		(payment_id, seq, from_status, to_status, confirmations, tx_hash, source, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		t.Payment.ID, seq+1, t.From, t.To, t.Confirmations, t.Payment.TxHash, t.Source, formatTime(time.Now()))
	if err != nil {
		return s.errf(err, "RecordTransition: insert")
	}
	if err := tx.Commit(); err != nil {
		return s.errf(err, "RecordTransition: commit")
	}
	return nil
}

func (s sqlStore) ListTransitions(id pay.PaymentID) ([]pay.JournalEntry, error) {
	rows, err := s.db.Query(s.q(`SELECT seq, from_status, to_status, confirmations, tx_hash, source, recorded_at
		FROM payment_transition WHERE payment_id = ? ORDER BY seq`), id)
	if err != nil {
		return nil, s.errf(err, "ListTransitions: query")
	}
	defer rows.Close()
	var entries []pay.JournalEntry
	for rows.Next() {
		e := pay.JournalEntry{PaymentID: id}
		var at string
		if err := rows.Scan(&e.Seq, &e.From, &e.To, &e.Confirmations, &e.TxHash, &e.Source, &at); err != nil {
			return nil, s.errf(err, "ListTransitions: rows.Scan")
		}
		e.RecordedAt, _ = time.Parse(time.RFC3339Nano, at)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, s.errf(err, "ListTransitions: rows")
	}
	return entries, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
