package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// QueueStore persists the ordered job history as one row per entry. Every
// write replaces the whole table in a single transaction.
type QueueStore struct {
	db *sql.DB
}

func NewQueueStore(db *sql.DB) *QueueStore {
	return &QueueStore{db: db}
}

func (s *QueueStore) Read() ([]json.RawMessage, error) {
	rows, err := s.db.Query(ListQueueEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue entries: %w", err)
	}
	defer rows.Close()

	var records []json.RawMessage
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		records = append(records, json.RawMessage(body))
	}
	return records, rows.Err()
}

func (s *QueueStore) Write(records []json.RawMessage) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if _, err := tx.Exec(ClearQueueEntries); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to clear queue entries: %w", err)
	}

	stmt, err := tx.Prepare(InsertQueueEntry)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, rec := range records {
		if _, err := stmt.Exec(i, entryKey(rec), string(rec)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert queue entry %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit queue entries: %w", err)
	}
	return nil
}

// Count reports how many entries are stored.
func (s *QueueStore) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(CountQueueEntries).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count queue entries: %w", err)
	}
	return n, nil
}

func entryKey(rec json.RawMessage) string {
	var head struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(rec, &head); err != nil {
		return ""
	}
	return head.Key
}
