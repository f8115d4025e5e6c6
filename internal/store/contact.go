package store

import (
	"context"
	"database/sql"
	"fmt"
)

// UpsertContacts writes a batch of contacts in one transaction.
// Used to seed sender resolution from the provider's device store.
func (db *DB) UpsertContacts(ctx context.Context, contacts []Contact) error {
	if len(contacts) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, c := range contacts {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO contacts (external_id, name, push_name)
			VALUES (?, ?, ?)
			ON CONFLICT(external_id) DO UPDATE SET
				name = excluded.name,
				push_name = excluded.push_name`,
			c.ExternalID, c.Name, c.PushName); err != nil {
			return fmt.Errorf("upsert contact %s: %w", c.ExternalID, err)
		}
	}
	return tx.Commit()
}

// GetContactByExternalID returns a contact by provider identity, or nil.
func (db *DB) GetContactByExternalID(ctx context.Context, externalID string) (*Contact, error) {
	var c Contact
	err := db.QueryRowContext(ctx, `
		SELECT id, external_id, name, push_name FROM contacts WHERE external_id = ?`, externalID).
		Scan(&c.ID, &c.ExternalID, &c.Name, &c.PushName)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
