package pg

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/team-moca/moca-server/internal/store"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

const uniqueViolation = "23505"

func (s *Store) GetConnector(ctx context.Context, service string, connectorID int64) (store.Connector, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT connector_id, connector_type, user_id, COALESCE(external_id,''), is_finished, created_at
		FROM connectors WHERE upper(connector_type)=upper($1) AND connector_id=$2
	`, service, connectorID)
	return scanConnector(row)
}

func (s *Store) GetConnectorByID(ctx context.Context, userID, connectorID int64) (store.Connector, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT connector_id, connector_type, user_id, COALESCE(external_id,''), is_finished, created_at
		FROM connectors WHERE user_id=$1 AND connector_id=$2
	`, userID, connectorID)
	return scanConnector(row)
}

func (s *Store) ListConnectors(ctx context.Context, userID int64) ([]store.Connector, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT connector_id, connector_type, user_id, COALESCE(external_id,''), is_finished, created_at
		FROM connectors WHERE user_id=$1 ORDER BY connector_id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Connector
	for rows.Next() {
		var c store.Connector
		if err := rows.Scan(&c.ConnectorID, &c.ConnectorType, &c.UserID, &c.ExternalID, &c.IsFinished, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) InsertConnector(ctx context.Context, connectorType string, userID int64, now time.Time) (store.Connector, error) {
	row := s.DB.QueryRow(ctx, `
		INSERT INTO connectors (connector_type, user_id, is_finished, created_at)
		VALUES ($1, $2, FALSE, $3)
		RETURNING connector_id
	`, connectorType, userID, now)
	c := store.Connector{ConnectorType: connectorType, UserID: userID, CreatedAt: now}
	if err := row.Scan(&c.ConnectorID); err != nil {
		return store.Connector{}, err
	}
	return c, nil
}

// FinishConnector flips the finished flag exactly once and records the
// connector's external identity.
func (s *Store) FinishConnector(ctx context.Context, connectorID int64, externalID string) error {
	ct, err := s.DB.Exec(ctx, `
		UPDATE connectors SET external_id=$2, is_finished=TRUE
		WHERE connector_id=$1 AND is_finished=FALSE
	`, connectorID, externalID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return store.ErrConnectorFinished
	}
	return nil
}

func (s *Store) DeleteConnector(ctx context.Context, userID, connectorID int64) error {
	_, err := s.DB.Exec(ctx, `
		DELETE FROM connectors WHERE user_id=$1 AND connector_id=$2
	`, userID, connectorID)
	return err
}

// UpsertContact replaces all fields on conflict (last write wins).
func (s *Store) UpsertContact(ctx context.Context, c store.Contact) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO contacts (contact_id, external_id, service_id, connector_id, name, username, phone, avatar, is_self)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (contact_id) DO UPDATE SET
			external_id=EXCLUDED.external_id,
			service_id=EXCLUDED.service_id,
			connector_id=EXCLUDED.connector_id,
			name=EXCLUDED.name,
			username=EXCLUDED.username,
			phone=EXCLUDED.phone,
			avatar=EXCLUDED.avatar,
			is_self=EXCLUDED.is_self
	`, c.ContactID, nullIfEmpty(c.ExternalID), c.ServiceID, c.ConnectorID,
		c.Name, c.Username, c.Phone, c.Avatar, c.IsSelf)
	return err
}

func (s *Store) GetContactByExternal(ctx context.Context, connectorID int64, externalID string) (store.Contact, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT contact_id, COALESCE(external_id,''), service_id, connector_id,
		       COALESCE(name,''), COALESCE(username,''), COALESCE(phone,''), COALESCE(avatar,''), is_self
		FROM contacts WHERE connector_id=$1 AND external_id=$2
	`, connectorID, externalID)
	return scanContact(row)
}

func (s *Store) GetContact(ctx context.Context, contactID int64) (store.Contact, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT contact_id, COALESCE(external_id,''), service_id, connector_id,
		       COALESCE(name,''), COALESCE(username,''), COALESCE(phone,''), COALESCE(avatar,''), is_self
		FROM contacts WHERE contact_id=$1
	`, contactID)
	return scanContact(row)
}

func (s *Store) ListContacts(ctx context.Context, userID int64) ([]store.Contact, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT c.contact_id, COALESCE(c.external_id,''), c.service_id, c.connector_id,
		       COALESCE(c.name,''), COALESCE(c.username,''), COALESCE(c.phone,''), COALESCE(c.avatar,''), c.is_self
		FROM contacts c
		JOIN connectors k ON k.connector_id = c.connector_id
		WHERE k.user_id=$1 ORDER BY c.name
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Contact
	for rows.Next() {
		var c store.Contact
		if err := rows.Scan(&c.ContactID, &c.ExternalID, &c.ServiceID, &c.ConnectorID,
			&c.Name, &c.Username, &c.Phone, &c.Avatar, &c.IsSelf); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) UpsertChat(ctx context.Context, c store.Chat) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO chats (chat_id, external_id, connector_id, name, is_muted, is_archived, pin_position)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (chat_id) DO UPDATE SET
			external_id=EXCLUDED.external_id,
			connector_id=EXCLUDED.connector_id,
			name=EXCLUDED.name,
			is_muted=EXCLUDED.is_muted,
			is_archived=EXCLUDED.is_archived,
			pin_position=EXCLUDED.pin_position
	`, c.ChatID, c.ExternalID, c.ConnectorID, c.Name, c.IsMuted, c.IsArchived, c.PinPosition)
	return err
}

func (s *Store) GetChat(ctx context.Context, chatID int64) (store.Chat, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT chat_id, external_id, connector_id, COALESCE(name,''), is_muted, is_archived, pin_position
		FROM chats WHERE chat_id=$1
	`, chatID)
	var c store.Chat
	err := row.Scan(&c.ChatID, &c.ExternalID, &c.ConnectorID, &c.Name, &c.IsMuted, &c.IsArchived, &c.PinPosition)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Chat{}, false, nil
	}
	if err != nil {
		return store.Chat{}, false, err
	}
	return c, true, nil
}

func (s *Store) ListChats(ctx context.Context, userID int64) ([]store.Chat, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT c.chat_id, c.external_id, c.connector_id, COALESCE(c.name,''), c.is_muted, c.is_archived, c.pin_position
		FROM chats c
		JOIN connectors k ON k.connector_id = c.connector_id
		WHERE k.user_id=$1
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Chat
	for rows.Next() {
		var c store.Chat
		if err := rows.Scan(&c.ChatID, &c.ExternalID, &c.ConnectorID, &c.Name, &c.IsMuted, &c.IsArchived, &c.PinPosition); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) SetChatMuted(ctx context.Context, chatID int64, muted bool) error {
	_, err := s.DB.Exec(ctx, `UPDATE chats SET is_muted=$2 WHERE chat_id=$1`, chatID, muted)
	return err
}

func (s *Store) SetChatArchived(ctx context.Context, chatID int64, archived bool) error {
	_, err := s.DB.Exec(ctx, `UPDATE chats SET is_archived=$2 WHERE chat_id=$1`, chatID, archived)
	return err
}

func (s *Store) SetChatPin(ctx context.Context, chatID int64, position *int) error {
	_, err := s.DB.Exec(ctx, `UPDATE chats SET pin_position=$2 WHERE chat_id=$1`, chatID, position)
	return err
}

func (s *Store) DeleteChat(ctx context.Context, chatID int64) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE chat_id=$1`, chatID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM chat_participants WHERE chat_id=$1`, chatID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM chats WHERE chat_id=$1`, chatID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// AddChatParticipant inserts the association row. A duplicate insert maps
// to store.ErrDuplicateAssociation so callers can treat it as success.
func (s *Store) AddChatParticipant(ctx context.Context, contactID, chatID int64) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO chat_participants (contact_id, chat_id) VALUES ($1,$2)
	`, contactID, chatID)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return store.ErrDuplicateAssociation
	}
	return err
}

func (s *Store) UpsertMessage(ctx context.Context, m store.Message) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO messages (message_id, external_id, contact_id, chat_id, content, sent_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (message_id) DO UPDATE SET
			external_id=EXCLUDED.external_id,
			contact_id=EXCLUDED.contact_id,
			chat_id=EXCLUDED.chat_id,
			content=EXCLUDED.content,
			sent_at=EXCLUDED.sent_at
	`, m.MessageID, m.ExternalID, m.ContactID, m.ChatID, []byte(m.Content), m.SentAt)
	return err
}

func (s *Store) ListMessages(ctx context.Context, chatID int64, limit, offset int) ([]store.Message, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT message_id, external_id, contact_id, chat_id, content, sent_at
		FROM messages WHERE chat_id=$1
		ORDER BY sent_at DESC LIMIT $2 OFFSET $3
	`, chatID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Message
	for rows.Next() {
		var m store.Message
		var content []byte
		if err := rows.Scan(&m.MessageID, &m.ExternalID, &m.ContactID, &m.ChatID, &content, &m.SentAt); err != nil {
			return nil, err
		}
		m.Content = content
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) LastMessage(ctx context.Context, chatID int64) (store.Message, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT message_id, external_id, contact_id, chat_id, content, sent_at
		FROM messages WHERE chat_id=$1
		ORDER BY sent_at DESC LIMIT 1
	`, chatID)
	var m store.Message
	var content []byte
	err := row.Scan(&m.MessageID, &m.ExternalID, &m.ContactID, &m.ChatID, &content, &m.SentAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Message{}, false, nil
	}
	if err != nil {
		return store.Message{}, false, err
	}
	m.Content = content
	return m, true, nil
}

func (s *Store) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	_, err := s.DB.Exec(ctx, `
		DELETE FROM messages WHERE chat_id=$1 AND message_id=$2
	`, chatID, messageID)
	return err
}

func scanConnector(row pgx.Row) (store.Connector, bool, error) {
	var c store.Connector
	err := row.Scan(&c.ConnectorID, &c.ConnectorType, &c.UserID, &c.ExternalID, &c.IsFinished, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Connector{}, false, nil
	}
	if err != nil {
		return store.Connector{}, false, err
	}
	return c, true, nil
}

func scanContact(row pgx.Row) (store.Contact, bool, error) {
	var c store.Contact
	err := row.Scan(&c.ContactID, &c.ExternalID, &c.ServiceID, &c.ConnectorID,
		&c.Name, &c.Username, &c.Phone, &c.Avatar, &c.IsSelf)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Contact{}, false, nil
	}
	if err != nil {
		return store.Contact{}, false, err
	}
	return c, true, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
