//go:build integration
// +build integration

package pg

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/team-moca/moca-server/internal/ident"
	"github.com/team-moca/moca-server/internal/store"
)

func setupTestDB(t *testing.T) (*pgxpool.Pool, func()) {
	t.Helper()

	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN not set")
	}

	ctx := context.Background()
	schema := fmt.Sprintf("test_%d", time.Now().UnixNano())

	admin, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect admin db: %v", err)
	}
	if _, err := admin.Exec(ctx, "CREATE SCHEMA "+schema); err != nil {
		admin.Close()
		t.Fatalf("create schema: %v", err)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		admin.Close()
		t.Fatalf("parse dsn: %v", err)
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema

	db, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		admin.Close()
		t.Fatalf("connect test db: %v", err)
	}

	ddl, err := os.ReadFile("schema.sql")
	if err != nil {
		db.Close()
		admin.Close()
		t.Fatalf("read schema: %v", err)
	}
	if _, err := db.Exec(ctx, string(ddl)); err != nil {
		db.Close()
		admin.Close()
		t.Fatalf("apply schema: %v", err)
	}

	cleanup := func() {
		db.Close()
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		admin.Close()
	}
	return db, cleanup
}

func seedUser(t *testing.T, db *pgxpool.Pool) int64 {
	t.Helper()
	var userID int64
	err := db.QueryRow(context.Background(), `
		INSERT INTO users (username) VALUES ('tester') RETURNING user_id
	`).Scan(&userID)
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return userID
}

func TestConnectorLifecycle(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	st := New(db)
	userID := seedUser(t, db)

	conn, err := st.InsertConnector(ctx, "TELEGRAM", userID, time.Now().UTC())
	if err != nil {
		t.Fatalf("insert connector: %v", err)
	}

	if err := st.FinishConnector(ctx, conn.ConnectorID, "1000"); err != nil {
		t.Fatalf("finish connector: %v", err)
	}
	if err := st.FinishConnector(ctx, conn.ConnectorID, "2000"); err != store.ErrConnectorFinished {
		t.Fatalf("expected ErrConnectorFinished on second finish, got %v", err)
	}

	got, found, err := st.GetConnector(ctx, "telegram", conn.ConnectorID)
	if err != nil || !found {
		t.Fatalf("get connector: found=%v err=%v", found, err)
	}
	if got.ExternalID != "1000" || !got.IsFinished {
		t.Fatalf("unexpected connector state: %+v", got)
	}
}

func TestUpsertIdempotence(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	st := New(db)
	userID := seedUser(t, db)
	conn, err := st.InsertConnector(ctx, "TELEGRAM", userID, time.Now().UTC())
	if err != nil {
		t.Fatalf("insert connector: %v", err)
	}

	contact := store.Contact{
		ContactID:   ident.LocalID(conn.ConnectorID, "77"),
		ExternalID:  "77",
		ServiceID:   "TELEGRAM",
		ConnectorID: conn.ConnectorID,
		Name:        "Ada",
		Phone:       "00441815551815",
	}
	for i := 0; i < 3; i++ {
		if err := st.UpsertContact(ctx, contact); err != nil {
			t.Fatalf("upsert contact round %d: %v", i, err)
		}
	}

	// replaying with a field omitted must clear it, not keep the old value
	contact.Phone = ""
	if err := st.UpsertContact(ctx, contact); err != nil {
		t.Fatalf("upsert contact: %v", err)
	}
	got, found, err := st.GetContactByExternal(ctx, conn.ConnectorID, "77")
	if err != nil || !found {
		t.Fatalf("get contact: found=%v err=%v", found, err)
	}
	if got.Phone != "" {
		t.Fatalf("expected phone cleared, got %q", got.Phone)
	}

	contacts, err := st.ListContacts(ctx, userID)
	if err != nil {
		t.Fatalf("list contacts: %v", err)
	}
	if len(contacts) != 1 {
		t.Fatalf("expected 1 contact after replays, got %d", len(contacts))
	}
}

func TestDuplicateParticipant(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	st := New(db)
	userID := seedUser(t, db)
	conn, err := st.InsertConnector(ctx, "TELEGRAM", userID, time.Now().UTC())
	if err != nil {
		t.Fatalf("insert connector: %v", err)
	}

	contactID := ident.LocalID(conn.ConnectorID, "77")
	chatID := ident.LocalID(conn.ConnectorID, "c-1")
	if err := st.UpsertContact(ctx, store.Contact{
		ContactID: contactID, ExternalID: "77", ServiceID: "TELEGRAM", ConnectorID: conn.ConnectorID,
	}); err != nil {
		t.Fatalf("upsert contact: %v", err)
	}
	if err := st.UpsertChat(ctx, store.Chat{
		ChatID: chatID, ExternalID: "c-1", ConnectorID: conn.ConnectorID, Name: "club",
	}); err != nil {
		t.Fatalf("upsert chat: %v", err)
	}

	if err := st.AddChatParticipant(ctx, contactID, chatID); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := st.AddChatParticipant(ctx, contactID, chatID); err != store.ErrDuplicateAssociation {
		t.Fatalf("expected ErrDuplicateAssociation, got %v", err)
	}
}

func TestDeleteChatRemovesDependents(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	st := New(db)
	userID := seedUser(t, db)
	conn, err := st.InsertConnector(ctx, "TELEGRAM", userID, time.Now().UTC())
	if err != nil {
		t.Fatalf("insert connector: %v", err)
	}

	contactID := ident.LocalID(conn.ConnectorID, "77")
	chatID := ident.LocalID(conn.ConnectorID, "c-1")
	if err := st.UpsertContact(ctx, store.Contact{
		ContactID: contactID, ExternalID: "77", ServiceID: "TELEGRAM", ConnectorID: conn.ConnectorID,
	}); err != nil {
		t.Fatalf("upsert contact: %v", err)
	}
	if err := st.UpsertChat(ctx, store.Chat{
		ChatID: chatID, ExternalID: "c-1", ConnectorID: conn.ConnectorID,
	}); err != nil {
		t.Fatalf("upsert chat: %v", err)
	}
	if err := st.AddChatParticipant(ctx, contactID, chatID); err != nil {
		t.Fatalf("add participant: %v", err)
	}
	if err := st.UpsertMessage(ctx, store.Message{
		MessageID:  ident.LocalID(conn.ConnectorID, "m-1"),
		ExternalID: "m-1",
		ContactID:  contactID,
		ChatID:     chatID,
		Content:    []byte(`{"type":"text","content":"hi"}`),
		SentAt:     time.Now().UTC(),
	}); err != nil {
		t.Fatalf("upsert message: %v", err)
	}

	if err := st.DeleteChat(ctx, chatID); err != nil {
		t.Fatalf("delete chat: %v", err)
	}

	if _, found, err := st.GetChat(ctx, chatID); err != nil || found {
		t.Fatalf("chat should be gone: found=%v err=%v", found, err)
	}
	msgs, err := st.ListMessages(ctx, chatID, 10, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected no messages after chat delete, got %d", len(msgs))
	}
}
