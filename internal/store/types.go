// Package store defines the persistent entities. Consumers declare the
// narrow interface slice they need; internal/store/pg implements all of
// them against Postgres.
package store

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrDuplicateAssociation flags a duplicate chat-participant insert.
// Callers treat it as success: it is a tolerated concurrency race, not a
// genuine conflict.
var ErrDuplicateAssociation = errors.New("participant association already exists")

// ErrConnectorFinished guards the one-shot finished flag on a connector.
var ErrConnectorFinished = errors.New("connector setup already finished")

type Connector struct {
	ConnectorID   int64
	ConnectorType string // e.g. "TELEGRAM"
	UserID        int64
	ExternalID    string // set exactly once, when setup finishes
	IsFinished    bool
	CreatedAt     time.Time
}

type Contact struct {
	ContactID   int64
	ExternalID  string // connector-scoped; empty for self-bootstrapped rows
	ServiceID   string // equals the owning connector's type
	ConnectorID int64
	Name        string
	Username    string
	Phone       string
	Avatar      string
	IsSelf      bool
}

type Chat struct {
	ChatID      int64
	ExternalID  string
	ConnectorID int64
	Name        string
	IsMuted     bool
	IsArchived  bool
	PinPosition *int
}

type Message struct {
	MessageID  int64
	ExternalID string
	ContactID  int64 // sender
	ChatID     int64
	Content    json.RawMessage // typed payload, stored opaque
	SentAt     time.Time
}
