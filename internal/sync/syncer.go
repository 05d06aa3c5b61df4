// Package sync ingests connector-pushed batches of contacts, chats and
// messages and merges them idempotently into the store. Batches arrive on
// moca/via/{service}/{connector_id}/{command} topics with at-least-once
// delivery; every write is an upsert keyed by a deterministic local id so
// re-processing a batch produces no net state change.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/team-moca/moca-server/internal/ident"
	"github.com/team-moca/moca-server/internal/observability"
	"github.com/team-moca/moca-server/internal/store"
)

var (
	// ErrUnknownConnector: the batch references a connector not on file.
	// The whole inbound message is dropped, never partially applied.
	ErrUnknownConnector = errors.New("no connector configured")

	// ErrReferentialOrdering: a message's sender or chat could not be
	// resolved even after fetch-if-missing. Fatal to that element only.
	ErrReferentialOrdering = errors.New("referenced row could not be resolved")
)

// placeholderChatName marks a chat created from a message before its own
// chats sync arrived. Repaired by the next chats batch.
const placeholderChatName = "Loading..."

// Store is the slice of persistence the reconciler needs.
type Store interface {
	GetConnector(ctx context.Context, service string, connectorID int64) (store.Connector, bool, error)
	UpsertContact(ctx context.Context, c store.Contact) error
	GetContactByExternal(ctx context.Context, connectorID int64, externalID string) (store.Contact, bool, error)
	UpsertChat(ctx context.Context, c store.Chat) error
	GetChat(ctx context.Context, chatID int64) (store.Chat, bool, error)
	AddChatParticipant(ctx context.Context, contactID, chatID int64) error
	UpsertMessage(ctx context.Context, m store.Message) error
}

// Caller issues correlated calls to a connector (backfilling contacts).
type Caller interface {
	Get(ctx context.Context, topic string, payload any, timeout time.Duration) (json.RawMessage, error)
}

// ServiceHandler reconciles inbound via-topic batches.
type ServiceHandler struct {
	Store       Store
	Calls       Caller
	CallTimeout time.Duration
	Log         *slog.Logger
}

func NewServiceHandler(st Store, calls Caller, callTimeout time.Duration, log *slog.Logger) *ServiceHandler {
	if log == nil {
		log = slog.Default()
	}
	return &ServiceHandler{Store: st, Calls: calls, CallTimeout: callTimeout, Log: log}
}

// Handle processes one inbound bus message. Topics that are not via
// topics are ignored; per-element failures are logged and skipped so one
// malformed entity cannot abort the whole batch.
func (h *ServiceHandler) Handle(ctx context.Context, topic string, payload []byte) error {
	parts := strings.Split(topic, "/")
	if len(parts) < 5 || parts[0] != "moca" || parts[1] != "via" {
		return nil
	}

	service := parts[2]
	connectorID, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		h.Log.Warn("bad connector id in via topic", "topic", topic)
		return nil
	}
	command := parts[4]

	conn, ok, err := h.Store.GetConnector(ctx, service, connectorID)
	if err != nil {
		observability.SyncBatches.WithLabelValues(command, "error").Inc()
		return err
	}
	if !ok {
		h.Log.Warn("dropping batch for unknown connector",
			"service", service, "connector_id", connectorID, "command", command)
		observability.SyncBatches.WithLabelValues(command, "unknown_connector").Inc()
		return fmt.Errorf("%w: %s/%d", ErrUnknownConnector, service, connectorID)
	}

	switch command {
	case "contacts":
		err = h.applyContacts(ctx, conn, payload)
	case "chats":
		err = h.applyChats(ctx, conn, payload)
	case "messages":
		err = h.applyMessages(ctx, conn, payload)
	default:
		h.Log.Warn("unknown via command", "command", command)
		return nil
	}
	if err != nil {
		observability.SyncBatches.WithLabelValues(command, "error").Inc()
		return err
	}
	observability.SyncBatches.WithLabelValues(command, "ok").Inc()
	return nil
}

func (h *ServiceHandler) applyContacts(ctx context.Context, conn store.Connector, payload []byte) error {
	var batch []contactData
	if err := json.Unmarshal(payload, &batch); err != nil {
		return fmt.Errorf("decode contacts batch: %w", err)
	}
	for _, c := range batch {
		if err := h.upsertContact(ctx, conn, c); err != nil {
			h.Log.Error("contact upsert failed", "connector_id", conn.ConnectorID,
				"external_id", c.ContactID, "err", err)
			observability.SyncElements.WithLabelValues("contacts", "error").Inc()
			continue
		}
		observability.SyncElements.WithLabelValues("contacts", "ok").Inc()
	}
	return nil
}

func (h *ServiceHandler) applyChats(ctx context.Context, conn store.Connector, payload []byte) error {
	var batch []chatData
	if err := json.Unmarshal(payload, &batch); err != nil {
		return fmt.Errorf("decode chats batch: %w", err)
	}
	for _, c := range batch {
		if err := h.applyChat(ctx, conn, c); err != nil {
			h.Log.Error("chat apply failed", "connector_id", conn.ConnectorID,
				"external_id", c.ChatID, "err", err)
			observability.SyncElements.WithLabelValues("chats", "error").Inc()
			continue
		}
		observability.SyncElements.WithLabelValues("chats", "ok").Inc()
	}
	return nil
}

func (h *ServiceHandler) applyChat(ctx context.Context, conn store.Connector, data chatData) error {
	if data.ChatID == "" {
		return fmt.Errorf("%w: chat element without chat_id", ErrReferentialOrdering)
	}
	chatID := ident.LocalID(conn.ConnectorID, data.ChatID.String())
	chat := store.Chat{
		ChatID:      chatID,
		ExternalID:  data.ChatID.String(),
		ConnectorID: conn.ConnectorID,
		Name:        data.Name,
		IsMuted:     data.IsMuted,
		IsArchived:  data.IsArchived,
		PinPosition: data.PinPosition,
	}
	if err := h.Store.UpsertChat(ctx, chat); err != nil {
		return err
	}

	if data.LastMessage != nil {
		if err := h.upsertChatMessage(ctx, conn, chatID, *data.LastMessage); err != nil {
			return err
		}
	}

	for _, participant := range data.Participants {
		contactID, err := h.resolveOrFetchContact(ctx, conn, participant)
		if err != nil {
			h.Log.Warn("skipping unresolvable participant", "chat_id", chatID,
				"external_id", participant, "err", err)
			continue
		}
		err = h.Store.AddChatParticipant(ctx, contactID, chatID)
		if errors.Is(err, store.ErrDuplicateAssociation) {
			// tolerated concurrency race
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (h *ServiceHandler) applyMessages(ctx context.Context, conn store.Connector, payload []byte) error {
	var batch []messageData
	if err := json.Unmarshal(payload, &batch); err != nil {
		return fmt.Errorf("decode messages batch: %w", err)
	}
	for _, m := range batch {
		chatID, err := h.resolveOrCreateChat(ctx, conn, m.ChatID)
		if err != nil {
			h.Log.Error("message chat resolve failed", "external_id", m.MessageID, "err", err)
			observability.SyncElements.WithLabelValues("messages", "error").Inc()
			continue
		}
		if err := h.upsertChatMessage(ctx, conn, chatID, m); err != nil {
			h.Log.Error("message upsert failed", "external_id", m.MessageID, "err", err)
			observability.SyncElements.WithLabelValues("messages", "error").Inc()
			continue
		}
		observability.SyncElements.WithLabelValues("messages", "ok").Inc()
	}
	return nil
}

// upsertChatMessage writes a message after making sure its sender row
// exists. The contact row must be committed before the message row that
// references it.
func (h *ServiceHandler) upsertChatMessage(ctx context.Context, conn store.Connector, chatID int64, data messageData) error {
	senderID, err := h.resolveOrFetchContact(ctx, conn, data.ContactID)
	if err != nil {
		return err
	}
	return h.Store.UpsertMessage(ctx, store.Message{
		MessageID:  ident.LocalID(conn.ConnectorID, data.MessageID.String()),
		ExternalID: data.MessageID.String(),
		ContactID:  senderID,
		ChatID:     chatID,
		Content:    data.Message,
		SentAt:     data.SentAt,
	})
}

// resolveOrFetchContact returns the local id of a contact, pulling the
// full contact data from the connector over the bus when the row does not
// exist yet. Shared by all three sync commands.
func (h *ServiceHandler) resolveOrFetchContact(ctx context.Context, conn store.Connector, externalID ExternalID) (int64, error) {
	if externalID == "" {
		return 0, fmt.Errorf("%w: empty contact id", ErrReferentialOrdering)
	}
	if contact, ok, err := h.Store.GetContactByExternal(ctx, conn.ConnectorID, externalID.String()); err != nil {
		return 0, err
	} else if ok {
		return contact.ContactID, nil
	}

	topic := callTopic(conn, "get_contact")
	raw, err := h.Calls.Get(ctx, topic, map[string]any{"contact_id": externalID.String()}, h.CallTimeout)
	if err != nil {
		return 0, fmt.Errorf("%w: contact %s: %v", ErrReferentialOrdering, externalID, err)
	}

	var data contactData
	if err := json.Unmarshal(raw, &data); err != nil {
		return 0, fmt.Errorf("%w: contact %s: %v", ErrReferentialOrdering, externalID, err)
	}
	if data.ContactID == "" {
		data.ContactID = externalID
	}
	if err := h.upsertContact(ctx, conn, data); err != nil {
		return 0, err
	}
	return ident.LocalID(conn.ConnectorID, data.ContactID.String()), nil
}

func (h *ServiceHandler) resolveOrCreateChat(ctx context.Context, conn store.Connector, externalID ExternalID) (int64, error) {
	if externalID == "" {
		return 0, fmt.Errorf("%w: empty chat id", ErrReferentialOrdering)
	}
	chatID := ident.LocalID(conn.ConnectorID, externalID.String())
	if _, ok, err := h.Store.GetChat(ctx, chatID); err != nil {
		return 0, err
	} else if ok {
		return chatID, nil
	}
	err := h.Store.UpsertChat(ctx, store.Chat{
		ChatID:      chatID,
		ExternalID:  externalID.String(),
		ConnectorID: conn.ConnectorID,
		Name:        placeholderChatName,
	})
	if err != nil {
		return 0, err
	}
	return chatID, nil
}

// upsertContact writes one contact row. An element without its own
// external id would land on the id derived from the empty string, where
// every other id-less element of the connector collides, so it is
// rejected instead.
func (h *ServiceHandler) upsertContact(ctx context.Context, conn store.Connector, data contactData) error {
	if data.ContactID == "" {
		return fmt.Errorf("%w: contact element without contact_id", ErrReferentialOrdering)
	}
	return h.Store.UpsertContact(ctx, store.Contact{
		ContactID:   ident.LocalID(conn.ConnectorID, data.ContactID.String()),
		ExternalID:  data.ContactID.String(),
		ServiceID:   conn.ConnectorType,
		ConnectorID: conn.ConnectorID,
		Name:        data.Name,
		Username:    data.Username,
		Phone:       data.Phone,
		Avatar:      data.Avatar,
		IsSelf:      data.IsSelf,
	})
}

func callTopic(conn store.Connector, verb string) string {
	return fmt.Sprintf("%s/%d/%s/%s",
		strings.ToLower(conn.ConnectorType), conn.ConnectorID, uuid.NewString(), verb)
}
