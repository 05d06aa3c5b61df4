package sync

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/team-moca/moca-server/internal/store"
)

type fakeStore struct {
	connectors   map[string]store.Connector // key service/id
	contacts     map[int64]store.Contact
	chats        map[int64]store.Chat
	messages     map[int64]store.Message
	participants map[[2]int64]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		connectors:   make(map[string]store.Connector),
		contacts:     make(map[int64]store.Contact),
		chats:        make(map[int64]store.Chat),
		messages:     make(map[int64]store.Message),
		participants: make(map[[2]int64]bool),
	}
}

func (f *fakeStore) addConnector(c store.Connector) {
	key := strings.ToUpper(c.ConnectorType)
	f.connectors[key+"/"+strconv.FormatInt(c.ConnectorID, 10)] = c
}

func (f *fakeStore) GetConnector(ctx context.Context, service string, connectorID int64) (store.Connector, bool, error) {
	c, ok := f.connectors[strings.ToUpper(service)+"/"+strconv.FormatInt(connectorID, 10)]
	return c, ok, nil
}

func (f *fakeStore) UpsertContact(ctx context.Context, c store.Contact) error {
	f.contacts[c.ContactID] = c
	return nil
}

func (f *fakeStore) GetContactByExternal(ctx context.Context, connectorID int64, externalID string) (store.Contact, bool, error) {
	for _, c := range f.contacts {
		if c.ConnectorID == connectorID && c.ExternalID == externalID {
			return c, true, nil
		}
	}
	return store.Contact{}, false, nil
}

func (f *fakeStore) UpsertChat(ctx context.Context, c store.Chat) error {
	f.chats[c.ChatID] = c
	return nil
}

func (f *fakeStore) GetChat(ctx context.Context, chatID int64) (store.Chat, bool, error) {
	c, ok := f.chats[chatID]
	return c, ok, nil
}

func (f *fakeStore) AddChatParticipant(ctx context.Context, contactID, chatID int64) error {
	key := [2]int64{contactID, chatID}
	if f.participants[key] {
		return store.ErrDuplicateAssociation
	}
	f.participants[key] = true
	return nil
}

func (f *fakeStore) UpsertMessage(ctx context.Context, m store.Message) error {
	if _, ok := f.contacts[m.ContactID]; !ok {
		return errors.New("fk violation: contact missing")
	}
	if _, ok := f.chats[m.ChatID]; !ok {
		return errors.New("fk violation: chat missing")
	}
	f.messages[m.MessageID] = m
	return nil
}

func (f *fakeStore) snapshot() map[string]int {
	return map[string]int{
		"contacts":     len(f.contacts),
		"chats":        len(f.chats),
		"messages":     len(f.messages),
		"participants": len(f.participants),
	}
}

// fakeCaller answers get_contact calls with canned contact payloads.
type fakeCaller struct {
	contacts map[string]string // external id -> response json
	calls    int
}

func (f *fakeCaller) Get(ctx context.Context, topic string, payload any, timeout time.Duration) (json.RawMessage, error) {
	f.calls++
	req, _ := json.Marshal(payload)
	var body struct {
		ContactID string `json:"contact_id"`
	}
	_ = json.Unmarshal(req, &body)
	resp, ok := f.contacts[body.ContactID]
	if !ok {
		return nil, errors.New("connector has no such contact")
	}
	return json.RawMessage(resp), nil
}

func newHandler(t *testing.T) (*ServiceHandler, *fakeStore, *fakeCaller) {
	t.Helper()
	fs := newFakeStore()
	fs.addConnector(store.Connector{ConnectorID: 4, ConnectorType: "TELEGRAM", UserID: 1, IsFinished: true})
	fc := &fakeCaller{contacts: map[string]string{
		"77": `{"contact_id": 77, "name": "H. G. Tannhaus", "username": "tannhaus"}`,
	}}
	return NewServiceHandler(fs, fc, time.Second, nil), fs, fc
}

func TestContactsBatchIdempotent(t *testing.T) {
	h, fs, _ := newHandler(t)
	ctx := context.Background()

	batch := []byte(`[
		{"contact_id": 10, "name": "Jonas", "username": "jk", "phone": "+1555", "is_self": false},
		{"contact_id": "11", "name": "Martha", "is_self": true}
	]`)

	if err := h.Handle(ctx, "moca/via/telegram/4/contacts", batch); err != nil {
		t.Fatal(err)
	}
	first := fs.snapshot()
	if first["contacts"] != 2 {
		t.Fatalf("expected 2 contacts, got %d", first["contacts"])
	}

	// at-least-once delivery: re-applying the batch changes nothing
	if err := h.Handle(ctx, "moca/via/telegram/4/contacts", batch); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first, fs.snapshot()) {
		t.Fatalf("reprocessing changed state: %v vs %v", first, fs.snapshot())
	}
}

func TestContactUpsertReplacesFields(t *testing.T) {
	h, fs, _ := newHandler(t)
	ctx := context.Background()

	if err := h.Handle(ctx, "moca/via/telegram/4/contacts",
		[]byte(`[{"contact_id": 10, "name": "Jonas", "phone": "+1555"}]`)); err != nil {
		t.Fatal(err)
	}
	// last write wins, including clearing fields the new payload omits
	if err := h.Handle(ctx, "moca/via/telegram/4/contacts",
		[]byte(`[{"contact_id": 10, "name": "Jonas K."}]`)); err != nil {
		t.Fatal(err)
	}

	c, ok, _ := fs.GetContactByExternal(ctx, 4, "10")
	if !ok {
		t.Fatal("contact missing")
	}
	if c.Name != "Jonas K." || c.Phone != "" {
		t.Fatalf("expected replace-all upsert, got %+v", c)
	}
}

func TestUnknownConnectorDropsBatch(t *testing.T) {
	h, fs, _ := newHandler(t)

	err := h.Handle(context.Background(), "moca/via/whatsapp/9/contacts",
		[]byte(`[{"contact_id": 1, "name": "X"}]`))
	if !errors.Is(err, ErrUnknownConnector) {
		t.Fatalf("expected ErrUnknownConnector, got %v", err)
	}
	if len(fs.contacts) != 0 {
		t.Fatalf("batch must not be applied for unknown connector")
	}
}

func TestNonViaTopicsIgnored(t *testing.T) {
	h, fs, _ := newHandler(t)
	if err := h.Handle(context.Background(), "telegram/4/abc/get_chats/response", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	if len(fs.contacts)+len(fs.chats) != 0 {
		t.Fatal("non-via topic must be a no-op")
	}
}

func TestChatsBatchWithLastMessageFetchesSender(t *testing.T) {
	h, fs, fc := newHandler(t)
	ctx := context.Background()

	batch := []byte(`[{
		"chat_id": 500,
		"name": "Winden",
		"is_muted": false,
		"last_message": {
			"message_id": 9000,
			"contact_id": 77,
			"chat_id": 500,
			"message": {"type": "text", "content": "tick tock"},
			"sent_datetime": "2021-06-27T21:00:00Z"
		},
		"participants": [77]
	}]`)

	if err := h.Handle(ctx, "moca/via/telegram/4/chats", batch); err != nil {
		t.Fatal(err)
	}
	if fc.calls != 1 {
		t.Fatalf("expected exactly one get_contact call, got %d", fc.calls)
	}
	if len(fs.chats) != 1 || len(fs.messages) != 1 || len(fs.contacts) != 1 {
		t.Fatalf("unexpected state: %v", fs.snapshot())
	}
	for _, m := range fs.messages {
		if _, ok := fs.contacts[m.ContactID]; !ok {
			t.Fatal("message committed before its sender contact")
		}
	}

	// replay: idempotent, contact already present so no further fetch
	if err := h.Handle(ctx, "moca/via/telegram/4/chats", batch); err != nil {
		t.Fatal(err)
	}
	if fc.calls != 1 {
		t.Fatalf("replay must not refetch the contact, got %d calls", fc.calls)
	}
	if len(fs.participants) != 1 {
		t.Fatalf("duplicate participant insert must stay one row, got %d", len(fs.participants))
	}
}

func TestMessagesBatchCreatesPlaceholderChat(t *testing.T) {
	h, fs, _ := newHandler(t)
	ctx := context.Background()

	batch := []byte(`[{
		"message_id": 9001,
		"contact_id": 77,
		"chat_id": 600,
		"message": {"type": "text", "content": "hello"},
		"sent_datetime": "2021-06-27T21:05:00Z"
	}]`)

	if err := h.Handle(ctx, "moca/via/telegram/4/messages", batch); err != nil {
		t.Fatal(err)
	}
	if len(fs.chats) != 1 {
		t.Fatalf("expected placeholder chat, got %d chats", len(fs.chats))
	}
	for _, c := range fs.chats {
		if c.Name != "Loading..." {
			t.Fatalf("expected placeholder name, got %q", c.Name)
		}
	}

	// a later chats sync repairs the transient placeholder
	if err := h.Handle(ctx, "moca/via/telegram/4/chats",
		[]byte(`[{"chat_id": 600, "name": "Sic Mundus"}]`)); err != nil {
		t.Fatal(err)
	}
	if len(fs.chats) != 1 {
		t.Fatalf("chats sync must reuse the placeholder row, got %d", len(fs.chats))
	}
	for _, c := range fs.chats {
		if c.Name != "Sic Mundus" {
			t.Fatalf("placeholder not repaired, got %q", c.Name)
		}
	}
}

func TestMessagesBatchSkipsUnresolvableSender(t *testing.T) {
	h, fs, _ := newHandler(t)
	ctx := context.Background()

	batch := []byte(`[
		{"message_id": 1, "contact_id": 404, "chat_id": 600, "message": {"type":"text"}, "sent_datetime": "2021-06-27T21:00:00Z"},
		{"message_id": 2, "contact_id": 77, "chat_id": 600, "message": {"type":"text"}, "sent_datetime": "2021-06-27T21:01:00Z"}
	]`)

	// element 1's sender is unknown to the connector too; element 2 must
	// still be applied
	if err := h.Handle(ctx, "moca/via/telegram/4/messages", batch); err != nil {
		t.Fatal(err)
	}
	if len(fs.messages) != 1 {
		t.Fatalf("expected the resolvable element applied, got %d messages", len(fs.messages))
	}
}

func TestElementsWithoutIDsSkipped(t *testing.T) {
	h, fs, _ := newHandler(t)
	ctx := context.Background()

	// id-less elements must not land on the id derived from "", and must
	// not drag down the valid elements around them
	if err := h.Handle(ctx, "moca/via/telegram/4/contacts",
		[]byte(`[{"name": "Anon"}, {"contact_id": 10, "name": "Jonas"}]`)); err != nil {
		t.Fatal(err)
	}
	if len(fs.contacts) != 1 {
		t.Fatalf("expected only the identified contact, got %d rows", len(fs.contacts))
	}
	if _, ok, _ := fs.GetContactByExternal(ctx, 4, ""); ok {
		t.Fatal("contact row keyed by empty external id must not exist")
	}

	if err := h.Handle(ctx, "moca/via/telegram/4/chats",
		[]byte(`[{"name": "NoID"}, {"chat_id": 600, "name": "Winden"}]`)); err != nil {
		t.Fatal(err)
	}
	if len(fs.chats) != 1 {
		t.Fatalf("expected only the identified chat, got %d rows", len(fs.chats))
	}
	for _, c := range fs.chats {
		if c.ExternalID == "" {
			t.Fatalf("chat row keyed by empty external id must not exist: %+v", c)
		}
	}
}

func TestMalformedBatchRejectedWhole(t *testing.T) {
	h, fs, _ := newHandler(t)
	err := h.Handle(context.Background(), "moca/via/telegram/4/contacts", []byte(`{"not":"an array"}`))
	if err == nil {
		t.Fatal("expected decode error")
	}
	if len(fs.contacts) != 0 {
		t.Fatal("malformed batch must not be applied")
	}
}
