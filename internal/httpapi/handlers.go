// Package httpapi is the thin REST boundary. Authentication lives in the
// fronting gateway; handlers trust the X-Moca-User header it sets.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/team-moca/moca-server/internal/configflow"
	"github.com/team-moca/moca-server/internal/correlator"
	"github.com/team-moca/moca-server/internal/service"
	"github.com/team-moca/moca-server/internal/store"
)

const userHeader = "X-Moca-User"

// Store is the persistence slice the REST surface needs.
type Store interface {
	ListConnectors(ctx context.Context, userID int64) ([]store.Connector, error)
	GetConnectorByID(ctx context.Context, userID, connectorID int64) (store.Connector, bool, error)
	InsertConnector(ctx context.Context, connectorType string, userID int64, now time.Time) (store.Connector, error)
	DeleteConnector(ctx context.Context, userID, connectorID int64) error

	ListChats(ctx context.Context, userID int64) ([]store.Chat, error)
	GetChat(ctx context.Context, chatID int64) (store.Chat, bool, error)
	SetChatMuted(ctx context.Context, chatID int64, muted bool) error
	SetChatArchived(ctx context.Context, chatID int64, archived bool) error
	SetChatPin(ctx context.Context, chatID int64, position *int) error
	DeleteChat(ctx context.Context, chatID int64) error

	ListContacts(ctx context.Context, userID int64) ([]store.Contact, error)

	ListMessages(ctx context.Context, chatID int64, limit, offset int) ([]store.Message, error)
	LastMessage(ctx context.Context, chatID int64) (store.Message, bool, error)
	DeleteMessage(ctx context.Context, chatID, messageID int64) error
}

// Connectors is the outbound-call surface the REST layer drives.
type Connectors interface {
	Configure(ctx context.Context, conn store.Connector, flowID string, input map[string]any) (configflow.Prompt, error)
	SendMessage(ctx context.Context, conn store.Connector, chatExternalID string, content json.RawMessage) (json.RawMessage, error)
	DownloadFile(ctx context.Context, conn store.Connector, fileID string) (filename, mime string, data []byte, err error)
}

type API struct {
	Store  Store
	Svc    Connectors
	FlowID func() string
}

func (a *API) Register(m *mux.Router) {
	m.HandleFunc("/connectors", a.handleListConnectors).Methods(http.MethodGet)
	m.HandleFunc("/connectors", a.handleCreateConnector).Methods(http.MethodPost)
	m.HandleFunc("/connectors/{id}", a.handleGetConnector).Methods(http.MethodGet)
	m.HandleFunc("/connectors/{id}", a.handleDeleteConnector).Methods(http.MethodDelete)
	m.HandleFunc("/connectors/{id}/configure", a.handleConfigure).Methods(http.MethodPut)

	m.HandleFunc("/chats", a.handleListChats).Methods(http.MethodGet)
	m.HandleFunc("/chats/{id}", a.handleDeleteChat).Methods(http.MethodDelete)
	m.HandleFunc("/chats/{id}/mute", a.handleSetMute(true)).Methods(http.MethodPost)
	m.HandleFunc("/chats/{id}/mute", a.handleSetMute(false)).Methods(http.MethodDelete)
	m.HandleFunc("/chats/{id}/archive", a.handleSetArchive(true)).Methods(http.MethodPost)
	m.HandleFunc("/chats/{id}/archive", a.handleSetArchive(false)).Methods(http.MethodDelete)
	m.HandleFunc("/chats/{id}/pin", a.handlePin).Methods(http.MethodPost)
	m.HandleFunc("/chats/{id}/pin", a.handleUnpin).Methods(http.MethodDelete)

	m.HandleFunc("/chats/{id}/messages", a.handleListMessages).Methods(http.MethodGet)
	m.HandleFunc("/chats/{id}/messages", a.handleSendMessage).Methods(http.MethodPost)
	m.HandleFunc("/chats/{id}/messages/{message_id}", a.handleDeleteMessage).Methods(http.MethodDelete)

	m.HandleFunc("/contacts", a.handleListContacts).Methods(http.MethodGet)
	m.HandleFunc("/connectors/{id}/files/{file_id}", a.handleDownloadFile).Methods(http.MethodGet)
}

type connectorResponse struct {
	ConnectorID   int64  `json:"connector_id"`
	ConnectorType string `json:"connector_type"`
	ExternalID    string `json:"external_id,omitempty"`
	IsFinished    bool   `json:"is_finished"`
}

type createConnectorRequest struct {
	ConnectorType string `json:"connector_type"`
}

type configureRequest struct {
	Input map[string]any `json:"input"`
}

type chatResponse struct {
	ChatID      int64            `json:"chat_id"`
	Name        string           `json:"name"`
	IsMuted     bool             `json:"is_muted"`
	IsArchived  bool             `json:"is_archived"`
	PinPosition *int             `json:"pin_position,omitempty"`
	LastMessage *messageResponse `json:"last_message,omitempty"`
}

type messageResponse struct {
	MessageID int64           `json:"message_id"`
	ContactID int64           `json:"contact_id"`
	Message   json.RawMessage `json:"message"`
	SentAt    time.Time       `json:"sent_datetime"`
}

type contactResponse struct {
	ContactID int64  `json:"contact_id"`
	ServiceID string `json:"service_id"`
	Name      string `json:"name"`
	Username  string `json:"username,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Avatar    string `json:"avatar,omitempty"`
	IsSelf    bool   `json:"is_self"`
}

func (a *API) handleListConnectors(w http.ResponseWriter, r *http.Request) {
	userID, ok := authedUser(w, r)
	if !ok {
		return
	}
	connectors, err := a.Store.ListConnectors(r.Context(), userID)
	if err != nil {
		fail(w, r, err)
		return
	}
	out := make([]connectorResponse, 0, len(connectors))
	for _, c := range connectors {
		out = append(out, connectorResponse{
			ConnectorID:   c.ConnectorID,
			ConnectorType: c.ConnectorType,
			ExternalID:    c.ExternalID,
			IsFinished:    c.IsFinished,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleCreateConnector creates the row and asks the connector for the
// first config-flow prompt.
func (a *API) handleCreateConnector(w http.ResponseWriter, r *http.Request) {
	userID, ok := authedUser(w, r)
	if !ok {
		return
	}
	var req createConnectorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConnectorType == "" {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	conn, err := a.Store.InsertConnector(r.Context(), req.ConnectorType, userID, time.Now().UTC())
	if err != nil {
		fail(w, r, err)
		return
	}
	// the client replays this flow id on every configure submit
	flowID := a.FlowID()
	prompt, err := a.Svc.Configure(r.Context(), conn, flowID, nil)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"connector_id": conn.ConnectorID,
		"flow_id":      flowID,
		"prompt":       prompt,
	})
}

func (a *API) handleGetConnector(w http.ResponseWriter, r *http.Request) {
	userID, ok := authedUser(w, r)
	if !ok {
		return
	}
	conn, found, err := a.connector(w, r, userID)
	if err != nil || !found {
		return
	}
	writeJSON(w, http.StatusOK, connectorResponse{
		ConnectorID:   conn.ConnectorID,
		ConnectorType: conn.ConnectorType,
		ExternalID:    conn.ExternalID,
		IsFinished:    conn.IsFinished,
	})
}

func (a *API) handleDeleteConnector(w http.ResponseWriter, r *http.Request) {
	userID, ok := authedUser(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		http.Error(w, "bad id", http.StatusBadRequest)
		return
	}
	if err := a.Store.DeleteConnector(r.Context(), userID, id); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleConfigure(w http.ResponseWriter, r *http.Request) {
	userID, ok := authedUser(w, r)
	if !ok {
		return
	}
	conn, found, err := a.connector(w, r, userID)
	if err != nil || !found {
		return
	}
	var req configureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	flowID := r.URL.Query().Get("flow_id")
	input := req.Input
	if input == nil {
		input = map[string]any{}
	}
	prompt, err := a.Svc.Configure(r.Context(), conn, flowID, input)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, prompt)
}

func (a *API) handleListChats(w http.ResponseWriter, r *http.Request) {
	userID, ok := authedUser(w, r)
	if !ok {
		return
	}
	chats, err := a.Store.ListChats(r.Context(), userID)
	if err != nil {
		fail(w, r, err)
		return
	}

	out := make([]chatResponse, 0, len(chats))
	for _, c := range chats {
		resp := chatResponse{
			ChatID:      c.ChatID,
			Name:        c.Name,
			IsMuted:     c.IsMuted,
			IsArchived:  c.IsArchived,
			PinPosition: c.PinPosition,
		}
		if last, found, err := a.Store.LastMessage(r.Context(), c.ChatID); err != nil {
			fail(w, r, err)
			return
		} else if found {
			resp.LastMessage = &messageResponse{
				MessageID: last.MessageID,
				ContactID: last.ContactID,
				Message:   last.Content,
				SentAt:    last.SentAt,
			}
		}
		out = append(out, resp)
	}

	// newest conversation first
	sort.SliceStable(out, func(i, j int) bool {
		return lastSent(out[i]).After(lastSent(out[j]))
	})
	writeJSON(w, http.StatusOK, out)
}

func lastSent(c chatResponse) time.Time {
	if c.LastMessage == nil {
		return time.Time{}
	}
	return c.LastMessage.SentAt
}

func (a *API) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	userID, ok := authedUser(w, r)
	if !ok {
		return
	}
	chat, found := a.chat(w, r, userID)
	if !found {
		return
	}
	if err := a.Store.DeleteChat(r.Context(), chat.ChatID); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSetMute(muted bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := authedUser(w, r)
		if !ok {
			return
		}
		chat, found := a.chat(w, r, userID)
		if !found {
			return
		}
		if err := a.Store.SetChatMuted(r.Context(), chat.ChatID, muted); err != nil {
			fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (a *API) handleSetArchive(archived bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := authedUser(w, r)
		if !ok {
			return
		}
		chat, found := a.chat(w, r, userID)
		if !found {
			return
		}
		if err := a.Store.SetChatArchived(r.Context(), chat.ChatID, archived); err != nil {
			fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (a *API) handlePin(w http.ResponseWriter, r *http.Request) {
	userID, ok := authedUser(w, r)
	if !ok {
		return
	}
	chat, found := a.chat(w, r, userID)
	if !found {
		return
	}
	var req struct {
		PinPosition int `json:"pin_position"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := a.Store.SetChatPin(r.Context(), chat.ChatID, &req.PinPosition); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleUnpin(w http.ResponseWriter, r *http.Request) {
	userID, ok := authedUser(w, r)
	if !ok {
		return
	}
	chat, found := a.chat(w, r, userID)
	if !found {
		return
	}
	if err := a.Store.SetChatPin(r.Context(), chat.ChatID, nil); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := authedUser(w, r)
	if !ok {
		return
	}
	chat, found := a.chat(w, r, userID)
	if !found {
		return
	}
	page, count := pagination(r)
	messages, err := a.Store.ListMessages(r.Context(), chat.ChatID, count, page*count)
	if err != nil {
		fail(w, r, err)
		return
	}
	out := make([]messageResponse, 0, len(messages))
	for _, m := range messages {
		out = append(out, messageResponse{
			MessageID: m.MessageID,
			ContactID: m.ContactID,
			Message:   m.Content,
			SentAt:    m.SentAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleSendMessage forwards the message to the connector. The stored
// copy arrives through the connector's own messages sync.
func (a *API) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := authedUser(w, r)
	if !ok {
		return
	}
	chat, found := a.chat(w, r, userID)
	if !found {
		return
	}
	conn, connFound, err := a.Store.GetConnectorByID(r.Context(), userID, chat.ConnectorID)
	if err != nil {
		fail(w, r, err)
		return
	}
	if !connFound {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	var req struct {
		Message json.RawMessage `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Message) == 0 {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	resp, err := a.Svc.SendMessage(r.Context(), conn, chat.ExternalID, req.Message)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (a *API) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := authedUser(w, r)
	if !ok {
		return
	}
	chat, found := a.chat(w, r, userID)
	if !found {
		return
	}
	messageID, err := pathID(r, "message_id")
	if err != nil {
		http.Error(w, "bad id", http.StatusBadRequest)
		return
	}
	if err := a.Store.DeleteMessage(r.Context(), chat.ChatID, messageID); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListContacts(w http.ResponseWriter, r *http.Request) {
	userID, ok := authedUser(w, r)
	if !ok {
		return
	}
	contacts, err := a.Store.ListContacts(r.Context(), userID)
	if err != nil {
		fail(w, r, err)
		return
	}
	out := make([]contactResponse, 0, len(contacts))
	for _, c := range contacts {
		out = append(out, contactResponse{
			ContactID: c.ContactID,
			ServiceID: c.ServiceID,
			Name:      c.Name,
			Username:  c.Username,
			Phone:     c.Phone,
			Avatar:    c.Avatar,
			IsSelf:    c.IsSelf,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleDownloadFile(w http.ResponseWriter, r *http.Request) {
	userID, ok := authedUser(w, r)
	if !ok {
		return
	}
	conn, found, err := a.connector(w, r, userID)
	if err != nil || !found {
		return
	}
	fileID := mux.Vars(r)["file_id"]
	filename, mime, data, err := a.Svc.DownloadFile(r.Context(), conn, fileID)
	if err != nil {
		fail(w, r, err)
		return
	}
	if mime == "" {
		mime = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mime)
	if filename != "" {
		w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	}
	_, _ = w.Write(data)
}

func (a *API) connector(w http.ResponseWriter, r *http.Request, userID int64) (store.Connector, bool, error) {
	id, err := pathID(r, "id")
	if err != nil {
		http.Error(w, "bad id", http.StatusBadRequest)
		return store.Connector{}, false, err
	}
	conn, found, err := a.Store.GetConnectorByID(r.Context(), userID, id)
	if err != nil {
		fail(w, r, err)
		return store.Connector{}, false, err
	}
	if !found {
		http.Error(w, "not found", http.StatusNotFound)
		return store.Connector{}, false, nil
	}
	return conn, true, nil
}

func (a *API) chat(w http.ResponseWriter, r *http.Request, userID int64) (store.Chat, bool) {
	id, err := pathID(r, "id")
	if err != nil {
		http.Error(w, "bad id", http.StatusBadRequest)
		return store.Chat{}, false
	}
	chat, found, err := a.Store.GetChat(r.Context(), id)
	if err != nil {
		fail(w, r, err)
		return store.Chat{}, false
	}
	if !found {
		http.Error(w, "not found", http.StatusNotFound)
		return store.Chat{}, false
	}
	// ownership check happens against the chat's connector
	if _, connFound, err := a.Store.GetConnectorByID(r.Context(), userID, chat.ConnectorID); err != nil {
		fail(w, r, err)
		return store.Chat{}, false
	} else if !connFound {
		http.Error(w, "not found", http.StatusNotFound)
		return store.Chat{}, false
	}
	return chat, true
}

func authedUser(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, err := strconv.ParseInt(r.Header.Get(userHeader), 10, 64)
	if err != nil || userID <= 0 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return 0, false
	}
	return userID, true
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)[name], 10, 64)
}

func pagination(r *http.Request) (page, count int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	count, _ = strconv.Atoi(r.URL.Query().Get("count"))
	if page < 0 {
		page = 0
	}
	if count <= 0 || count > 200 {
		count = 50
	}
	return page, count
}

// fail maps core errors onto HTTP statuses: timeouts are gateway
// timeouts, an open breaker is a bad gateway, the rest are dependency
// errors.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, correlator.ErrTimeout):
		http.Error(w, "a connected service did not answer in time", http.StatusGatewayTimeout)
	case errors.Is(err, service.ErrConnectorUnavailable):
		http.Error(w, "connector unavailable", http.StatusBadGateway)
	case errors.Is(err, configflow.ErrFlowFinished):
		http.Error(w, "config flow already finished", http.StatusConflict)
	case errors.Is(err, store.ErrConnectorFinished):
		http.Error(w, "connector setup already finished", http.StatusConflict)
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		http.Error(w, "dependency error", http.StatusBadGateway)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
