package sync

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// ExternalID is a connector-scoped identifier. Connectors are loose about
// JSON types here, so both "42" and 42 decode to the same value.
type ExternalID string

func (e *ExternalID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*e = ExternalID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*e = ExternalID(n.String())
	return nil
}

func (e ExternalID) String() string { return string(e) }

func (e ExternalID) Int64() (int64, error) {
	return strconv.ParseInt(string(e), 10, 64)
}

// contactData is the wire shape of one contact in a batch, and of a
// get_contact response.
type contactData struct {
	ContactID ExternalID `json:"contact_id"`
	Name      string     `json:"name"`
	Username  string     `json:"username"`
	Phone     string     `json:"phone"`
	Avatar    string     `json:"avatar"`
	IsSelf    bool       `json:"is_self"`
}

type messageData struct {
	MessageID ExternalID      `json:"message_id"`
	ContactID ExternalID      `json:"contact_id"`
	ChatID    ExternalID      `json:"chat_id"`
	Message   json.RawMessage `json:"message"`
	SentAt    time.Time       `json:"sent_datetime"`
}

type chatData struct {
	ChatID       ExternalID   `json:"chat_id"`
	Name         string       `json:"name"`
	IsMuted      bool         `json:"is_muted"`
	IsArchived   bool         `json:"is_archived"`
	PinPosition  *int         `json:"pin_position"`
	LastMessage  *messageData `json:"last_message"`
	Participants []ExternalID `json:"participants"`
}
