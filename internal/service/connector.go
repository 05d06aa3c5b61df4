// Package service wraps outbound bus calls to connector workers behind a
// circuit breaker and a local rate limiter. A dead connector then fails
// fast instead of burning the full call timeout on every request.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/team-moca/moca-server/internal/configflow"
	"github.com/team-moca/moca-server/internal/store"
)

// ErrConnectorUnavailable: the breaker is open for connector calls.
var ErrConnectorUnavailable = errors.New("connector temporarily unavailable")

// Caller is the correlator surface the service needs.
type Caller interface {
	Get(ctx context.Context, topic string, payload any, timeout time.Duration) (json.RawMessage, error)
	GetBytes(ctx context.Context, topic string, payload any, timeout time.Duration) (filename, mime string, data []byte, err error)
}

// Store is the connector persistence slice the service needs.
type Store interface {
	FinishConnector(ctx context.Context, connectorID int64, externalID string) error
}

type ConnectorService struct {
	Calls        Caller
	Store        Store
	CallTimeout  time.Duration
	MediaTimeout time.Duration
	Limiter      *rate.Limiter
	Breaker      *gobreaker.CircuitBreaker
}

// NewBreaker returns breaker settings tuned for connector calls: open
// after a run of consecutive failures, probe again after the cooldown.
func NewBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
}

// Configure drives one step of the remote config flow. A nil input asks
// the connector for the current prompt.
func (s *ConnectorService) Configure(ctx context.Context, conn store.Connector, flowID string, input map[string]any) (configflow.Prompt, error) {
	payload := map[string]any{"flow_id": flowID}
	if input != nil {
		payload["input"] = input
	}
	raw, err := s.call(ctx, conn, "configure", payload, s.CallTimeout)
	if err != nil {
		return configflow.Prompt{}, err
	}

	var prompt configflow.Prompt
	if err := json.Unmarshal(raw, &prompt); err != nil {
		return configflow.Prompt{}, fmt.Errorf("decode configure response: %w", err)
	}

	if prompt.Finished {
		externalID := ""
		if v, ok := prompt.Data["external_id"].(string); ok {
			externalID = v
		}
		if err := s.Store.FinishConnector(ctx, conn.ConnectorID, externalID); err != nil &&
			!errors.Is(err, store.ErrConnectorFinished) {
			return configflow.Prompt{}, err
		}
	}
	return prompt, nil
}

// GetChats asks the connector for the current chat list. The reply also
// flows in through the via-topic reconciler; the return value is for the
// caller that wants the raw response.
func (s *ConnectorService) GetChats(ctx context.Context, conn store.Connector) (json.RawMessage, error) {
	return s.call(ctx, conn, "get_chats", map[string]any{}, s.CallTimeout)
}

func (s *ConnectorService) GetContact(ctx context.Context, conn store.Connector, contactExternalID string) (json.RawMessage, error) {
	return s.call(ctx, conn, "get_contact", map[string]any{"contact_id": contactExternalID}, s.CallTimeout)
}

func (s *ConnectorService) GetMessages(ctx context.Context, conn store.Connector, chatExternalID string) (json.RawMessage, error) {
	return s.call(ctx, conn, "get_messages", map[string]any{"chat_id": chatExternalID}, s.CallTimeout)
}

func (s *ConnectorService) SendMessage(ctx context.Context, conn store.Connector, chatExternalID string, content json.RawMessage) (json.RawMessage, error) {
	return s.call(ctx, conn, "send_message", map[string]any{
		"chat_id": chatExternalID,
		"message": content,
	}, s.CallTimeout)
}

// DownloadFile pulls a media file from the connector in base64 chunks.
func (s *ConnectorService) DownloadFile(ctx context.Context, conn store.Connector, fileID string) (filename, mime string, data []byte, err error) {
	if err := s.wait(ctx); err != nil {
		return "", "", nil, err
	}
	topic := s.topic(conn, "download_file")
	payload := map[string]any{"file_id": fileID}
	if s.Breaker == nil {
		return s.Calls.GetBytes(ctx, topic, payload, s.MediaTimeout)
	}

	type result struct {
		filename, mime string
		data           []byte
	}
	res, err := s.Breaker.Execute(func() (any, error) {
		f, m, d, err := s.Calls.GetBytes(ctx, topic, payload, s.MediaTimeout)
		if err != nil {
			return nil, err
		}
		return result{f, m, d}, nil
	})
	if err != nil {
		return "", "", nil, mapBreakerErr(err)
	}
	r := res.(result)
	return r.filename, r.mime, r.data, nil
}

func (s *ConnectorService) call(ctx context.Context, conn store.Connector, verb string, payload any, timeout time.Duration) (json.RawMessage, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	topic := s.topic(conn, verb)
	if s.Breaker == nil {
		return s.Calls.Get(ctx, topic, payload, timeout)
	}
	raw, err := s.Breaker.Execute(func() (any, error) {
		return s.Calls.Get(ctx, topic, payload, timeout)
	})
	if err != nil {
		return nil, mapBreakerErr(err)
	}
	return raw.(json.RawMessage), nil
}

func (s *ConnectorService) wait(ctx context.Context) error {
	if s.Limiter == nil {
		return nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.Limiter.Wait(waitCtx)
}

// topic builds the outbound call address. The fresh correlation id keeps
// concurrent calls to the same verb on distinct topics.
func (s *ConnectorService) topic(conn store.Connector, verb string) string {
	return fmt.Sprintf("%s/%d/%s/%s",
		strings.ToLower(conn.ConnectorType), conn.ConnectorID, uuid.NewString(), verb)
}

func mapBreakerErr(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrConnectorUnavailable, err)
	}
	return err
}
