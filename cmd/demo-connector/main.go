// Command demo-connector is a bus-side stand-in for a real messaging
// connector. It walks the configure flow, answers the server's calls
// with a small canned dataset, and pushes sync batches the way a real
// connector would.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/team-moca/moca-server/internal/bus"
	"github.com/team-moca/moca-server/internal/config"
	"github.com/team-moca/moca-server/internal/configflow"
	"github.com/team-moca/moca-server/internal/logging"
)

type connector struct {
	cfg       config.ConnectorConfig
	transport bus.Transport
	flows     *configflow.Configurator
	log       *slog.Logger

	msgSeq atomic.Int64
}

type contact struct {
	ContactID string `json:"contact_id"`
	Name      string `json:"name"`
	Username  string `json:"username"`
	Phone     string `json:"phone"`
	Avatar    string `json:"avatar"`
	IsSelf    bool   `json:"is_self"`
}

type message struct {
	MessageID string          `json:"message_id"`
	ContactID string          `json:"contact_id"`
	ChatID    string          `json:"chat_id"`
	Message   json.RawMessage `json:"message"`
	SentAt    time.Time       `json:"sent_datetime"`
}

type chat struct {
	ChatID       string   `json:"chat_id"`
	Name         string   `json:"name"`
	IsMuted      bool     `json:"is_muted"`
	IsArchived   bool     `json:"is_archived"`
	LastMessage  *message `json:"last_message"`
	Participants []string `json:"participants"`
}

var demoContacts = []contact{
	{ContactID: "1000", Name: "Demo User", Username: "demo", IsSelf: true},
	{ContactID: "1001", Name: "Ada Lovelace", Username: "ada", Phone: "00441815551815"},
}

func demoChat(last *message) chat {
	return chat{
		ChatID:       "c-100",
		Name:         "Analytical Engine Club",
		LastMessage:  last,
		Participants: []string{"1000", "1001"},
	}
}

func demoMessages() []message {
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	return []message{
		{MessageID: "m-1", ContactID: "1001", ChatID: "c-100", Message: text("The machine weaves algebraic patterns."), SentAt: base},
		{MessageID: "m-2", ContactID: "1000", ChatID: "c-100", Message: text("Just as the loom weaves flowers."), SentAt: base.Add(2 * time.Minute)},
	}
}

func text(s string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"type": "text", "content": s})
	return b
}

func main() {
	cfg := config.LoadConnector()
	logger := logging.Init("demo-connector", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := &connector{
		cfg:   cfg,
		flows: configflow.NewConfigurator(configflow.NewRegistry()),
		log:   logger,
	}
	c.msgSeq.Store(100)

	transport, err := bus.NewAMQP(ctx, bus.AMQPOptions{
		URL:          cfg.AMQPURL,
		Exchange:     cfg.AMQPExchange,
		Queue:        fmt.Sprintf("demo-connector-%d", cfg.ConnectorID),
		DialAttempts: 5,
		DialDelay:    time.Second,
		Logger:       logger,
	})
	if err != nil {
		slog.Error("bus connect failed", "err", err)
		os.Exit(1)
	}
	c.transport = transport
	transport.Start(func(topic string, payload []byte) {
		c.handle(ctx, topic, payload)
	})

	callTopic := fmt.Sprintf("%s/%d/+/+", strings.ToLower(cfg.ConnectorType), cfg.ConnectorID)
	if err := transport.Subscribe(callTopic); err != nil {
		slog.Error("subscribe failed", "topic", callTopic, "err", err)
		os.Exit(1)
	}

	slog.Info("demo connector ready",
		"connector_type", cfg.ConnectorType,
		"connector_id", cfg.ConnectorID,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutdown", "signal", sig.String())
	cancel()
	_ = transport.Close()
}

// handle answers one inbound call. The reply goes to the call topic's
// response subtopic; long operations signal liveness on the keepalive
// subtopic first.
func (c *connector) handle(ctx context.Context, topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 {
		return
	}
	verb := parts[3]

	c.log.Info("call", "verb", verb, "topic", topic)

	var resp any
	switch verb {
	case "configure":
		resp = c.configure(ctx, payload)
	case "get_contact":
		resp = c.getContact(payload)
	case "get_chats":
		resp = c.chats()
	case "get_messages":
		resp = demoMessages()
	case "send_message":
		resp = c.sendMessage(ctx, payload)
	case "download_file":
		c.downloadFile(ctx, topic, payload)
		return
	default:
		c.log.Warn("unknown verb", "verb", verb)
		return
	}
	c.reply(ctx, topic, resp)
}

type configureRequest struct {
	FlowID string         `json:"flow_id"`
	Input  map[string]any `json:"input"`
}

func (c *connector) configure(ctx context.Context, payload []byte) any {
	var req configureRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return errResponse("invalid configure payload")
	}

	var (
		prompt configflow.Prompt
		err    error
	)
	if req.Input == nil {
		prompt, err = c.flows.Start(req.FlowID, strings.ToLower(c.cfg.ConnectorType))
	} else {
		prompt, err = c.flows.Submit(req.FlowID, req.Input)
	}
	if err != nil {
		return errResponse(err.Error())
	}

	if prompt.Finished {
		if prompt.Data == nil {
			prompt.Data = map[string]any{}
		}
		prompt.Data["external_id"] = demoContacts[0].ContactID
		go c.pushFullSync(ctx)
	}
	return prompt
}

func (c *connector) getContact(payload []byte) any {
	var req struct {
		ContactID string `json:"contact_id"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return errResponse("invalid get_contact payload")
	}
	for _, ct := range demoContacts {
		if ct.ContactID == req.ContactID {
			return ct
		}
	}
	// unknown ids still resolve so chats never wedge on a missing member
	return contact{ContactID: req.ContactID, Name: "Unknown (" + req.ContactID + ")"}
}

func (c *connector) chats() []chat {
	msgs := demoMessages()
	last := msgs[len(msgs)-1]
	return []chat{demoChat(&last)}
}

func (c *connector) sendMessage(ctx context.Context, payload []byte) any {
	var req struct {
		ChatID  string          `json:"chat_id"`
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || len(req.Message) == 0 {
		return errResponse("invalid send_message payload")
	}

	msg := message{
		MessageID: fmt.Sprintf("m-%d", c.msgSeq.Add(1)),
		ContactID: demoContacts[0].ContactID,
		ChatID:    req.ChatID,
		Message:   req.Message,
		SentAt:    time.Now().UTC(),
	}
	// the stored copy reaches the server through the messages sync
	go c.pushVia(ctx, "messages", []message{msg})

	return map[string]any{"status": "sent", "message_id": msg.MessageID}
}

// downloadFile streams a small text file in base64 chunks, preceded by a
// keepalive so the server extends its deadline while we "fetch" it.
func (c *connector) downloadFile(ctx context.Context, topic string, payload []byte) {
	var req struct {
		FileID string `json:"file_id"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		c.reply(ctx, topic, errResponse("invalid download_file payload"))
		return
	}

	c.publish(ctx, topic+"/keepalive", map[string]any{})
	time.Sleep(200 * time.Millisecond)

	content := []byte("demo file " + req.FileID + "\n")
	const chunkSize = 8
	for off := 0; off < len(content); off += chunkSize {
		end := off + chunkSize
		if end > len(content) {
			end = len(content)
		}
		c.publish(ctx, topic+"/response", map[string]any{
			"data":     base64.StdEncoding.EncodeToString(content[off:end]),
			"filename": req.FileID + ".txt",
			"mime":     "text/plain",
		})
	}
	c.publish(ctx, topic+"/response", map[string]any{
		"filename": req.FileID + ".txt",
		"mime":     "text/plain",
	})
}

// pushFullSync publishes the canned dataset in referential order so the
// server never has to backfill.
func (c *connector) pushFullSync(ctx context.Context) {
	c.pushVia(ctx, "contacts", demoContacts)
	c.pushVia(ctx, "chats", c.chats())
	c.pushVia(ctx, "messages", demoMessages())
}

func (c *connector) pushVia(ctx context.Context, command string, batch any) {
	topic := fmt.Sprintf("moca/via/%s/%d/%s",
		strings.ToLower(c.cfg.ConnectorType), c.cfg.ConnectorID, command)
	c.publish(ctx, topic, batch)
}

func (c *connector) reply(ctx context.Context, topic string, v any) {
	c.publish(ctx, topic+"/response", v)
}

func (c *connector) publish(ctx context.Context, topic string, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		c.log.Error("marshal failed", "topic", topic, "err", err)
		return
	}
	if err := c.transport.Publish(ctx, topic, body); err != nil {
		c.log.Error("publish failed", "topic", topic, "err", err)
	}
}

func errResponse(msg string) map[string]any {
	return map[string]any{"error": msg}
}
