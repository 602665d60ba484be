package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"whatsapp-bridge/internal/domain"
)

// ErrHookNotConfigured is returned when the business handler has no hook for an event.
var ErrHookNotConfigured = errors.New("usecase: conversation hook not configured")

// BusinessHandler computes the reply to an inbound WhatsApp message.
type BusinessHandler interface {
	HandleInbound(ctx context.Context, msg domain.InboundMessage, session domain.Session) (domain.Reply, error)
}

// PrehookHandler is implemented by handlers that take part in conversation pre-event hooks.
type PrehookHandler interface {
	HandlePrehook(ctx context.Context, ev domain.ConversationEvent) (domain.HookResult, error)
}

// PosthookHandler is implemented by handlers that observe conversation post-event hooks.
type PosthookHandler interface {
	HandlePosthook(ctx context.Context, ev domain.ConversationEvent) (domain.HookResult, error)
}

// Registry maps handler selector names to business handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]BusinessHandler
}

// NewRegistry returns a Registry with the built-in "echo" handler.
func NewRegistry() *Registry {
	r := &Registry{handlers: map[string]BusinessHandler{}}
	r.Register("echo", EchoHandler{})
	return r
}

func (r *Registry) Register(name string, h BusinessHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[strings.ToLower(strings.TrimSpace(name))] = h
}

func (r *Registry) Resolve(name string) (BusinessHandler, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[key]
	if !ok || h == nil {
		return nil, newError(ErrorInvalidInput, "unknown_handler", fmt.Errorf("no business handler named %q (known: %s)", name, strings.Join(r.namesLocked(), ", ")))
	}
	return h, nil
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// EchoHandler replies with the text it received.
type EchoHandler struct{}

func (EchoHandler) HandleInbound(_ context.Context, msg domain.InboundMessage, _ domain.Session) (domain.Reply, error) {
	body := strings.TrimSpace(msg.Body)
	if body == "" {
		if msg.HasLocation() {
			return domain.TextReply(fmt.Sprintf("Location received: %s,%s", msg.Latitude, msg.Longitude)), nil
		}
		if len(msg.Media) > 0 {
			return domain.TextReply(fmt.Sprintf("Received %d attachment(s)", len(msg.Media))), nil
		}
		return domain.Reply{}, nil
	}
	return domain.TextReply(body), nil
}

// Receiver dispatches verified inbound traffic to the configured business handler.
type Receiver struct {
	handler BusinessHandler
	logger  *slog.Logger
}

func NewReceiver(h BusinessHandler, logger *slog.Logger) (*Receiver, error) {
	if h == nil {
		return nil, errors.New("usecase: business handler must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{handler: h, logger: logger}, nil
}

func (r *Receiver) ProcessMessage(ctx context.Context, msg domain.InboundMessage, session domain.Session) (domain.Reply, error) {
	reply, err := r.handler.HandleInbound(ctx, msg, session)
	if err != nil {
		return domain.Reply{}, newError(ErrorHandlerFailure, "inbound_handler_error", err)
	}
	r.logger.Info("whatsapp message replied", "message_sid", msg.MessageSid, "from", msg.From, "reply_messages", len(reply.Messages))
	return reply, nil
}

func (r *Receiver) ProcessPrehook(ctx context.Context, ev domain.ConversationEvent) (domain.HookResult, error) {
	h, ok := r.handler.(PrehookHandler)
	if !ok {
		r.logger.Error("conversation prehook not configured", "event_type", ev.EventType, "conversation_sid", ev.ConversationSID)
		return domain.HookResult{}, ErrHookNotConfigured
	}
	res, err := h.HandlePrehook(ctx, ev)
	if err != nil {
		return domain.HookResult{}, newError(ErrorHandlerFailure, "prehook_handler_error", err)
	}
	return res, nil
}

func (r *Receiver) ProcessPosthook(ctx context.Context, ev domain.ConversationEvent) (domain.HookResult, error) {
	h, ok := r.handler.(PosthookHandler)
	if !ok {
		r.logger.Error("conversation posthook not configured", "event_type", ev.EventType, "conversation_sid", ev.ConversationSID)
		return domain.HookResult{}, ErrHookNotConfigured
	}
	res, err := h.HandlePosthook(ctx, ev)
	if err != nil {
		return domain.HookResult{}, newError(ErrorHandlerFailure, "posthook_handler_error", err)
	}
	r.logger.Info("conversation posthook replied", "event_type", ev.EventType, "conversation_sid", ev.ConversationSID)
	return res, nil
}

// MessageSender is the carrier message send surface used by Messenger.
type MessageSender interface {
	SendMessage(ctx context.Context, msg domain.OutboundMessage) (domain.SentMessage, error)
}

// TemplateRenderer turns a business event into message text.
type TemplateRenderer interface {
	Render(ctx context.Context, event string, data map[string]any) (string, error)
}

// JSONRenderer renders event data as a JSON document.
type JSONRenderer struct{}

func (JSONRenderer) Render(_ context.Context, _ string, data map[string]any) (string, error) {
	if data == nil {
		data = map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Messenger sends outbound WhatsApp messages and notifications.
type Messenger struct {
	sender         MessageSender
	whatsappNumber string
	renderer       TemplateRenderer
	logger         *slog.Logger
}

func NewMessenger(sender MessageSender, whatsappNumber string, renderer TemplateRenderer, logger *slog.Logger) (*Messenger, error) {
	if sender == nil {
		return nil, errors.New("usecase: message sender must not be nil")
	}
	if renderer == nil {
		renderer = JSONRenderer{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Messenger{
		sender:         sender,
		whatsappNumber: strings.TrimSpace(whatsappNumber),
		renderer:       renderer,
		logger:         logger,
	}, nil
}

// quickResponse is the JSON envelope a message text may carry instead of plain text.
type quickResponse struct {
	Body                *string         `json:"body"`
	ContentSID          string          `json:"contentSid"`
	ContentVariables    json.RawMessage `json:"contentVariables"`
	ContentVariablesAlt json.RawMessage `json:"contentVaribles"`
	MediaURL            json.RawMessage `json:"mediaUrl"`
	StatusCallback      string          `json:"statusCallback"`
	MessagingServiceSID string          `json:"messagingServiceSid"`
}

// SendTextMessage sends message from sender to receiver. A JSON object message is
// treated as a quick-response envelope; when it names a contentSid the body is dropped.
func (m *Messenger) SendTextMessage(ctx context.Context, sender, receiver, message string, extra map[string]string) (domain.SentMessage, bool) {
	out := domain.OutboundMessage{
		From:  whatsappAddress(sender),
		To:    whatsappAddress(receiver),
		Body:  message,
		Extra: map[string]string{},
	}
	for k, v := range extra {
		out.Extra[k] = v
	}

	if env, ok := parseQuickResponse(message); ok {
		m.logger.Debug("quick response envelope", "content_sid", env.ContentSID)
		if err := applyQuickResponse(&out, env); err != nil {
			m.logger.Error("unable to send message, malformed quick response", "to", out.To, "err", err)
			return domain.SentMessage{}, false
		}
	}

	sent, err := m.sender.SendMessage(ctx, out)
	if err != nil {
		m.logger.Error("unable to send message", carrierAttrs(err, "from", out.From, "to", out.To)...)
		return domain.SentMessage{}, false
	}
	return sent, true
}

func parseQuickResponse(message string) (quickResponse, bool) {
	trimmed := strings.TrimSpace(message)
	if !strings.HasPrefix(trimmed, "{") {
		return quickResponse{}, false
	}
	var env quickResponse
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		return quickResponse{}, false
	}
	return env, true
}

func applyQuickResponse(out *domain.OutboundMessage, env quickResponse) error {
	switch {
	case env.ContentSID != "":
		out.Body = ""
		out.ContentSID = env.ContentSID
		vars := env.ContentVariables
		if len(vars) == 0 {
			vars = env.ContentVariablesAlt
		}
		s, err := rawToString(vars)
		if err != nil {
			return fmt.Errorf("content variables: %w", err)
		}
		out.ContentVariables = s
	case env.Body != nil:
		out.Body = *env.Body
	}

	if len(env.MediaURL) > 0 {
		var urls []string
		if err := json.Unmarshal(env.MediaURL, &urls); err != nil {
			var single string
			if err := json.Unmarshal(env.MediaURL, &single); err != nil {
				return fmt.Errorf("media url: %w", err)
			}
			urls = []string{single}
		}
		out.MediaURLs = urls
	}

	if env.StatusCallback != "" {
		out.Extra["StatusCallback"] = env.StatusCallback
	}
	if env.MessagingServiceSID != "" {
		out.Extra["MessagingServiceSid"] = env.MessagingServiceSID
	}
	return nil
}

// rawToString accepts content variables as a JSON string or a JSON object.
func rawToString(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", err
	}
	return string(raw), nil
}

// ContentTemplateMessage is the envelope used to send an approved content template.
type ContentTemplateMessage struct {
	ID               string `json:"id"`
	Sender           string `json:"sender"`
	Receiver         string `json:"receiver"`
	ContentSID       string `json:"contentSid"`
	ContentVariables string `json:"contentVaribles"`
}

// SendContentTemplate sends contentSID to `to` from the business WhatsApp number.
func (m *Messenger) SendContentTemplate(ctx context.Context, messageID, to string, params map[string]string, contentSID string) (domain.SentMessage, bool) {
	vars, err := json.Marshal(params)
	if err != nil {
		m.logger.Error("unable to encode template parameters", "message_id", messageID, "err", err)
		return domain.SentMessage{}, false
	}
	env, err := json.Marshal(ContentTemplateMessage{
		ID:               "msg_whatsapp_" + messageID,
		Sender:           m.whatsappNumber,
		Receiver:         to,
		ContentSID:       contentSID,
		ContentVariables: string(vars),
	})
	if err != nil {
		m.logger.Error("unable to encode template message", "message_id", messageID, "err", err)
		return domain.SentMessage{}, false
	}
	return m.SendTextMessage(ctx, m.whatsappNumber, to, string(env), nil)
}

// NotificationData addresses a notification; Fields carry the business event payload.
type NotificationData struct {
	Sender   string
	Receiver string
	Message  string
	Fields   map[string]any
}

type NotificationResult struct {
	To     string
	Status string
	Data   map[string]any
}

// SendNotification renders and sends a business event notification.
func (m *Messenger) SendNotification(ctx context.Context, event string, data NotificationData) (NotificationResult, bool) {
	if data.Sender == "" || data.Receiver == "" {
		m.logger.Warn("notification skipped, missing sender or receiver", "event", event)
		return NotificationResult{}, false
	}
	msg := data.Message
	if msg == "" {
		rendered, err := m.renderer.Render(ctx, event, data.Fields)
		if err != nil {
			m.logger.Error("unable to render notification", "event", event, "err", err)
			return NotificationResult{}, false
		}
		msg = rendered
	}
	if _, ok := m.SendTextMessage(ctx, data.Sender, data.Receiver, msg, nil); !ok {
		return NotificationResult{}, false
	}
	return NotificationResult{
		To:     data.Sender,
		Status: "200",
		Data:   notificationPayload(data, msg),
	}, true
}

// ResendNotification sends a previously stored notification again, unchanged.
func (m *Messenger) ResendNotification(ctx context.Context, data NotificationData) (NotificationResult, bool) {
	if data.Sender == "" || data.Receiver == "" {
		m.logger.Warn("resend skipped, missing sender or receiver")
		return NotificationResult{}, false
	}
	if _, ok := m.SendTextMessage(ctx, data.Sender, data.Receiver, data.Message, nil); !ok {
		return NotificationResult{}, false
	}
	return NotificationResult{
		To:     data.Sender,
		Status: "200",
		Data: map[string]any{
			"sender":   data.Sender,
			"receiver": data.Receiver,
			"message":  data.Message,
		},
	}, true
}

func notificationPayload(data NotificationData, msg string) map[string]any {
	out := make(map[string]any, len(data.Fields)+3)
	for k, v := range data.Fields {
		out[k] = v
	}
	out["sender"] = data.Sender
	out["receiver"] = data.Receiver
	out["message"] = msg
	return out
}

// TemplateParameters numbers args from "0" for use as content variables.
func TemplateParameters(args ...string) map[string]string {
	params := make(map[string]string, len(args))
	for i, a := range args {
		params[strconv.Itoa(i)] = a
	}
	return params
}
