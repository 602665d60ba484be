// Package handler exposes the carrier webhooks and scheduled jobs.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/twilio/twilio-go/twiml"

	"whatsapp-bridge/internal/domain"
	"whatsapp-bridge/internal/hookguard"
	"whatsapp-bridge/internal/session"
	"whatsapp-bridge/internal/signature"
	"whatsapp-bridge/internal/usecase"
)

// EmptyTwiML is the no-op messaging response, also used as the deadline fallback.
const EmptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// MessageProcessor runs business logic for verified webhook traffic.
type MessageProcessor interface {
	ProcessMessage(ctx context.Context, msg domain.InboundMessage, sess domain.Session) (domain.Reply, error)
	ProcessPrehook(ctx context.Context, ev domain.ConversationEvent) (domain.HookResult, error)
	ProcessPosthook(ctx context.Context, ev domain.ConversationEvent) (domain.HookResult, error)
}

// SessionTracker stores the per-correspondent message history.
type SessionTracker interface {
	Attach(ctx context.Context, key string, msg domain.InboundMessage) (domain.Session, error)
	RecordReply(ctx context.Context, key, user, text string) error
}

// FollowupSender delivers replies that missed the webhook deadline.
type FollowupSender interface {
	SendTextMessage(ctx context.Context, sender, receiver, message string, extra map[string]string) (domain.SentMessage, bool)
}

// Deps wires the HTTP surface. Followup is optional.
type Deps struct {
	Processor   MessageProcessor
	Sessions    SessionTracker
	Cookies     session.Cookies
	Guard       *hookguard.Guard
	AuthToken   string
	ExternalURL signature.ExternalURL
	Followup    FollowupSender
	Logger      *slog.Logger
}

type Handler struct {
	processor   MessageProcessor
	sessions    SessionTracker
	cookies     session.Cookies
	messageHook *hookguard.Guard
	convHook    *hookguard.Guard
	authToken   string
	externalURL signature.ExternalURL
	followup    FollowupSender
	logger      *slog.Logger
}

func NewHandler(d Deps) (*Handler, error) {
	if d.Processor == nil {
		return nil, errors.New("handler: processor must not be nil")
	}
	if d.Sessions == nil {
		return nil, errors.New("handler: session tracker must not be nil")
	}
	if d.Guard == nil {
		return nil, errors.New("handler: guard must not be nil")
	}
	if d.AuthToken == "" {
		return nil, errors.New("handler: auth token must not be empty")
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	messageGuard := *d.Guard
	messageGuard.Fallback = hookguard.Result{StatusCode: http.StatusOK, ContentType: "text/xml", Body: []byte(EmptyTwiML)}
	convGuard := *d.Guard
	convGuard.Fallback = hookguard.Result{StatusCode: http.StatusOK}

	return &Handler{
		processor:   d.Processor,
		sessions:    d.Sessions,
		cookies:     d.Cookies,
		messageHook: &messageGuard,
		convHook:    &convGuard,
		authToken:   d.AuthToken,
		externalURL: d.ExternalURL,
		followup:    d.Followup,
		logger:      logger,
	}, nil
}

// Routes returns the router serving every webhook.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(correlationID)

	r.Get("/healthz", h.healthz)
	r.Group(func(r chi.Router) {
		r.Use(h.verifySignature)
		r.Post("/whatsapp-message", h.receiveMessage)
		r.Post("/whatsapp-conversation-prehook", h.conversationHook("prehook", h.processor.ProcessPrehook))
		r.Post("/whatsapp-conversation-posthook", h.conversationHook("posthook", h.processor.ProcessPosthook))
	})
	return r
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) receiveMessage(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(h.logger, r)
	msg := domain.InboundMessageFromParams(paramsFrom(r.Context()))
	key := h.cookies.Key(w, r)
	log.Debug("inbound message", "message_sid", msg.MessageSid, "from", msg.From, "session_key", key)

	// Written by the handler goroutine before its outcome is delivered.
	var reply domain.Reply
	fn := func(ctx context.Context) (hookguard.Result, error) {
		sess, err := h.sessions.Attach(ctx, key, msg)
		if err != nil {
			err = &usecase.Error{Code: usecase.ErrorInternal, Reason: "session_store", Err: err}
			log.Error("unable to attach message to session", "code", usecase.ErrorInternal, "err", err)
			return hookguard.Result{}, err
		}
		reply, err = h.processor.ProcessMessage(ctx, msg, sess)
		if err != nil {
			log.Warn("message handler failed", "code", errorCode(err), "message_sid", msg.MessageSid, "err", err)
			return hookguard.Result{}, err
		}
		if text := reply.Text(); text != "" {
			if err := h.sessions.RecordReply(ctx, key, msg.From, text); err != nil {
				log.Warn("unable to record reply", "from", msg.From, "err", err)
			}
		}
		body, err := renderTwiML(reply)
		if err != nil {
			return hookguard.Result{}, err
		}
		return hookguard.Result{StatusCode: http.StatusOK, ContentType: "text/xml", Body: body}, nil
	}

	late := func(ctx context.Context, _ hookguard.Outcome) {
		text := reply.Text()
		if h.followup == nil || text == "" {
			log.Info("discarding late reply", "message_sid", msg.MessageSid)
			return
		}
		if _, ok := h.followup.SendTextMessage(ctx, msg.To, msg.From, text, nil); ok {
			log.Info("late reply sent as follow-up", "message_sid", msg.MessageSid, "to", msg.From)
		}
	}
	h.messageHook.Serve(w, r, fn, late)
}

type hookFunc func(ctx context.Context, ev domain.ConversationEvent) (domain.HookResult, error)

func (h *Handler) conversationHook(kind string, process hookFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := requestLogger(h.logger, r)
		ev := domain.ConversationEventFromParams(paramsFrom(r.Context()))

		h.convHook.Serve(w, r, func(ctx context.Context) (hookguard.Result, error) {
			res, err := process(ctx, ev)
			if errors.Is(err, usecase.ErrHookNotConfigured) || (err == nil && res.Empty()) {
				return hookguard.Result{StatusCode: http.StatusOK}, nil
			}
			if err != nil {
				log.Warn("conversation hook failed", "hook", kind, "code", errorCode(err), "err", err)
				return hookguard.Result{}, err
			}
			body, err := json.Marshal(res)
			if err != nil {
				return hookguard.Result{}, err
			}
			log.Debug("conversation hook answered", "hook", kind, "event_type", ev.EventType)
			return hookguard.Result{StatusCode: http.StatusOK, ContentType: "application/json", Body: body}, nil
		}, nil)
	}
}

// renderTwiML turns a reply into a messaging TwiML document.
func renderTwiML(reply domain.Reply) ([]byte, error) {
	verbs := make([]twiml.Element, 0, len(reply.Messages))
	for _, m := range reply.Messages {
		if m.Body == "" && len(m.MediaURLs) == 0 {
			continue
		}
		media := make([]twiml.Element, 0, len(m.MediaURLs))
		for _, u := range m.MediaURLs {
			media = append(media, &twiml.MessagingMedia{Url: u})
		}
		verbs = append(verbs, &twiml.MessagingMessage{Body: m.Body, InnerElements: media})
	}
	if len(verbs) == 0 {
		return []byte(EmptyTwiML), nil
	}
	doc, err := twiml.Messages(verbs)
	if err != nil {
		return nil, err
	}
	return []byte(doc), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
