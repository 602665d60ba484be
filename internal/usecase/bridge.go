package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"whatsapp-bridge/internal/domain"
)

const (
	DefaultInactiveTimer = "PT10M"
	DefaultClosedTimer   = "PT36000S"

	whatsappPrefix = "whatsapp:"
)

// ConversationAPI is the carrier conversations surface used by Bridge.
type ConversationAPI interface {
	CreateConversation(ctx context.Context, in domain.NewConversation) (domain.Conversation, error)
	FetchConversation(ctx context.Context, sid string) (domain.Conversation, error)
	ListConversations(ctx context.Context) ([]domain.Conversation, error)
	ListParticipants(ctx context.Context, conversationSID string) ([]domain.Participant, error)
	CreateParticipant(ctx context.Context, conversationSID string, binding domain.Binding) (domain.Participant, error)
	CreateConversationMessage(ctx context.Context, conversationSID string, msg domain.NewConversationMessage) (domain.ConversationMessage, error)
	FetchContent(ctx context.Context, contentSID string) (domain.ContentTemplate, error)
}

type BridgeConfig struct {
	// ProxyNumber is the business WhatsApp number every binding is proxied through.
	ProxyNumber   string
	InactiveTimer string
	ClosedTimer   string
}

// Bridge sets up carrier conversations between an agent and a customer.
// Carrier failures are logged and reported as absence; nothing is rolled back.
type Bridge struct {
	api    ConversationAPI
	cfg    BridgeConfig
	logger *slog.Logger
	now    func() time.Time
}

type StartAgentConversationInput struct {
	Sender               string
	Receiver             string
	AgentRealNumber      string
	OtherPartyRealNumber string
}

type AgentConversation struct {
	Conversation domain.Conversation
	// Existing is set when an active conversation between the parties was reused.
	Existing bool
}

func NewBridge(api ConversationAPI, cfg BridgeConfig, logger *slog.Logger) (*Bridge, error) {
	if api == nil {
		return nil, errors.New("usecase: conversation api must not be nil")
	}
	cfg.ProxyNumber = strings.TrimSpace(cfg.ProxyNumber)
	if cfg.ProxyNumber == "" {
		return nil, errors.New("usecase: proxy number must not be empty")
	}
	if cfg.InactiveTimer == "" {
		cfg.InactiveTimer = DefaultInactiveTimer
	}
	if cfg.ClosedTimer == "" {
		cfg.ClosedTimer = DefaultClosedTimer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{api: api, cfg: cfg, logger: logger, now: time.Now}, nil
}

func (b *Bridge) StartConversation(ctx context.Context, partyA, partyB string) (domain.Conversation, bool) {
	conv, err := b.api.CreateConversation(ctx, domain.NewConversation{
		FriendlyName:   fmt.Sprintf("%s-%s-%d", partyA, partyB, b.now().Day()),
		State:          domain.ConversationStateActive,
		TimersInactive: b.cfg.InactiveTimer,
		TimersClosed:   b.cfg.ClosedTimer,
	})
	if err != nil {
		b.logger.Error("unable to create conversation", carrierAttrs(err, "party_a", partyA, "party_b", partyB)...)
		return domain.Conversation{}, false
	}
	return conv, true
}

func (b *Bridge) GetExistingConversation(ctx context.Context, sid string) (domain.Conversation, bool) {
	conv, err := b.api.FetchConversation(ctx, sid)
	if err != nil {
		b.logger.Error("unable to fetch conversation", carrierAttrs(err, "conversation_sid", sid)...)
		return domain.Conversation{}, false
	}
	return conv, true
}

// JoinParticipant binds phone into the conversation unless an identical binding exists.
func (b *Bridge) JoinParticipant(ctx context.Context, conversationSID, phone string, role domain.Role) (domain.Participant, bool) {
	binding := b.binding(phone)
	participants, err := b.api.ListParticipants(ctx, conversationSID)
	if err != nil {
		b.logger.Error("unable to list participants", carrierAttrs(err, "conversation_sid", conversationSID, "role", role)...)
		return domain.Participant{}, false
	}
	if p, ok := findParticipant(participants, binding); ok {
		return p, true
	}

	p, err := b.api.CreateParticipant(ctx, conversationSID, binding)
	if err != nil {
		b.logger.Error("unable to add participant to conversation", carrierAttrs(err, "conversation_sid", conversationSID, "role", role)...)
		return domain.Participant{}, false
	}
	return p, true
}

// FindActiveConversationBetween returns the first active conversation that binds both parties.
func (b *Bridge) FindActiveConversationBetween(ctx context.Context, partyA, partyB string) (domain.Conversation, bool) {
	bindingA, bindingB := b.binding(partyA), b.binding(partyB)

	convs, err := b.api.ListConversations(ctx)
	if err != nil {
		b.logger.Error("unable to list conversations", carrierAttrs(err)...)
		return domain.Conversation{}, false
	}
	for _, conv := range convs {
		if ctx.Err() != nil {
			return domain.Conversation{}, false
		}
		if !conv.Active() {
			continue
		}
		participants, err := b.api.ListParticipants(ctx, conv.SID)
		if err != nil {
			b.logger.Warn("skipping conversation, unable to list participants", carrierAttrs(err, "conversation_sid", conv.SID)...)
			continue
		}
		_, hasA := findParticipant(participants, bindingA)
		_, hasB := findParticipant(participants, bindingB)
		if hasA && hasB {
			return conv, true
		}
	}
	return domain.Conversation{}, false
}

// StartAgentConversation reuses an active conversation between the parties or
// creates one and joins the agent then the user.
func (b *Bridge) StartAgentConversation(ctx context.Context, in StartAgentConversationInput) (AgentConversation, bool) {
	if in.Sender == "" || in.Receiver == "" {
		b.logger.Error("agent conversation needs sender and receiver", "sender", in.Sender, "receiver", in.Receiver)
		return AgentConversation{}, false
	}
	agent := in.AgentRealNumber
	if agent == "" {
		agent = in.Sender
	}
	other := in.OtherPartyRealNumber
	if other == "" {
		other = in.Receiver
	}

	if conv, ok := b.FindActiveConversationBetween(ctx, agent, other); ok {
		b.logger.Info("reusing active agent conversation", "conversation_sid", conv.SID)
		return AgentConversation{Conversation: conv, Existing: true}, true
	}

	conv, ok := b.StartConversation(ctx, in.Sender, in.Receiver)
	if !ok {
		return AgentConversation{}, false
	}
	if _, ok := b.JoinParticipant(ctx, conv.SID, in.Sender, domain.RoleAgent); !ok {
		b.logger.Warn("agent not joined, continuing with user", "conversation_sid", conv.SID)
	}
	if _, ok := b.JoinParticipant(ctx, conv.SID, in.Receiver, domain.RoleUser); !ok {
		b.logger.Warn("user not joined", "conversation_sid", conv.SID)
	}
	return AgentConversation{Conversation: conv}, true
}

func (b *Bridge) SendAgentMessage(ctx context.Context, conversationSID, body, agentNumber string) (domain.ConversationMessage, bool) {
	msg, err := b.api.CreateConversationMessage(ctx, conversationSID, domain.NewConversationMessage{
		Author: whatsappAddress(agentNumber),
		Body:   body,
	})
	if err != nil {
		b.logger.Error("unable to send message to conversation", carrierAttrs(err, "conversation_sid", conversationSID)...)
		return domain.ConversationMessage{}, false
	}
	return msg, true
}

func (b *Bridge) SendAgentContentTemplate(ctx context.Context, conversationSID, contentSID string, variables map[string]string, agentNumber string) (domain.ConversationMessage, bool) {
	vars, err := json.Marshal(variables)
	if err != nil {
		b.logger.Error("unable to encode content variables", "conversation_sid", conversationSID, "err", err)
		return domain.ConversationMessage{}, false
	}
	msg, err := b.api.CreateConversationMessage(ctx, conversationSID, domain.NewConversationMessage{
		Author:           whatsappAddress(agentNumber),
		ContentSID:       contentSID,
		ContentVariables: string(vars),
	})
	if err != nil {
		b.logger.Error("unable to send content template to conversation", carrierAttrs(err, "conversation_sid", conversationSID, "content_sid", contentSID)...)
		return domain.ConversationMessage{}, false
	}
	return msg, true
}

func (b *Bridge) GetContentTemplate(ctx context.Context, contentSID string) (domain.ContentTemplate, bool) {
	tpl, err := b.api.FetchContent(ctx, contentSID)
	if err != nil {
		b.logger.Error("unable to fetch content template", carrierAttrs(err, "content_sid", contentSID)...)
		return domain.ContentTemplate{}, false
	}
	return tpl, true
}

func (b *Bridge) binding(phone string) domain.Binding {
	return domain.Binding{
		Address:      whatsappAddress(phone),
		ProxyAddress: whatsappAddress(b.cfg.ProxyNumber),
	}
}

func findParticipant(participants []domain.Participant, binding domain.Binding) (domain.Participant, bool) {
	for _, p := range participants {
		if p.Binding == binding {
			return p, true
		}
	}
	return domain.Participant{}, false
}

// whatsappAddress prefixes a bare phone number with the whatsapp channel.
func whatsappAddress(phone string) string {
	phone = strings.TrimSpace(phone)
	if strings.HasPrefix(phone, whatsappPrefix) {
		return phone
	}
	return whatsappPrefix + phone
}
