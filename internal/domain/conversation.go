package domain

import (
	"net/url"
	"time"
)

// ConversationStateActive is the carrier state of a conversation accepting messages.
const ConversationStateActive = "active"

// Conversation is a carrier-side multi-party conversation.
type Conversation struct {
	SID          string    `json:"sid"`
	FriendlyName string    `json:"friendly_name"`
	State        string    `json:"state"`
	DateCreated  time.Time `json:"date_created"`
	DateUpdated  time.Time `json:"date_updated"`
}

// Active reports whether the conversation is in the active state.
func (c Conversation) Active() bool {
	return c.State == ConversationStateActive
}

// Binding ties a participant address to the fixed proxy address.
type Binding struct {
	Address      string `json:"address"`
	ProxyAddress string `json:"proxy_address"`
}

// Participant is a party bound into a conversation.
type Participant struct {
	SID             string  `json:"sid"`
	ConversationSID string  `json:"conversation_sid"`
	Binding         Binding `json:"messaging_binding"`
}

// Role labels a participant for logging.
type Role string

const (
	RoleAgent Role = "agent"
	RoleUser  Role = "user"
)

// ConversationMessage is a message posted inside a conversation.
type ConversationMessage struct {
	SID             string `json:"sid"`
	ConversationSID string `json:"conversation_sid"`
	Author          string `json:"author"`
	Body            string `json:"body"`
}

// User is a carrier conversation user.
type User struct {
	SID      string `json:"sid"`
	Identity string `json:"identity"`
}

// UserConversation is one conversation a user takes part in.
type UserConversation struct {
	ConversationSID string    `json:"conversation_sid"`
	State           string    `json:"conversation_state"`
	FriendlyName    string    `json:"friendly_name"`
	DateCreated     time.Time `json:"date_created"`
	DateUpdated     time.Time `json:"date_updated"`
}

// LastActivity prefers the update timestamp and falls back to creation.
func (c UserConversation) LastActivity() time.Time {
	if !c.DateUpdated.IsZero() {
		return c.DateUpdated
	}
	return c.DateCreated
}

// ContentTemplate is a carrier content (template) resource.
type ContentTemplate struct {
	SID          string            `json:"sid"`
	FriendlyName string            `json:"friendly_name"`
	Language     string            `json:"language"`
	Variables    map[string]string `json:"variables"`
}

// ConversationEvent is a conversation pre/post hook delivery.
type ConversationEvent struct {
	EventType       string
	ConversationSID string
	ParticipantSID  string
	ChatServiceSID  string
	AccountSID      string
	Author          string
	Body            string
	Attributes      string
	Source          string
	Media           string
	RetryCount      string
	Params          map[string]string
}

// ConversationEventFromParams maps hook form parameters onto a ConversationEvent.
func ConversationEventFromParams(params url.Values) ConversationEvent {
	ev := ConversationEvent{
		EventType:       params.Get("EventType"),
		ConversationSID: params.Get("ConversationSid"),
		ParticipantSID:  params.Get("ParticipantSid"),
		ChatServiceSID:  params.Get("ChatServiceSid"),
		AccountSID:      params.Get("AccountSid"),
		Author:          params.Get("Author"),
		Body:            params.Get("Body"),
		Attributes:      params.Get("Attributes"),
		Source:          params.Get("Source"),
		Media:           params.Get("Media"),
		RetryCount:      params.Get("RetryCount"),
		Params:          make(map[string]string, len(params)),
	}
	for k := range params {
		ev.Params[k] = params.Get(k)
	}
	return ev
}

// HookResult is what a conversation hook handler returns to the carrier.
// Either the message fields or FriendlyName are set; an empty result means "no change".
type HookResult struct {
	Body         string            `json:"body,omitempty"`
	Author       string            `json:"author,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	FriendlyName string            `json:"friendly_name,omitempty"`
}

// Empty reports whether the result carries no modification.
func (r HookResult) Empty() bool {
	return r.Body == "" && r.Author == "" && len(r.Attributes) == 0 && r.FriendlyName == ""
}
