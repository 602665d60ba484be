package domain

// OutboundMessage is a request to the carrier message send API.
// When ContentSID is set the carrier renders the template and Body is omitted.
type OutboundMessage struct {
	From             string
	To               string
	Body             string
	ContentSID       string
	ContentVariables string
	MediaURLs        []string
	Extra            map[string]string
}

// SentMessage is the carrier's view of a message accepted for delivery.
type SentMessage struct {
	SID          string `json:"sid"`
	Status       string `json:"status"`
	From         string `json:"from"`
	To           string `json:"to"`
	Body         string `json:"body"`
	ErrorCode    *int   `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// NewConversation is a request to create a carrier conversation.
type NewConversation struct {
	FriendlyName   string
	State          string
	TimersInactive string
	TimersClosed   string
}

// NewConversationMessage is a message posted into a conversation.
type NewConversationMessage struct {
	Author           string
	Body             string
	ContentSID       string
	ContentVariables string
}
