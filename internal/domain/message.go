package domain

import (
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Sender identifies who produced a session entry.
type Sender string

const (
	SenderUser Sender = "USER"
	SenderBot  Sender = "BOT"
)

// InboundMessage is the carrier-defined field set of an inbound WhatsApp message.
// It is immutable once received.
type InboundMessage struct {
	MessageSid  string            `json:"messageSid"`
	AccountSid  string            `json:"accountSid"`
	From        string            `json:"from"`
	To          string            `json:"to"`
	Body        string            `json:"body"`
	ProfileName string            `json:"profileName,omitempty"`
	WaID        string            `json:"waId,omitempty"`
	NumMedia    int               `json:"numMedia,omitempty"`
	Media       []Media           `json:"media,omitempty"`
	Latitude    string            `json:"latitude,omitempty"`
	Longitude   string            `json:"longitude,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
}

// Media is a single media reference attached to an inbound message.
type Media struct {
	URL         string `json:"url"`
	ContentType string `json:"contentType"`
}

// HasLocation reports whether the message carries a shared location.
func (m InboundMessage) HasLocation() bool {
	return m.Latitude != "" && m.Longitude != ""
}

// InboundMessageFromParams maps webhook form parameters onto an InboundMessage.
func InboundMessageFromParams(params url.Values) InboundMessage {
	msg := InboundMessage{
		MessageSid:  firstOf(params, "MessageSid", "SmsMessageSid", "SmsSid"),
		AccountSid:  params.Get("AccountSid"),
		From:        params.Get("From"),
		To:          params.Get("To"),
		Body:        params.Get("Body"),
		ProfileName: params.Get("ProfileName"),
		WaID:        params.Get("WaId"),
		Latitude:    params.Get("Latitude"),
		Longitude:   params.Get("Longitude"),
		Params:      make(map[string]string, len(params)),
	}
	for k := range params {
		msg.Params[k] = params.Get(k)
	}
	if n, err := strconv.Atoi(strings.TrimSpace(params.Get("NumMedia"))); err == nil && n > 0 {
		msg.NumMedia = n
		for i := 0; i < n; i++ {
			idx := strconv.Itoa(i)
			u := params.Get("MediaUrl" + idx)
			if u == "" {
				continue
			}
			msg.Media = append(msg.Media, Media{URL: u, ContentType: params.Get("MediaContentType" + idx)})
		}
	}
	return msg
}

func firstOf(params url.Values, keys ...string) string {
	for _, k := range keys {
		if v := params.Get(k); v != "" {
			return v
		}
	}
	return ""
}

// Message is one entry of a Session.
type Message struct {
	Sender  Sender          `json:"sender"`
	Inbound *InboundMessage `json:"inbound,omitempty"`
	Text    string          `json:"text,omitempty"`
	At      time.Time       `json:"at"`
}

// Session correlates the messages exchanged with one correspondent address.
type Session struct {
	User     string    `json:"user"`
	Bot      string    `json:"bot"`
	Messages []Message `json:"messages"`
}

// Bag is the set of sessions held under one session storage key.
type Bag struct {
	Sessions []Session `json:"sessions"`
}

// Reply is the synchronous answer to an inbound message.
type Reply struct {
	Messages []ReplyMessage
}

// ReplyMessage is a single outbound message inside a Reply.
type ReplyMessage struct {
	Body      string
	MediaURLs []string
}

// Text joins the bodies of every reply message.
func (r Reply) Text() string {
	parts := make([]string, 0, len(r.Messages))
	for _, m := range r.Messages {
		if m.Body != "" {
			parts = append(parts, m.Body)
		}
	}
	return strings.Join(parts, "\n")
}

// TextReply builds a single-message reply.
func TextReply(body string) Reply {
	return Reply{Messages: []ReplyMessage{{Body: body}}}
}
