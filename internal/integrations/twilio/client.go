package twilio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	twiliosdk "github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	apiv2010 "github.com/twilio/twilio-go/rest/api/v2010"
	conversationsv1 "github.com/twilio/twilio-go/rest/conversations/v1"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"whatsapp-bridge/internal/domain"
)

const (
	tracerName = "whatsapp-bridge/twilio"
	pageSize   = 50
)

// Credentials authenticate REST calls and sign webhooks.
type Credentials struct {
	AccountSID string `json:"account_sid"`
	AuthToken  string `json:"auth_token"`
}

// HTTPStatusError captures non-2xx carrier responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("twilio: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client exposes the narrow slice of the carrier's messaging, conversations
// and content APIs the bridge needs, on top of the twilio-go REST client.
type Client struct {
	rest   *twiliosdk.RestClient
	tracer trace.Tracer

	baseURL    string
	httpClient *http.Client
}

type Option func(*Client)

// WithBaseURL points every carrier API at one host, e.g. a local mock server.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) {
		if tp != nil {
			c.tracer = tp.Tracer(tracerName)
		}
	}
}

// NewClient creates a Client authenticated with creds.
func NewClient(creds Credentials, opts ...Option) (*Client, error) {
	creds.AccountSID = strings.TrimSpace(creds.AccountSID)
	creds.AuthToken = strings.TrimSpace(creds.AuthToken)
	if creds.AccountSID == "" {
		return nil, errors.New("twilio: account sid must not be empty")
	}
	if creds.AuthToken == "" {
		return nil, errors.New("twilio: auth token must not be empty")
	}
	c := &Client{httpClient: &http.Client{Timeout: 10 * time.Second}}
	for _, opt := range opts {
		opt(c)
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer(tracerName)
	}

	httpClient := c.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if c.baseURL != "" {
		base, err := url.Parse(c.baseURL)
		if err != nil || base.Scheme == "" || base.Host == "" {
			return nil, fmt.Errorf("twilio: invalid base url %q", c.baseURL)
		}
		rebased := *httpClient
		rebased.Transport = &rebaseTransport{base: base, next: httpClient.Transport}
		httpClient = &rebased
	}

	base := &twclient.Client{
		Credentials: twclient.NewCredentials(creds.AccountSID, creds.AuthToken),
		HTTPClient:  httpClient,
	}
	base.SetAccountSid(creds.AccountSID)
	c.rest = twiliosdk.NewRestClientWithParams(twiliosdk.ClientParams{
		Username:   creds.AccountSID,
		Password:   creds.AuthToken,
		AccountSid: creds.AccountSID,
		Client:     base,
	})
	return c, nil
}

// rebaseTransport sends requests meant for the carrier's hosts to one base URL.
// Page links returned by the carrier are absolute, so they are rewritten too.
type rebaseTransport struct {
	base *url.URL
	next http.RoundTripper
}

func (t *rebaseTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.URL.Scheme = t.base.Scheme
	out.URL.Host = t.base.Host
	out.URL.Path = strings.TrimRight(t.base.Path, "/") + req.URL.Path
	out.URL.RawPath = ""
	out.Host = ""
	next := t.next
	if next == nil {
		next = http.DefaultTransport
	}
	return next.RoundTrip(out)
}

// SendMessage posts a message through the messaging API.
func (c *Client) SendMessage(ctx context.Context, msg domain.OutboundMessage) (domain.SentMessage, error) {
	if msg.From == "" || msg.To == "" {
		return domain.SentMessage{}, errors.New("twilio: message from and to are required")
	}
	params := &apiv2010.CreateMessageParams{}
	params.SetFrom(msg.From)
	params.SetTo(msg.To)
	if msg.ContentSID != "" {
		params.SetContentSid(msg.ContentSID)
		if msg.ContentVariables != "" {
			params.SetContentVariables(msg.ContentVariables)
		}
	} else {
		params.SetBody(msg.Body)
	}
	if len(msg.MediaURLs) > 0 {
		params.SetMediaUrl(msg.MediaURLs)
	}
	for k, v := range msg.Extra {
		switch k {
		case "StatusCallback":
			params.SetStatusCallback(v)
		case "MessagingServiceSid":
			params.SetMessagingServiceSid(v)
		default:
			return domain.SentMessage{}, fmt.Errorf("twilio: unsupported message parameter %q", k)
		}
	}

	var out domain.SentMessage
	err := c.call(ctx, "messages.create", &out, func() (any, error) {
		return c.rest.Api.CreateMessage(params)
	})
	if err != nil {
		return domain.SentMessage{}, err
	}
	return out, nil
}

func (c *Client) CreateConversation(ctx context.Context, in domain.NewConversation) (domain.Conversation, error) {
	params := &conversationsv1.CreateConversationParams{}
	if in.FriendlyName != "" {
		params.SetFriendlyName(in.FriendlyName)
	}
	if in.State != "" {
		params.SetState(in.State)
	}
	if in.TimersInactive != "" {
		params.SetTimersInactive(in.TimersInactive)
	}
	if in.TimersClosed != "" {
		params.SetTimersClosed(in.TimersClosed)
	}

	var out domain.Conversation
	err := c.call(ctx, "conversations.create", &out, func() (any, error) {
		return c.rest.ConversationsV1.CreateConversation(params)
	})
	if err != nil {
		return domain.Conversation{}, err
	}
	return out, nil
}

func (c *Client) FetchConversation(ctx context.Context, sid string) (domain.Conversation, error) {
	if sid == "" {
		return domain.Conversation{}, errors.New("twilio: conversation sid is required")
	}
	var out domain.Conversation
	err := c.call(ctx, "conversations.fetch", &out, func() (any, error) {
		return c.rest.ConversationsV1.FetchConversation(sid)
	})
	if err != nil {
		return domain.Conversation{}, err
	}
	return out, nil
}

// ListConversations follows pagination until the carrier reports no next page.
func (c *Client) ListConversations(ctx context.Context) ([]domain.Conversation, error) {
	params := &conversationsv1.ListConversationParams{}
	params.SetPageSize(pageSize)

	var out []domain.Conversation
	err := c.call(ctx, "conversations.list", &out, func() (any, error) {
		return c.rest.ConversationsV1.ListConversation(params)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListParticipants(ctx context.Context, conversationSID string) ([]domain.Participant, error) {
	if conversationSID == "" {
		return nil, errors.New("twilio: conversation sid is required")
	}
	params := &conversationsv1.ListConversationParticipantParams{}
	params.SetPageSize(pageSize)

	var out []domain.Participant
	err := c.call(ctx, "participants.list", &out, func() (any, error) {
		return c.rest.ConversationsV1.ListConversationParticipant(conversationSID, params)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CreateParticipant(ctx context.Context, conversationSID string, binding domain.Binding) (domain.Participant, error) {
	if conversationSID == "" {
		return domain.Participant{}, errors.New("twilio: conversation sid is required")
	}
	params := &conversationsv1.CreateConversationParticipantParams{}
	params.SetMessagingBindingAddress(binding.Address)
	params.SetMessagingBindingProxyAddress(binding.ProxyAddress)

	var out domain.Participant
	err := c.call(ctx, "participants.create", &out, func() (any, error) {
		return c.rest.ConversationsV1.CreateConversationParticipant(conversationSID, params)
	})
	if err != nil {
		return domain.Participant{}, err
	}
	return out, nil
}

func (c *Client) CreateConversationMessage(ctx context.Context, conversationSID string, msg domain.NewConversationMessage) (domain.ConversationMessage, error) {
	if conversationSID == "" {
		return domain.ConversationMessage{}, errors.New("twilio: conversation sid is required")
	}
	params := &conversationsv1.CreateConversationMessageParams{}
	if msg.Author != "" {
		params.SetAuthor(msg.Author)
	}
	if msg.ContentSID != "" {
		params.SetContentSid(msg.ContentSID)
		if msg.ContentVariables != "" {
			params.SetContentVariables(msg.ContentVariables)
		}
	} else {
		params.SetBody(msg.Body)
	}

	var out domain.ConversationMessage
	err := c.call(ctx, "conversation_messages.create", &out, func() (any, error) {
		return c.rest.ConversationsV1.CreateConversationMessage(conversationSID, params)
	})
	if err != nil {
		return domain.ConversationMessage{}, err
	}
	return out, nil
}

func (c *Client) FetchContent(ctx context.Context, contentSID string) (domain.ContentTemplate, error) {
	if contentSID == "" {
		return domain.ContentTemplate{}, errors.New("twilio: content sid is required")
	}
	var out domain.ContentTemplate
	err := c.call(ctx, "content.fetch", &out, func() (any, error) {
		return c.rest.ContentV1.FetchContent(contentSID)
	})
	if err != nil {
		return domain.ContentTemplate{}, err
	}
	return out, nil
}

func (c *Client) ListUsers(ctx context.Context) ([]domain.User, error) {
	params := &conversationsv1.ListUserParams{}
	params.SetPageSize(pageSize)

	var out []domain.User
	err := c.call(ctx, "users.list", &out, func() (any, error) {
		return c.rest.ConversationsV1.ListUser(params)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListUserConversations(ctx context.Context, userSID string) ([]domain.UserConversation, error) {
	if userSID == "" {
		return nil, errors.New("twilio: user sid is required")
	}
	params := &conversationsv1.ListUserConversationParams{}
	params.SetPageSize(pageSize)

	var out []domain.UserConversation
	err := c.call(ctx, "user_conversations.list", &out, func() (any, error) {
		return c.rest.ConversationsV1.ListUserConversation(userSID, params)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) DeleteUserConversation(ctx context.Context, userSID, conversationSID string) error {
	if userSID == "" || conversationSID == "" {
		return errors.New("twilio: user sid and conversation sid are required")
	}
	return c.call(ctx, "user_conversations.delete", nil, func() (any, error) {
		return nil, c.rest.ConversationsV1.DeleteUserConversation(userSID, conversationSID)
	})
}

func (c *Client) DeleteUser(ctx context.Context, userSID string) error {
	if userSID == "" {
		return errors.New("twilio: user sid is required")
	}
	return c.call(ctx, "users.delete", nil, func() (any, error) {
		return nil, c.rest.ConversationsV1.DeleteUser(userSID, &conversationsv1.DeleteUserParams{})
	})
}

// call runs one SDK operation inside a client span and decodes its result into
// out through the carrier's JSON field names. The SDK takes no context, so ctx
// is only checked before the call.
func (c *Client) call(ctx context.Context, op string, out any, do func() (any, error)) error {
	_, span := c.tracer.Start(ctx, "twilio."+op, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("twilio.operation", op))

	if err := ctx.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "canceled")
		return fmt.Errorf("twilio: %s: %w", op, err)
	}

	res, err := do()
	if err != nil {
		err = statusError(op, err)
		var statusErr *HTTPStatusError
		if errors.As(err, &statusErr) {
			span.SetAttributes(attribute.Int("http.response.status_code", statusErr.StatusCode))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, op)
		return fmt.Errorf("twilio: %s request failed: %w", op, err)
	}
	if out == nil {
		return nil
	}
	raw, err := json.Marshal(res)
	if err == nil {
		err = json.Unmarshal(raw, out)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode")
		return fmt.Errorf("twilio: decode %s response: %w", op, err)
	}
	return nil
}

// statusError maps the SDK's REST error onto HTTPStatusError.
func statusError(op string, err error) error {
	var restErr *twclient.TwilioRestError
	if !errors.As(err, &restErr) || restErr.Status == 0 {
		return err
	}
	body := restErr.Message
	if restErr.Code != 0 {
		body = fmt.Sprintf("%d %s", restErr.Code, restErr.Message)
	}
	return &HTTPStatusError{StatusCode: restErr.Status, URL: op, Body: body}
}
