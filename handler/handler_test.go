package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"whatsapp-bridge/internal/domain"
	"whatsapp-bridge/internal/hookguard"
	"whatsapp-bridge/internal/repository"
	"whatsapp-bridge/internal/session"
	"whatsapp-bridge/internal/signature"
	"whatsapp-bridge/internal/usecase"
)

const (
	testToken = "12345"
	testHost  = "bot.example.com"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type stubProcessor struct {
	reply domain.Reply
	hook  domain.HookResult
	err   error
	delay time.Duration

	mu       sync.Mutex
	lastHook domain.ConversationEvent
}

func (s *stubProcessor) hookEvent() domain.ConversationEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHook
}

func (s *stubProcessor) ProcessMessage(_ context.Context, _ domain.InboundMessage, _ domain.Session) (domain.Reply, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.reply, s.err
}

func (s *stubProcessor) ProcessPrehook(_ context.Context, ev domain.ConversationEvent) (domain.HookResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHook = ev
	return s.hook, s.err
}

func (s *stubProcessor) ProcessPosthook(_ context.Context, ev domain.ConversationEvent) (domain.HookResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHook = ev
	return s.hook, s.err
}

type recordingSender struct {
	sent chan [3]string
}

func (r *recordingSender) SendTextMessage(_ context.Context, sender, receiver, message string, _ map[string]string) (domain.SentMessage, bool) {
	r.sent <- [3]string{sender, receiver, message}
	return domain.SentMessage{SID: "SM1"}, true
}

type fixture struct {
	srv   *httptest.Server
	store *repository.MemoryStore
}

func newFixture(t *testing.T, proc MessageProcessor, followup FollowupSender) fixture {
	t.Helper()
	store, err := repository.NewMemoryStore(time.Hour)
	require.NoError(t, err)
	correlator, err := session.NewCorrelator(store)
	require.NoError(t, err)

	h, err := NewHandler(Deps{
		Processor:   proc,
		Sessions:    correlator,
		Cookies:     session.NewCookies("cookie-secret", time.Hour, false),
		Guard:       hookguard.New(200*time.Millisecond, hookguard.Result{}, quiet),
		AuthToken:   testToken,
		ExternalURL: signature.ExternalURL{Protocol: "https", Host: testHost},
		Followup:    followup,
		Logger:      quiet,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return fixture{srv: srv, store: store}
}

func echoProcessor(t *testing.T) *usecase.Receiver {
	t.Helper()
	rc, err := usecase.NewReceiver(usecase.EchoHandler{}, quiet)
	require.NoError(t, err)
	return rc
}

func signedForm(t *testing.T, f fixture, path string, params url.Values, cookies ...*http.Cookie) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+path, strings.NewReader(params.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(signature.Header, signature.Sign(testToken, "https://"+testHost+path, params))
	for _, c := range cookies {
		req.AddCookie(c)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func inbound(body string) url.Values {
	return url.Values{
		"MessageSid": {"SM100"},
		"AccountSid": {"AC123"},
		"From":       {"whatsapp:+1234567899"},
		"To":         {"whatsapp:+123456789"},
		"Body":       {body},
	}
}

func TestNewHandler_ValidatesDependencies(t *testing.T) {
	guard := hookguard.New(time.Second, hookguard.Result{}, quiet)
	store, err := repository.NewMemoryStore(time.Hour)
	require.NoError(t, err)
	correlator, err := session.NewCorrelator(store)
	require.NoError(t, err)

	_, err = NewHandler(Deps{Sessions: correlator, Guard: guard, AuthToken: testToken})
	require.Error(t, err)
	_, err = NewHandler(Deps{Processor: &stubProcessor{}, Guard: guard, AuthToken: testToken})
	require.Error(t, err)
	_, err = NewHandler(Deps{Processor: &stubProcessor{}, Sessions: correlator, AuthToken: testToken})
	require.Error(t, err)
	_, err = NewHandler(Deps{Processor: &stubProcessor{}, Sessions: correlator, Guard: guard})
	require.Error(t, err)
}

func TestReceiveMessage_RepliesWithTwiML(t *testing.T) {
	f := newFixture(t, echoProcessor(t), nil)

	resp := signedForm(t, f, "/whatsapp-message", inbound("hi"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/xml", resp.Header.Get("Content-Type"))
	require.NotEmpty(t, resp.Header.Get(correlationHeader))

	body := readBody(t, resp)
	require.True(t, strings.HasPrefix(body, "<?xml"), body)
	require.Contains(t, body, "<Response>")
	require.Contains(t, body, ">hi<")
}

func TestReceiveMessage_CorrelatesAcrossRequests(t *testing.T) {
	f := newFixture(t, echoProcessor(t), nil)

	first := signedForm(t, f, "/whatsapp-message", inbound("one"))
	require.Equal(t, http.StatusOK, first.StatusCode)
	var cookie *http.Cookie
	for _, c := range first.Cookies() {
		if c.Name == session.CookieName {
			cookie = c
		}
	}
	require.NotNil(t, cookie)

	second := signedForm(t, f, "/whatsapp-message", inbound("two"), cookie)
	require.Equal(t, http.StatusOK, second.StatusCode)
	for _, c := range second.Cookies() {
		require.NotEqual(t, session.CookieName, c.Name, "valid cookie must not be reissued")
	}

	key := cookie.Value[:strings.LastIndexByte(cookie.Value, '.')]
	bag, ok, err := f.store.Get(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, bag.Sessions, 1)

	msgs := bag.Sessions[0].Messages
	require.Len(t, msgs, 4)
	require.Equal(t, domain.SenderUser, msgs[0].Sender)
	require.Equal(t, domain.SenderBot, msgs[1].Sender)
	require.Equal(t, "one", msgs[1].Text)
	require.Equal(t, "two", msgs[3].Text)
}

func TestReceiveMessage_EmptyReplyIsEmptyResponse(t *testing.T) {
	f := newFixture(t, &stubProcessor{}, nil)

	resp := signedForm(t, f, "/whatsapp-message", inbound("hi"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, EmptyTwiML, readBody(t, resp))
}

func TestReceiveMessage_HandlerErrorIsBadRequest(t *testing.T) {
	f := newFixture(t, &stubProcessor{err: errors.New("model offline")}, nil)

	resp := signedForm(t, f, "/whatsapp-message", inbound("hi"))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Contains(t, out["message"], "model offline")
}

func TestReceiveMessage_SlowHandlerGetsFallbackAndFollowup(t *testing.T) {
	sender := &recordingSender{sent: make(chan [3]string, 1)}
	proc := &stubProcessor{reply: domain.TextReply("done thinking"), delay: 500 * time.Millisecond}
	f := newFixture(t, proc, sender)

	start := time.Now()
	resp := signedForm(t, f, "/whatsapp-message", inbound("hi"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, EmptyTwiML, readBody(t, resp))
	require.Less(t, time.Since(start), 450*time.Millisecond)

	select {
	case got := <-sender.sent:
		require.Equal(t, [3]string{"whatsapp:+123456789", "whatsapp:+1234567899", "done thinking"}, got)
	case <-time.After(2 * time.Second):
		t.Fatal("late reply was not followed up")
	}
}

func TestWebhook_RejectsUnsignedRequests(t *testing.T) {
	f := newFixture(t, echoProcessor(t), nil)

	cases := []struct {
		name   string
		body   string
		header string
	}{
		{name: "missing header", body: inbound("hi").Encode()},
		{name: "wrong signature", body: inbound("hi").Encode(), header: "bm90LXRoZS1yaWdodC1zaWc="},
		{name: "signed for another url", body: inbound("hi").Encode(), header: signature.Sign(testToken, "https://evil.example.com/whatsapp-message", inbound("hi"))},
		{name: "empty body", body: "", header: signature.Sign(testToken, "https://"+testHost+"/whatsapp-message", url.Values{})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/whatsapp-message", strings.NewReader(tc.body))
			require.NoError(t, err)
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			if tc.header != "" {
				req.Header.Set(signature.Header, tc.header)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			require.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
			require.Equal(t, "Unauthorized", readBody(t, resp))
		})
	}
}

func TestWebhook_AcceptsSignedJSONBody(t *testing.T) {
	f := newFixture(t, echoProcessor(t), nil)

	raw := `{"From":"whatsapp:+1234567899","To":"whatsapp:+123456789","Body":"json hi","NumMedia":0}`
	params := url.Values{
		"From":     {"whatsapp:+1234567899"},
		"To":       {"whatsapp:+123456789"},
		"Body":     {"json hi"},
		"NumMedia": {"0"},
	}
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/whatsapp-message", strings.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signature.Header, signature.Sign(testToken, "https://"+testHost+"/whatsapp-message", params))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, readBody(t, resp), ">json hi<")
}

func TestConversationHooks(t *testing.T) {
	ev := url.Values{
		"EventType":       {"onMessageAdd"},
		"ConversationSid": {"CH1"},
		"Author":          {"whatsapp:+1234567899"},
		"Body":            {"hello"},
	}

	t.Run("result is returned as json", func(t *testing.T) {
		proc := &stubProcessor{hook: domain.HookResult{Body: "rewritten"}}
		f := newFixture(t, proc, nil)

		resp := signedForm(t, f, "/whatsapp-conversation-prehook", ev)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

		var out domain.HookResult
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		require.Equal(t, "rewritten", out.Body)
		require.Equal(t, "CH1", proc.hookEvent().ConversationSID)
	})

	t.Run("not configured is an empty success", func(t *testing.T) {
		f := newFixture(t, echoProcessor(t), nil)

		resp := signedForm(t, f, "/whatsapp-conversation-posthook", ev)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Empty(t, readBody(t, resp))
	})

	t.Run("handler failure is a bad request", func(t *testing.T) {
		f := newFixture(t, &stubProcessor{err: errors.New("rejected")}, nil)

		resp := signedForm(t, f, "/whatsapp-conversation-posthook", ev)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, echoProcessor(t), nil)

	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("x-correlation-id", "corr-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "corr-123", resp.Header.Get(correlationHeader))
}

type failingSessions struct{ err error }

func (f failingSessions) Attach(context.Context, string, domain.InboundMessage) (domain.Session, error) {
	return domain.Session{}, f.err
}

func (f failingSessions) RecordReply(context.Context, string, string, string) error { return f.err }

// lockedBuffer is written by server goroutines and read by the test.
type lockedBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func serve(t *testing.T, d Deps) fixture {
	t.Helper()
	d.Guard = hookguard.New(200*time.Millisecond, hookguard.Result{}, quiet)
	d.AuthToken = testToken
	d.ExternalURL = signature.ExternalURL{Protocol: "https", Host: testHost}
	d.Cookies = session.NewCookies("cookie-secret", time.Hour, false)
	h, err := NewHandler(d)
	require.NoError(t, err)
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return fixture{srv: srv}
}

func TestReceiveMessage_SessionStoreFailureIsInternalError(t *testing.T) {
	logs := &lockedBuffer{}
	f := serve(t, Deps{
		Processor: echoProcessor(t),
		Sessions:  failingSessions{err: errors.New("table not found")},
		Logger:    slog.New(slog.NewJSONHandler(logs, nil)),
	})

	resp := signedForm(t, f, "/whatsapp-message", inbound("hi"))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Contains(t, out["message"], string(usecase.ErrorInternal))
	require.Contains(t, out["message"], "table not found")
	require.Contains(t, logs.String(), `"code":"INTERNAL_ERROR"`)
}

func TestReceiveMessage_HandlerErrorLogsCode(t *testing.T) {
	logs := &lockedBuffer{}
	store, err := repository.NewMemoryStore(time.Hour)
	require.NoError(t, err)
	correlator, err := session.NewCorrelator(store)
	require.NoError(t, err)
	f := serve(t, Deps{
		Processor: &stubProcessor{err: &usecase.Error{Code: usecase.ErrorHandlerFailure, Reason: "inbound_handler_error"}},
		Sessions:  correlator,
		Logger:    slog.New(slog.NewJSONHandler(logs, nil)),
	})

	resp := signedForm(t, f, "/whatsapp-message", inbound("hi"))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, logs.String(), `"code":"HANDLER_FAILURE"`)
}

func TestWebhook_RejectionLogsUnauthorizedCode(t *testing.T) {
	logs := &lockedBuffer{}
	store, err := repository.NewMemoryStore(time.Hour)
	require.NoError(t, err)
	correlator, err := session.NewCorrelator(store)
	require.NoError(t, err)
	f := serve(t, Deps{
		Processor: echoProcessor(t),
		Sessions:  correlator,
		Logger:    slog.New(slog.NewJSONHandler(logs, nil)),
	})

	resp, err := http.Post(f.srv.URL+"/whatsapp-message", "application/x-www-form-urlencoded", strings.NewReader(inbound("hi").Encode()))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Contains(t, logs.String(), `"code":"UNAUTHORIZED"`)
	require.Contains(t, logs.String(), `"reason":"missing_signature"`)
}

func TestErrorCode(t *testing.T) {
	require.Equal(t, usecase.ErrorCarrier, errorCode(&usecase.Error{Code: usecase.ErrorCarrier}))
	require.Equal(t, usecase.ErrorInternal, errorCode(errors.New("plain")))
}
