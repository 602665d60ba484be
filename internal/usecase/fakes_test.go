package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"whatsapp-bridge/internal/domain"
	"whatsapp-bridge/internal/integrations/twilio"
)

var errCarrierDown = &twilio.HTTPStatusError{StatusCode: http.StatusServiceUnavailable, URL: "https://conversations.twilio.com", Body: "down"}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeConversations is an in-memory ConversationAPI.
type fakeConversations struct {
	mu            sync.Mutex
	conversations []domain.Conversation
	participants  map[string][]domain.Participant
	messages      []domain.NewConversationMessage
	created       []domain.NewConversation
	content       map[string]domain.ContentTemplate

	createErr          error
	fetchErr           error
	listErr            error
	listParticipantErr map[string]error
	createPartErr      map[string]error
	messageErr         error

	createParticipantCalls int
}

func newFakeConversations() *fakeConversations {
	return &fakeConversations{
		participants:       map[string][]domain.Participant{},
		content:            map[string]domain.ContentTemplate{},
		listParticipantErr: map[string]error{},
		createPartErr:      map[string]error{},
	}
}

func (f *fakeConversations) CreateConversation(_ context.Context, in domain.NewConversation) (domain.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return domain.Conversation{}, f.createErr
	}
	f.created = append(f.created, in)
	conv := domain.Conversation{SID: fmt.Sprintf("CH%d", len(f.conversations)+1), FriendlyName: in.FriendlyName, State: in.State}
	f.conversations = append(f.conversations, conv)
	return conv, nil
}

func (f *fakeConversations) FetchConversation(_ context.Context, sid string) (domain.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return domain.Conversation{}, f.fetchErr
	}
	for _, c := range f.conversations {
		if c.SID == sid {
			return c, nil
		}
	}
	return domain.Conversation{}, &twilio.HTTPStatusError{StatusCode: http.StatusNotFound}
}

func (f *fakeConversations) ListConversations(context.Context) ([]domain.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]domain.Conversation(nil), f.conversations...), nil
}

func (f *fakeConversations) ListParticipants(_ context.Context, sid string) ([]domain.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.listParticipantErr[sid]; err != nil {
		return nil, err
	}
	return append([]domain.Participant(nil), f.participants[sid]...), nil
}

func (f *fakeConversations) CreateParticipant(_ context.Context, sid string, b domain.Binding) (domain.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createParticipantCalls++
	if err := f.createPartErr[b.Address]; err != nil {
		return domain.Participant{}, err
	}
	p := domain.Participant{SID: fmt.Sprintf("MB%d", f.createParticipantCalls), ConversationSID: sid, Binding: b}
	f.participants[sid] = append(f.participants[sid], p)
	return p, nil
}

func (f *fakeConversations) CreateConversationMessage(_ context.Context, _ string, msg domain.NewConversationMessage) (domain.ConversationMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.messageErr != nil {
		return domain.ConversationMessage{}, f.messageErr
	}
	f.messages = append(f.messages, msg)
	return domain.ConversationMessage{SID: "IM1", Author: msg.Author, Body: msg.Body}, nil
}

func (f *fakeConversations) FetchContent(_ context.Context, sid string) (domain.ContentTemplate, error) {
	tpl, ok := f.content[sid]
	if !ok {
		return domain.ContentTemplate{}, errors.New("content not found")
	}
	return tpl, nil
}

// fakeUsers is an in-memory UserAPI safe for concurrent sweeps.
type fakeUsers struct {
	mu            sync.Mutex
	users         []domain.User
	conversations map[string][]domain.UserConversation

	listUsersErr error
	// listErrs pops one error per ListUserConversations call for a user.
	listErrs      map[string][]error
	deleteConvErr map[string]error
	deleteUserErr map[string]error

	deletedConvs []string
	deletedUsers []string
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{
		conversations: map[string][]domain.UserConversation{},
		listErrs:      map[string][]error{},
		deleteConvErr: map[string]error{},
		deleteUserErr: map[string]error{},
	}
}

func (f *fakeUsers) ListUsers(context.Context) ([]domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listUsersErr != nil {
		return nil, f.listUsersErr
	}
	return append([]domain.User(nil), f.users...), nil
}

func (f *fakeUsers) ListUserConversations(_ context.Context, userSID string) ([]domain.UserConversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if errs := f.listErrs[userSID]; len(errs) > 0 {
		f.listErrs[userSID] = errs[1:]
		if errs[0] != nil {
			return nil, errs[0]
		}
	}
	return append([]domain.UserConversation(nil), f.conversations[userSID]...), nil
}

func (f *fakeUsers) DeleteUserConversation(_ context.Context, userSID, convSID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.deleteConvErr[convSID]; err != nil {
		return err
	}
	kept := f.conversations[userSID][:0]
	for _, c := range f.conversations[userSID] {
		if c.ConversationSID != convSID {
			kept = append(kept, c)
		}
	}
	f.conversations[userSID] = kept
	f.deletedConvs = append(f.deletedConvs, convSID)
	return nil
}

func (f *fakeUsers) DeleteUser(_ context.Context, userSID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.deleteUserErr[userSID]; err != nil {
		return err
	}
	f.deletedUsers = append(f.deletedUsers, userSID)
	return nil
}

// fakeSender records outbound messages.
type fakeSender struct {
	mu   sync.Mutex
	sent []domain.OutboundMessage
	err  error
}

func (f *fakeSender) SendMessage(_ context.Context, msg domain.OutboundMessage) (domain.SentMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.SentMessage{}, f.err
	}
	f.sent = append(f.sent, msg)
	return domain.SentMessage{SID: fmt.Sprintf("SM%d", len(f.sent)), Status: "queued", To: msg.To, From: msg.From}, nil
}

func (f *fakeSender) last() domain.OutboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}
