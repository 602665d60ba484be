package twilio

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeGetter is a minimal paramstore.Getter stub for use within this package.
type fakeGetter struct {
	val      string
	err      error
	lastName string
}

func (f *fakeGetter) GetJSON(_ context.Context, name string, v any) error {
	f.lastName = name
	if f.err != nil {
		return f.err
	}
	return json.Unmarshal([]byte(f.val), v)
}

func TestCredentialsFromParamStore_JSON(t *testing.T) {
	g := &fakeGetter{val: `{"account_sid":"AC1","auth_token":"tok"}`}
	creds, err := CredentialsFromParamStore(context.Background(), g, " /whatsapp-bridge/twilio ")
	require.NoError(t, err)
	require.Equal(t, Credentials{AccountSID: "AC1", AuthToken: "tok"}, creds)
	require.Equal(t, "/whatsapp-bridge/twilio", g.lastName)
}

func TestCredentialsFromParamStore_Failures(t *testing.T) {
	cases := []struct {
		name    string
		getter  Getter
		param   string
		wantErr string
	}{
		{"nil getter", nil, "/p", "nil"},
		{"empty name", &fakeGetter{}, " ", "empty"},
		{"getter error", &fakeGetter{err: errors.New("ssm unavailable")}, "/p", "ssm unavailable"},
		{"malformed json", &fakeGetter{val: `{"broken`}, "/p", "fetch credentials"},
		{"missing token", &fakeGetter{val: `{"account_sid":"AC1"}`}, "/p", "incomplete"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := CredentialsFromParamStore(context.Background(), tc.getter, tc.param)
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
