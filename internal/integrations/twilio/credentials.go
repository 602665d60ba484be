package twilio

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Getter is satisfied by paramstore.Client.
type Getter interface {
	GetJSON(ctx context.Context, name string, v any) error
}

// CredentialsFromParamStore reads a JSON {"account_sid","auth_token"} parameter.
func CredentialsFromParamStore(ctx context.Context, getter Getter, name string) (Credentials, error) {
	if getter == nil {
		return Credentials{}, errors.New("twilio: paramstore getter is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Credentials{}, errors.New("twilio: credentials parameter name is empty")
	}

	var creds Credentials
	if err := getter.GetJSON(ctx, name, &creds); err != nil {
		return Credentials{}, fmt.Errorf("twilio: fetch credentials from paramstore: %w", err)
	}
	if creds.AccountSID == "" || creds.AuthToken == "" {
		return Credentials{}, errors.New("twilio: credentials are incomplete")
	}
	return creds, nil
}
