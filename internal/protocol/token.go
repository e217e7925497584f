package protocol

import (
	"errors"
	"strings"
)

const tokenSeparator = "."

// ErrInvalidToken is returned for a token that is not of the form id.secret.
var ErrInvalidToken = errors.New("invalid token format")

// APIToken is a bearer credential of the form "<id>.<secret>".
type APIToken struct {
	ID     string
	Secret string
}

// ParseAPIToken splits s at the first separator.
func ParseAPIToken(s string) (APIToken, error) {
	id, secret, ok := strings.Cut(strings.TrimSpace(s), tokenSeparator)
	if !ok || id == "" || secret == "" {
		return APIToken{}, ErrInvalidToken
	}
	return APIToken{ID: id, Secret: secret}, nil
}

func (t APIToken) String() string {
	return t.ID + tokenSeparator + t.Secret
}

// IsZero reports whether t holds no credential.
func (t APIToken) IsZero() bool {
	return t.ID == "" && t.Secret == ""
}

func (t APIToken) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *APIToken) UnmarshalText(text []byte) error {
	parsed, err := ParseAPIToken(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
