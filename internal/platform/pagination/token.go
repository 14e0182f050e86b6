package pagination

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

const tokenVersion = 1

type tokenPayload struct {
	V    int      `json:"v"`
	Keys []string `json:"k"`
}

// EncodeToken renders the sort keys of the last row served as an opaque page token. A cursor
// without keys yields "" so the last page carries no nextPageToken.
func EncodeToken(cursor Cursor) (string, error) {
	if len(cursor.Keys) == 0 {
		return "", nil
	}
	data, err := json.Marshal(tokenPayload{V: tokenVersion, Keys: cursor.Keys})
	if err != nil {
		return "", fmt.Errorf("pagination: encode token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeToken reverses EncodeToken. Tokens from another version or without keys are rejected
// with ErrInvalidPageToken.
func DecodeToken(token string) (Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Cursor{}, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: not base64url", ErrInvalidPageToken)
	}
	var payload tokenPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return Cursor{}, fmt.Errorf("%w: malformed payload", ErrInvalidPageToken)
	}
	if payload.V != tokenVersion {
		return Cursor{}, fmt.Errorf("%w: unsupported version %d", ErrInvalidPageToken, payload.V)
	}
	if len(payload.Keys) == 0 {
		return Cursor{}, fmt.Errorf("%w: no sort keys", ErrInvalidPageToken)
	}
	return Cursor{Keys: payload.Keys}, nil
}
