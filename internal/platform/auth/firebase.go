package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	firebase "firebase.google.com/go/v4"
	firebaseauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"

	"github.com/partsdesk/api/internal/platform/config"
)

// ErrTokenRevoked is returned when revocation checks are on and the session was revoked or the
// account disabled.
var ErrTokenRevoked = errors.New("auth: token revoked")

// firebaseTokens is the part of *firebaseauth.Client the verifier uses.
type firebaseTokens interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
	VerifyIDTokenAndCheckRevoked(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// FirebaseVerifier checks staff ID tokens against the project's Firebase Auth tenant. The
// Authenticator bounds each call with its own timeout.
type FirebaseVerifier struct {
	tokens       firebaseTokens
	checkRevoked bool
}

// NewFirebaseVerifier boots the Admin SDK. Application default credentials are used unless a
// credentials file is configured; FIREBASE_AUTH_EMULATOR_HOST is honoured by the SDK itself.
func NewFirebaseVerifier(ctx context.Context, cfg config.FirebaseConfig) (*FirebaseVerifier, error) {
	projectID := strings.TrimSpace(cfg.ProjectID)
	if projectID == "" {
		return nil, errors.New("auth: firebase project id is required")
	}
	var opts []option.ClientOption
	if file := strings.TrimSpace(cfg.CredentialsFile); file != "" {
		opts = append(opts, option.WithCredentialsFile(file))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("auth: firebase app: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("auth: firebase client: %w", err)
	}
	return &FirebaseVerifier{tokens: client, checkRevoked: cfg.CheckRevoked}, nil
}

// VerifyIDToken implements TokenVerifier.
func (v *FirebaseVerifier) VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error) {
	if v == nil || v.tokens == nil {
		return nil, errors.New("auth: firebase verifier not initialised")
	}
	if !v.checkRevoked {
		return v.tokens.VerifyIDToken(ctx, idToken)
	}
	token, err := v.tokens.VerifyIDTokenAndCheckRevoked(ctx, idToken)
	if firebaseauth.IsIDTokenRevoked(err) || firebaseauth.IsUserDisabled(err) {
		return nil, fmt.Errorf("%w: %v", ErrTokenRevoked, err)
	}
	return token, err
}
