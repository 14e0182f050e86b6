package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultEnvFile              = ".env"
	defaultPort                 = "8080"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 30 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultRequestTimeout       = 25 * time.Second
	defaultStoreDriver          = StoreDriverFirestore
	defaultPostgresMaxOpen      = 10
	defaultSignedURLTTL         = 15 * time.Minute
	defaultMailTransport        = MailTransportLog
	defaultMailFrom             = "PartsDesk <orders@partsdesk.local>"
	defaultMagicLinkTTL         = 30 * 24 * time.Hour
	defaultRateLimitIntake      = 10
	defaultRateLimitToken       = 30
	defaultRateLimitWindow      = time.Minute
	defaultSecurityEnvironment  = "local"
	defaultOIDCJWKSURL          = "https://www.googleapis.com/oauth2/v3/certs"
	defaultSecurityIssuer       = "https://accounts.google.com"
	defaultHMACSignatureHeader  = "X-Signature"
	defaultHMACTimestampHeader  = "X-Signature-Timestamp"
	defaultHMACNonceHeader      = "X-Signature-Nonce"
	defaultHMACClockSkew        = 5 * time.Minute
	defaultHMACNonceTTL         = 5 * time.Minute
	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200
)

// Store drivers understood by cmd/api.
const (
	StoreDriverFirestore = "firestore"
	StoreDriverPostgres  = "postgres"
	StoreDriverMemory    = "memory"
)

// Mail transports understood by cmd/api.
const (
	MailTransportLog    = "log"
	MailTransportPubSub = "pubsub"
	MailTransportKafka  = "kafka"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	Store       StoreConfig
	Redis       RedisConfig
	Storage     StorageConfig
	Mail        MailConfig
	MagicLink   MagicLinkConfig
	PSP         PSPConfig
	RateLimits  RateLimitConfig
	Security    SecurityConfig
	Idempotency IdempotencyConfig
	Shop        ShopConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
	// CheckRevoked makes every bearer verification consult Firebase for revoked sessions.
	CheckRevoked bool
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver       string
	PostgresDSN  string
	AutoMigrate  bool
	MaxOpenConns int
}

// RedisConfig points at the shared Redis used for rate limits and idempotency. Empty Addr disables it.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// StorageConfig controls signed download URLs for item photos.
type StorageConfig struct {
	PhotosBucket string
	SignerKey    string
	SignedURLTTL time.Duration
}

// MailConfig selects how rendered emails leave the process.
type MailConfig struct {
	Transport    string
	From         string
	PubSubTopic  string
	KafkaBrokers []string
	KafkaTopic   string
}

// MagicLinkConfig signs guest order-access tokens.
type MagicLinkConfig struct {
	SigningKey string
	TTL        time.Duration
}

// PSPConfig collects secrets for payment providers.
type PSPConfig struct {
	StripeAPIKey        string
	StripeWebhookSecret string
}

// RateLimitConfig controls per-client throttling of public entry points.
type RateLimitConfig struct {
	IntakePerWindow int
	TokenPerWindow  int
	Window          time.Duration
}

// SecurityConfig groups server-to-server authentication settings.
type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
	HMAC        HMACConfig
}

// OIDCConfig controls Google-signed token verification for internal routes.
type OIDCConfig struct {
	JWKSURL  string
	Audience string
	Issuers  []string
}

// HMACConfig captures webhook signing expectations. Secrets are keyed by provider name.
type HMACConfig struct {
	Secrets         map[string]string
	SignatureHeader string
	TimestampHeader string
	NonceHeader     string
	ClockSkew       time.Duration
	NonceTTL        time.Duration
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets resolved to empty values.
type MissingSecretsError struct {
	names []string
}

// Error implements the error interface.
func (e *MissingSecretsError) Error() string {
	if e == nil || len(e.names) == 0 {
		return "missing required secrets"
	}
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(e.RedactedNames(), ", "))
}

// RedactedNames returns hashed identifiers that are safe to log.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil {
		return nil
	}
	out := make([]string, 0, len(e.names))
	for _, name := range e.names {
		sum := sha256.Sum256([]byte(name))
		out = append(out, hex.EncodeToString(sum[:8]))
	}
	sort.Strings(out)
	return out
}

// Names returns the config field names of the missing secrets.
func (e *MissingSecretsError) Names() []string {
	if e == nil {
		return nil
	}
	return append([]string(nil), e.names...)
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

// WithEnvFile overrides the .env file path used for local overrides. An empty path disables it.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map. Values in the map take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks config fields (e.g. "MagicLink.SigningKey") that must resolve to a non-empty value.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
		secret: SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
			return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
		}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return options
}

// EnvironmentValues returns the merged environment (dotenv < OS env < explicit map) so callers can
// initialise dependencies such as the secret fetcher before invoking Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := newLoaderOptions(opts)
	dotEnv, err := readDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}
	values := make(map[string]string, len(dotEnv))
	for key, value := range dotEnv {
		values[key] = value
	}
	if options.useSystemEnv {
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			if !ok || strings.TrimSpace(key) == "" {
				continue
			}
			values[key] = value
		}
	}
	for key, value := range options.envMap {
		values[key] = value
	}
	return values, nil
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, secret references and the shop YAML file.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)
	env, err := EnvironmentValues(WithEnvFile(options.envFile), WithEnvMap(options.envMap), func(o *loaderOptions) {
		o.useSystemEnv = options.useSystemEnv
	})
	if err != nil {
		return Config{}, err
	}
	l := lookup(env)

	cfg := Config{
		Server: ServerConfig{
			Port:           l.str("API_SERVER_PORT", defaultPort),
			ReadTimeout:    l.duration("API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:   l.duration("API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:    l.duration("API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			RequestTimeout: l.duration("API_SERVER_REQUEST_TIMEOUT", defaultRequestTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       l.str("API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: l.str("API_FIREBASE_CREDENTIALS_FILE", ""),
			CheckRevoked:    l.boolean("API_FIREBASE_CHECK_REVOKED", false),
		},
		Firestore: FirestoreConfig{
			ProjectID:    l.str("API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: l.str("API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Store: StoreConfig{
			Driver:       strings.ToLower(l.str("API_STORE_DRIVER", defaultStoreDriver)),
			PostgresDSN:  l.str("API_POSTGRES_DSN", ""),
			AutoMigrate:  l.boolean("API_POSTGRES_AUTO_MIGRATE", true),
			MaxOpenConns: l.integer("API_POSTGRES_MAX_OPEN_CONNS", defaultPostgresMaxOpen),
		},
		Redis: RedisConfig{
			Addr:     l.str("API_REDIS_ADDR", ""),
			Password: l.str("API_REDIS_PASSWORD", ""),
			DB:       l.integer("API_REDIS_DB", 0),
		},
		Storage: StorageConfig{
			PhotosBucket: l.str("API_STORAGE_PHOTOS_BUCKET", ""),
			SignerKey:    l.str("API_STORAGE_SIGNER_KEY", ""),
			SignedURLTTL: l.duration("API_STORAGE_SIGNED_URL_TTL", defaultSignedURLTTL),
		},
		Mail: MailConfig{
			Transport:    strings.ToLower(l.str("API_MAIL_TRANSPORT", defaultMailTransport)),
			From:         l.str("API_MAIL_FROM", defaultMailFrom),
			PubSubTopic:  l.str("API_MAIL_PUBSUB_TOPIC", ""),
			KafkaBrokers: l.csv("API_MAIL_KAFKA_BROKERS"),
			KafkaTopic:   l.str("API_MAIL_KAFKA_TOPIC", ""),
		},
		MagicLink: MagicLinkConfig{
			SigningKey: l.str("API_MAGIC_LINK_SIGNING_KEY", ""),
			TTL:        l.duration("API_MAGIC_LINK_TTL", defaultMagicLinkTTL),
		},
		PSP: PSPConfig{
			StripeAPIKey:        l.str("API_PSP_STRIPE_API_KEY", ""),
			StripeWebhookSecret: l.str("API_PSP_STRIPE_WEBHOOK_SECRET", ""),
		},
		RateLimits: RateLimitConfig{
			IntakePerWindow: l.integer("API_RATELIMIT_INTAKE", defaultRateLimitIntake),
			TokenPerWindow:  l.integer("API_RATELIMIT_TOKEN", defaultRateLimitToken),
			Window:          l.duration("API_RATELIMIT_WINDOW", defaultRateLimitWindow),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(l.str("API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			OIDC: OIDCConfig{
				JWKSURL:  l.str("API_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience: l.str("API_SECURITY_OIDC_AUDIENCE", ""),
				Issuers:  l.csv("API_SECURITY_OIDC_ISSUERS"),
			},
			HMAC: HMACConfig{
				Secrets:         l.keyValues("API_SECURITY_HMAC_SECRETS"),
				SignatureHeader: l.str("API_SECURITY_HMAC_HEADER_SIGNATURE", defaultHMACSignatureHeader),
				TimestampHeader: l.str("API_SECURITY_HMAC_HEADER_TIMESTAMP", defaultHMACTimestampHeader),
				NonceHeader:     l.str("API_SECURITY_HMAC_HEADER_NONCE", defaultHMACNonceHeader),
				ClockSkew:       l.duration("API_SECURITY_HMAC_CLOCK_SKEW", defaultHMACClockSkew),
				NonceTTL:        l.duration("API_SECURITY_HMAC_NONCE_TTL", defaultHMACNonceTTL),
			},
		},
		Idempotency: IdempotencyConfig{
			Header:           l.str("API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              l.duration("API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  l.duration("API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: l.integer("API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
	}

	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultSecurityIssuer}
	}

	shop, err := LoadShopConfig(l.str("API_SHOP_CONFIG_FILE", ""))
	if err != nil {
		return Config{}, err
	}
	cfg.Shop = shop

	resolved := make(map[string]string)
	secretFields := []struct {
		name  string
		field *string
	}{
		{"Store.PostgresDSN", &cfg.Store.PostgresDSN},
		{"Redis.Password", &cfg.Redis.Password},
		{"Storage.SignerKey", &cfg.Storage.SignerKey},
		{"MagicLink.SigningKey", &cfg.MagicLink.SigningKey},
		{"PSP.StripeAPIKey", &cfg.PSP.StripeAPIKey},
		{"PSP.StripeWebhookSecret", &cfg.PSP.StripeWebhookSecret},
	}
	for _, target := range secretFields {
		value, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = value
		resolved[target.name] = value
	}
	for key, value := range cfg.Security.HMAC.Secrets {
		secret, err := resolveSecret(ctx, value, options.secret)
		if err != nil {
			return Config{}, err
		}
		cfg.Security.HMAC.Secrets[key] = secret
		resolved[fmt.Sprintf("Security.HMAC.Secrets[%s]", key)] = secret
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		return Config{}, missing
	}
	return cfg, nil
}

func validateConfig(cfg Config) error {
	var invalid []string
	require := func(ok bool, field string) {
		if !ok {
			invalid = append(invalid, field)
		}
	}

	require(cfg.Server.Port != "", "Server.Port")
	require(cfg.Server.RequestTimeout > 0, "Server.RequestTimeout")
	switch cfg.Store.Driver {
	case StoreDriverFirestore:
		require(cfg.Firestore.ProjectID != "", "Firestore.ProjectID")
	case StoreDriverPostgres:
		require(cfg.Store.PostgresDSN != "", "Store.PostgresDSN")
	case StoreDriverMemory:
	default:
		invalid = append(invalid, "Store.Driver")
	}
	switch cfg.Mail.Transport {
	case MailTransportLog:
	case MailTransportPubSub:
		require(cfg.Mail.PubSubTopic != "", "Mail.PubSubTopic")
		require(cfg.Firebase.ProjectID != "", "Firebase.ProjectID")
	case MailTransportKafka:
		require(len(cfg.Mail.KafkaBrokers) > 0, "Mail.KafkaBrokers")
		require(cfg.Mail.KafkaTopic != "", "Mail.KafkaTopic")
	default:
		invalid = append(invalid, "Mail.Transport")
	}
	require(cfg.MagicLink.SigningKey != "", "MagicLink.SigningKey")
	require(cfg.MagicLink.TTL > 0, "MagicLink.TTL")
	require(cfg.RateLimits.IntakePerWindow > 0, "RateLimits.IntakePerWindow")
	require(cfg.RateLimits.TokenPerWindow > 0, "RateLimits.TokenPerWindow")
	require(cfg.RateLimits.Window > 0, "RateLimits.Window")
	require(strings.TrimSpace(cfg.Idempotency.Header) != "", "Idempotency.Header")
	require(cfg.Idempotency.TTL > 0, "Idempotency.TTL")
	require(cfg.Idempotency.CleanupInterval > 0, "Idempotency.CleanupInterval")
	require(cfg.Idempotency.CleanupBatchSize > 0, "Idempotency.CleanupBatchSize")

	if len(invalid) > 0 {
		return &ValidationError{fields: invalid}
	}
	return nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if !isSecretReference(value) {
		return value, nil
	}
	ref := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		var secretErr *SecretError
		if errors.As(err, &secretErr) {
			return "", err
		}
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	seen := make(map[string]struct{})
	var missing []string
	for _, name := range required {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(resolved[name]) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return &MissingSecretsError{names: missing}
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(trimmed, "sm://"); ok {
		return "secret://" + rest
	}
	return trimmed
}

func readDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	values, err := godotenv.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return values, nil
}

type lookup map[string]string

func (l lookup) str(key, fallback string) string {
	if value := strings.TrimSpace(l[key]); value != "" {
		return value
	}
	return fallback
}

func (l lookup) duration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(l[key])); err == nil {
		return d
	}
	return fallback
}

func (l lookup) integer(key string, fallback int) int {
	if n, err := strconv.Atoi(strings.TrimSpace(l[key])); err == nil {
		return n
	}
	return fallback
}

func (l lookup) boolean(key string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(l[key])) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	return fallback
}

func (l lookup) csv(key string) []string {
	var out []string
	for _, part := range strings.Split(l[key], ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// keyValues parses "name=value,other=value" lists. Names are lower-cased.
func (l lookup) keyValues(key string) map[string]string {
	values := make(map[string]string)
	for _, entry := range l.csv(key) {
		name, value, ok := strings.Cut(entry, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if !ok || name == "" || value == "" {
			continue
		}
		values[name] = value
	}
	return values
}
