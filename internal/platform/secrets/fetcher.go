// Package secrets resolves secret://name references against Google Secret Manager.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultFallbackPath = ".secrets.local"
	defaultCacheTTL     = 10 * time.Minute
)

// ErrNotFound is returned when neither Secret Manager nor the fallback file has the secret.
var ErrNotFound = errors.New("secrets: not found")

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

type cached struct {
	value   string
	expires time.Time
}

// Fetcher resolves references with an in-process cache. Local runs without Secret Manager access
// read a KEY=value fallback file instead, keyed by secret name.
type Fetcher struct {
	client     secretManagerClient
	ownsClient bool
	projectID  string
	ttl        time.Duration
	logger     *zap.Logger
	clock      func() time.Time

	fallbackPath string
	fallbackOnce sync.Once
	fallback     map[string]string

	mu    sync.Mutex
	cache map[string]cached

	lookups    metric.Int64Counter
	clientOpts []option.ClientOption
}

type Option func(*Fetcher)

func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithProject sets the project used for references that do not carry ?project=.
func WithProject(projectID string) Option {
	return func(f *Fetcher) { f.projectID = strings.TrimSpace(projectID) }
}

// WithFallbackFile overrides the local fallback file. An empty path disables it.
func WithFallbackFile(path string) Option {
	return func(f *Fetcher) { f.fallbackPath = path }
}

func WithCacheTTL(ttl time.Duration) Option {
	return func(f *Fetcher) {
		if ttl > 0 {
			f.ttl = ttl
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(f *Fetcher) {
		if clock != nil {
			f.clock = clock
		}
	}
}

// WithSecretManagerClient injects a client; the fetcher does not close injected clients.
func WithSecretManagerClient(client secretManagerClient) Option {
	return func(f *Fetcher) { f.client = client }
}

// WithClientOptions passes options to the Secret Manager client the fetcher creates.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(f *Fetcher) { f.clientOpts = append(f.clientOpts, opts...) }
}

// NewFetcher creates a fetcher. Failing to build a Secret Manager client is not fatal: the fetcher
// then serves only the fallback file.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	f := &Fetcher{
		ttl:          defaultCacheTTL,
		logger:       zap.NewNop(),
		clock:        time.Now,
		fallbackPath: defaultFallbackPath,
		cache:        make(map[string]cached),
	}
	for _, opt := range opts {
		opt(f)
	}
	counter, err := otel.GetMeterProvider().Meter("github.com/partsdesk/api/internal/platform/secrets").
		Int64Counter("partsdesk.secrets.lookups", metric.WithDescription("Secret lookups by source."))
	if err != nil {
		return nil, err
	}
	f.lookups = counter

	if f.client == nil && f.projectID != "" {
		client, err := secretmanager.NewClient(ctx, f.clientOpts...)
		if err != nil {
			f.logger.Warn("secret manager unavailable; using fallback file only", zap.Error(err))
		} else {
			f.client = client
			f.ownsClient = true
		}
	}
	return f, nil
}

func (f *Fetcher) Close() error {
	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// ResolveSecret lets a Fetcher be used as the config loader's resolver.
func (f *Fetcher) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f.Resolve(ctx, ref)
}

// Resolve returns the value for secret://name[?version=N&project=P].
func (f *Fetcher) Resolve(ctx context.Context, ref string) (string, error) {
	name, version, project, err := parseReference(ref)
	if err != nil {
		return "", err
	}
	if project == "" {
		project = f.projectID
	}
	key := project + "/" + name + "@" + version

	f.mu.Lock()
	if hit, ok := f.cache[key]; ok && f.clock().Before(hit.expires) {
		f.mu.Unlock()
		f.count(ctx, "cache")
		return hit.value, nil
	}
	f.mu.Unlock()

	if f.client != nil && project != "" {
		value, err := f.access(ctx, project, name, version)
		switch {
		case err == nil:
			f.store(key, value)
			f.count(ctx, "remote")
			return value, nil
		case !fallbackAllowed(err):
			return "", fmt.Errorf("secrets: access %s: %w", name, err)
		}
		f.logger.Debug("secret manager miss; trying fallback", zap.String("secret", name), zap.Error(err))
	}

	if value, ok := f.lookupFallback(name); ok {
		f.store(key, value)
		f.count(ctx, "fallback")
		return value, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}

func (f *Fetcher) access(ctx context.Context, project, name, version string) (string, error) {
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, name, version),
	}, gax.WithRetry(func() gax.Retryer {
		return gax.OnCodes([]codes.Code{codes.Unavailable, codes.DeadlineExceeded}, gax.Backoff{
			Initial:    100 * time.Millisecond,
			Max:        2 * time.Second,
			Multiplier: 2,
		})
	}))
	if err != nil {
		return "", err
	}
	return string(resp.GetPayload().GetData()), nil
}

func (f *Fetcher) store(key, value string) {
	f.mu.Lock()
	f.cache[key] = cached{value: value, expires: f.clock().Add(f.ttl)}
	f.mu.Unlock()
}

func (f *Fetcher) lookupFallback(name string) (string, bool) {
	f.fallbackOnce.Do(func() {
		if f.fallbackPath == "" {
			return
		}
		values, err := godotenv.Read(f.fallbackPath)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				f.logger.Warn("read secrets fallback file", zap.String("path", f.fallbackPath), zap.Error(err))
			}
			return
		}
		f.fallback = values
	})
	value, ok := f.fallback[name]
	return value, ok
}

func (f *Fetcher) count(ctx context.Context, source string) {
	f.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// fallbackAllowed reports whether a Secret Manager error should fall through to the local file.
// Permission and not-found errors do; transport errors after retries do not.
func fallbackAllowed(err error) bool {
	switch status.Code(err) {
	case codes.NotFound, codes.PermissionDenied, codes.Unauthenticated:
		return true
	}
	return false
}

func parseReference(ref string) (name, version, project string, err error) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", "", "", fmt.Errorf("secrets: invalid reference: %w", err)
	}
	if u.Scheme != "secret" {
		return "", "", "", fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name = strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return "", "", "", errors.New("secrets: missing secret name")
	}
	version = strings.TrimSpace(u.Query().Get("version"))
	if version == "" {
		version = "latest"
	}
	return name, version, strings.TrimSpace(u.Query().Get("project")), nil
}
