package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gorm.io/driver/postgres"
	gormlogger "gorm.io/gorm/logger"

	"github.com/partsdesk/api/internal/payments"
	"github.com/partsdesk/api/internal/platform/auth"
	"github.com/partsdesk/api/internal/platform/config"
	pfirestore "github.com/partsdesk/api/internal/platform/firestore"
	"github.com/partsdesk/api/internal/platform/idempotency"
	"github.com/partsdesk/api/internal/platform/jobs"
	"github.com/partsdesk/api/internal/platform/mail"
	"github.com/partsdesk/api/internal/platform/observability"
	"github.com/partsdesk/api/internal/platform/secrets"
	"github.com/partsdesk/api/internal/platform/storage"
	"github.com/partsdesk/api/internal/repositories"
	firestoreRepo "github.com/partsdesk/api/internal/repositories/firestore"
	"github.com/partsdesk/api/internal/repositories/memory"
	"github.com/partsdesk/api/internal/repositories/sqlstore"
	"github.com/partsdesk/api/internal/services"
)

// backend is the opened persistence layer. firestore is set only for the firestore driver so the
// idempotency store can share its client.
type backend struct {
	store     repositories.Store
	firestore *pfirestore.Provider
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (backend, error) {
	switch cfg.Store.Driver {
	case config.StoreDriverFirestore:
		provider := pfirestore.NewProvider(cfg.Firestore)
		if _, err := provider.Client(ctx); err != nil {
			return backend{}, fmt.Errorf("firestore client: %w", err)
		}
		store, err := firestoreRepo.NewStore(provider)
		if err != nil {
			return backend{}, err
		}
		return backend{store: store, firestore: provider}, nil
	case config.StoreDriverPostgres:
		var sqlLogger gormlogger.Interface
		if logger.Core().Enabled(zap.DebugLevel) {
			sqlLogger = gormlogger.Default.LogMode(gormlogger.Info)
		}
		store, err := sqlstore.Open(postgres.Open(cfg.Store.PostgresDSN), sqlstore.Options{
			AutoMigrate:  cfg.Store.AutoMigrate,
			Logger:       sqlLogger,
			MaxOpenConns: cfg.Store.MaxOpenConns,
		})
		if err != nil {
			return backend{}, err
		}
		return backend{store: store}, nil
	case config.StoreDriverMemory:
		logger.Warn("using in-memory store; data is lost on restart")
		return backend{store: memory.NewStore()}, nil
	default:
		return backend{}, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func newRedisClient(cfg config.RedisConfig) *redis.Client {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// newIdempotencyStore prefers Redis, then the Firestore client of the order store, then memory.
func newIdempotencyStore(rdb *redis.Client, b backend) idempotency.Store {
	switch {
	case rdb != nil:
		return idempotency.NewRedisStore(rdb)
	case b.firestore != nil:
		return idempotency.NewFirestoreStore(b.firestore, "")
	default:
		return idempotency.NewMemoryStore()
	}
}

type mailTransport struct {
	sender mail.Sender
	close  func()
}

func newMailSender(ctx context.Context, cfg config.Config, logger *zap.Logger, newID func() string) (mailTransport, error) {
	renderer, err := mail.NewRenderer(mail.RendererConfig{
		Brand:    cfg.Shop.Brand.Name,
		Locale:   cfg.Shop.Brand.Locale,
		Currency: cfg.Shop.Currency,
	})
	if err != nil {
		return mailTransport{}, err
	}

	var (
		publisher mail.Publisher
		closer    = func() {}
	)
	switch cfg.Mail.Transport {
	case config.MailTransportPubSub:
		client, err := pubsub.NewClient(ctx, cfg.Firebase.ProjectID)
		if err != nil {
			return mailTransport{}, fmt.Errorf("pubsub client: %w", err)
		}
		topic := client.Topic(cfg.Mail.PubSubTopic)
		pub, err := jobs.NewPubSubMailPublisher(topic)
		if err != nil {
			_ = client.Close()
			return mailTransport{}, err
		}
		publisher = pub
		closer = func() {
			topic.Stop()
			if err := client.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}
	case config.MailTransportKafka:
		pub, err := jobs.NewKafkaMailPublisher(cfg.Mail.KafkaBrokers, cfg.Mail.KafkaTopic)
		if err != nil {
			return mailTransport{}, err
		}
		publisher = pub
		closer = func() {
			if err := pub.Close(); err != nil {
				logger.Warn("kafka writer close error", zap.Error(err))
			}
		}
	default:
		publisher = mail.NewLogPublisher(logger, newID)
	}

	sender, err := mail.NewSender(renderer, publisher, cfg.Mail.From)
	if err != nil {
		closer()
		return mailTransport{}, err
	}
	return mailTransport{sender: sender, close: closer}, nil
}

// newAuthenticator falls back to an authenticator without a verifier when Firebase is not
// configured; bearer tokens are then rejected and only magic links work.
func newAuthenticator(ctx context.Context, cfg config.Config, logger *zap.Logger) *auth.Authenticator {
	if strings.TrimSpace(cfg.Firebase.ProjectID) == "" {
		logger.Warn("firebase project not configured; signed-in access disabled")
		return auth.NewAuthenticator(nil)
	}
	verifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	return auth.NewAuthenticator(verifier)
}

func newPaymentManager(cfg config.Config, logger *zap.Logger) (*payments.Manager, *payments.StripeProvider, error) {
	providers := make(map[string]payments.Provider)

	var stripeProvider *payments.StripeProvider
	if strings.TrimSpace(cfg.PSP.StripeAPIKey) != "" {
		p, err := payments.NewStripeProvider(payments.StripeProviderConfig{
			APIKey:        cfg.PSP.StripeAPIKey,
			WebhookSecret: cfg.PSP.StripeWebhookSecret,
			Logger:        observability.EventLogger(logger, "stripe"),
			Clock:         time.Now,
		})
		if err != nil {
			return nil, nil, err
		}
		stripeProvider = p
		providers["stripe"] = p
	}

	bank := cfg.Shop.Payments.BankTransfer
	if strings.TrimSpace(bank.IBAN) != "" {
		p, err := payments.NewBankTransferProvider(payments.BankTransferDetails{
			AccountHolder: bank.AccountHolder,
			IBAN:          bank.IBAN,
			BIC:           bank.BIC,
		})
		if err != nil {
			return nil, nil, err
		}
		providers["bank_transfer"] = p
	}

	if len(providers) == 0 {
		return nil, nil, errors.New("no payment provider configured: set API_PSP_STRIPE_API_KEY or payments.bankTransfer.iban in the shop config")
	}
	manager, err := payments.NewManager(providers)
	if err != nil {
		return nil, nil, err
	}
	return manager, stripeProvider, nil
}

// newPhotoURLs returns nil when no signer key is configured; photo URLs are then returned as given.
func newPhotoURLs(cfg config.StorageConfig, logger *zap.Logger) *storage.PhotoURLs {
	key := strings.TrimSpace(cfg.SignerKey)
	if key == "" {
		logger.Info("storage signer key not configured; gs:// photo links are not signed")
		return nil
	}
	signer, err := storage.NewServiceAccountSigner([]byte(key))
	if err != nil {
		logger.Fatal("failed to parse storage signer key", zap.Error(err))
	}
	return storage.NewPhotoURLs(signer, cfg.PhotosBucket, cfg.SignedURLTTL)
}

func newSystemService(store repositories.Store, rdb *redis.Client, fetcher *secrets.Fetcher, build services.BuildInfo) (services.SystemService, error) {
	checks := []repositories.DependencyCheck{{
		Name:     "store",
		Timeout:  1500 * time.Millisecond,
		Critical: true,
		Check:    store.Ping,
	}}
	if rdb != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:     "redis",
			Timeout:  time.Second,
			Critical: true,
			Check: func(ctx context.Context) error {
				return rdb.Ping(ctx).Err()
			},
		})
	}
	if fetcher != nil {
		const secretHealthReference = "secret://system-healthz?version=latest"
		checks = append(checks, repositories.DependencyCheck{
			Name:    "secretManager",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				_, err := fetcher.Resolve(ctx, secretHealthReference)
				if err == nil || errors.Is(err, secrets.ErrNotFound) {
					return nil
				}
				if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
					return nil
				}
				return err
			},
		})
	}
	repo, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		return nil, err
	}
	return services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: repo,
		Clock:            time.Now,
		Build:            build,
	})
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	project := lookup("API_SECRET_PROJECT_ID")
	if project == "" {
		project = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
		secrets.WithProject(project),
	}
	if credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists config fields that must resolve before the server starts. Stripe and
// HMAC secrets are only required when the matching feature is configured.
func requiredSecretNames(env map[string]string) []string {
	required := []string{"MagicLink.SigningKey"}
	if strings.TrimSpace(env["API_PSP_STRIPE_API_KEY"]) != "" {
		required = append(required, "PSP.StripeAPIKey", "PSP.StripeWebhookSecret")
	}
	if strings.EqualFold(strings.TrimSpace(env["API_STORE_DRIVER"]), config.StoreDriverPostgres) {
		required = append(required, "Store.PostgresDSN")
	}
	for _, key := range parseHMACSecretKeys(env["API_SECURITY_HMAC_SECRETS"]) {
		required = append(required, fmt.Sprintf("Security.HMAC.Secrets[%s]", key))
	}
	return required
}

func parseHMACSecretKeys(raw string) []string {
	var keys []string
	for _, entry := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok || strings.TrimSpace(key) == "" || strings.TrimSpace(value) == "" {
			continue
		}
		keys = append(keys, strings.ToLower(strings.TrimSpace(key)))
	}
	sort.Strings(keys)
	return keys
}
