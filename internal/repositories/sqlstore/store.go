// Package sqlstore implements the repositories on a relational database through gorm.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	domain "github.com/partsdesk/api/internal/domain"
	"github.com/partsdesk/api/internal/repositories"
)

// Options tune the store.
type Options struct {
	// AutoMigrate creates or updates tables on open.
	AutoMigrate bool
	// Logger receives gorm SQL logs. Nil silences them.
	Logger logger.Interface
	// MaxOpenConns caps the connection pool. Zero keeps the driver default.
	MaxOpenConns int
}

// Store is a repositories.Store backed by gorm.
type Store struct {
	db *gorm.DB
}

var _ repositories.Store = (*Store)(nil)

// Open connects through the given dialector, for example postgres.Open(dsn).
func Open(dialector gorm.Dialector, opts Options) (*Store, error) {
	gormLogger := opts.Logger
	if gormLogger == nil {
		gormLogger = logger.Default.LogMode(logger.Silent)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormLogger,
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("sqlstore: pool: %w", err)
		}
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.AutoMigrate {
		if err := db.AutoMigrate(allModels()...); err != nil {
			return nil, fmt.Errorf("sqlstore: migrate: %w", err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Orders() repositories.OrderRepository               { return orderRepo{s.db} }
func (s *Store) Offers() repositories.OfferRepository               { return offerRepo{s.db} }
func (s *Store) Selections() repositories.SelectionRepository       { return selectionRepo{s.db} }
func (s *Store) Payments() repositories.PaymentRepository           { return paymentRepo{s.db} }
func (s *Store) Comments() repositories.CommentRepository           { return commentRepo{s.db} }
func (s *Store) Notifications() repositories.NotificationRepository { return notificationRepo{s.db} }
func (s *Store) Counters() repositories.CounterRepository           { return counterRepo{s.db} }

// Ping verifies the connection pool.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close(context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return err
	}
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return &repositories.Error{Op: op, Kind: repositories.KindNotFound, Err: err}
	case errors.Is(err, gorm.ErrDuplicatedKey), looksLikeUniqueViolation(err):
		return &repositories.Error{Op: op, Kind: repositories.KindConflict, Err: err}
	}
	return repositories.NewUnavailable(op, err)
}

// looksLikeUniqueViolation covers drivers that do not translate constraint errors.
func looksLikeUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE") || strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}

func applyCursor(query *gorm.DB, token string) (*gorm.DB, error) {
	cursor, ok, err := repositories.DecodePageCursor(token)
	if err != nil || !ok {
		return query, err
	}
	return query.Where("created_at < ? OR (created_at = ? AND id < ?)", cursor.CreatedAt, cursor.CreatedAt, cursor.ID), nil
}

func nextToken[T any](rows []T, size int, key func(T) (time.Time, string)) ([]T, string, error) {
	if len(rows) <= size {
		return rows, "", nil
	}
	rows = rows[:size]
	createdAt, id := key(rows[len(rows)-1])
	token, err := repositories.EncodePageCursor(createdAt, id)
	return rows, token, err
}

type orderRepo struct{ db *gorm.DB }

func (r orderRepo) Insert(ctx context.Context, order domain.OrderRequest) error {
	model, err := newOrderModel(order)
	if err != nil {
		return fmt.Errorf("sqlstore: encode order: %w", err)
	}
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		if len(order.Items) == 0 {
			return nil
		}
		items := make([]itemModel, 0, len(order.Items))
		for _, item := range order.Items {
			items = append(items, newItemModel(item))
		}
		return tx.Create(&items).Error
	})
	return wrapError("orders.insert", err)
}

func (r orderRepo) FindByID(ctx context.Context, orderID string) (domain.OrderRequest, error) {
	db := r.db.WithContext(ctx)
	var model orderModel
	if err := db.First(&model, "id = ?", orderID).Error; err != nil {
		return domain.OrderRequest{}, wrapError("orders.find", err)
	}
	var items []itemModel
	if err := db.Where("order_request_id = ?", orderID).Order("created_at asc, id asc").Find(&items).Error; err != nil {
		return domain.OrderRequest{}, wrapError("orders.find_items", err)
	}
	return model.toDomain(items)
}

func (r orderRepo) FindItem(ctx context.Context, itemID string) (domain.OrderItem, error) {
	var item itemModel
	if err := r.db.WithContext(ctx).First(&item, "id = ?", itemID).Error; err != nil {
		return domain.OrderItem{}, wrapError("orders.find_item", err)
	}
	return item.toDomain(), nil
}

func (r orderRepo) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.OrderRequest], error) {
	size := repositories.NormalizePageSize(filter.Pagination.PageSize)
	query := r.db.WithContext(ctx).Model(&orderModel{})
	if filter.UserID != "" {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if len(filter.Status) > 0 {
		statuses := make([]string, 0, len(filter.Status))
		for _, st := range filter.Status {
			statuses = append(statuses, string(st))
		}
		query = query.Where("status IN ?", statuses)
	}
	query, err := applyCursor(query, filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.OrderRequest]{}, err
	}

	var models []orderModel
	if err := query.Order("created_at desc, id desc").Limit(size + 1).Find(&models).Error; err != nil {
		return domain.CursorPage[domain.OrderRequest]{}, wrapError("orders.list", err)
	}
	models, token, err := nextToken(models, size, func(m orderModel) (time.Time, string) { return m.CreatedAt, m.ID })
	if err != nil {
		return domain.CursorPage[domain.OrderRequest]{}, err
	}

	orders := make([]domain.OrderRequest, 0, len(models))
	for _, m := range models {
		var items []itemModel
		if err := r.db.WithContext(ctx).Where("order_request_id = ?", m.ID).Order("created_at asc, id asc").Find(&items).Error; err != nil {
			return domain.CursorPage[domain.OrderRequest]{}, wrapError("orders.list_items", err)
		}
		order, err := m.toDomain(items)
		if err != nil {
			return domain.CursorPage[domain.OrderRequest]{}, err
		}
		orders = append(orders, order)
	}
	return domain.CursorPage[domain.OrderRequest]{Items: orders, NextPageToken: token}, nil
}

func (r orderRepo) Transition(ctx context.Context, change repositories.StatusTransition) (domain.OrderRequest, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&orderModel{}).
			Where("id = ? AND status = ? AND status_version = ?", change.OrderID, string(change.From), change.ExpectedVersion).
			Updates(map[string]any{
				"status":         string(change.To),
				"status_version": change.ExpectedVersion + 1,
				"updated_at":     change.At,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&orderModel{}).Where("id = ?", change.OrderID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return repositories.NewNotFound("orders.transition", "order")
			}
			return repositories.NewConflict("orders.transition", "order status changed concurrently")
		}
		if len(change.PurchasedItemIDs) > 0 {
			return tx.Model(&itemModel{}).
				Where("order_request_id = ? AND id IN ?", change.OrderID, change.PurchasedItemIDs).
				Updates(map[string]any{"state": string(domain.ItemStatePurchased), "updated_at": change.At}).Error
		}
		return nil
	})
	if err != nil {
		return domain.OrderRequest{}, wrapError("orders.transition", err)
	}
	return r.FindByID(ctx, change.OrderID)
}

func (r orderRepo) SaveCheckout(ctx context.Context, orderID string, snapshot domain.CheckoutSnapshot) error {
	model, err := newOrderModel(domain.OrderRequest{Checkout: &snapshot})
	if err != nil {
		return fmt.Errorf("sqlstore: encode checkout: %w", err)
	}
	res := r.db.WithContext(ctx).Model(&orderModel{}).Where("id = ?", orderID).
		Updates(map[string]any{"checkout_json": model.CheckoutJSON, "updated_at": snapshot.SubmittedAt})
	if res.Error != nil {
		return wrapError("orders.save_checkout", res.Error)
	}
	if res.RowsAffected == 0 {
		return repositories.NewNotFound("orders.save_checkout", "order")
	}
	return nil
}

type offerRepo struct{ db *gorm.DB }

var offerEditableStatuses = []string{string(domain.OrderStatusPending), string(domain.OrderStatusValuated)}

// lockOrderForOffers row-locks the order while it still accepts offer changes,
// so a concurrent Transition waits for the offer write to commit.
func lockOrderForOffers(tx *gorm.DB, orderID string) error {
	res := tx.Model(&orderModel{}).
		Where("id = ? AND status IN ?", orderID, offerEditableStatuses).
		UpdateColumn("status", gorm.Expr("status"))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	var count int64
	if err := tx.Model(&orderModel{}).Where("id = ?", orderID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return repositories.NewNotFound("offers.order", "order")
	}
	return repositories.ErrOrderLocked
}

func (r offerRepo) AddWithCap(ctx context.Context, offer domain.Offer, limit int) (domain.Offer, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockOrderForOffers(tx, offer.OrderRequestID); err != nil {
			return err
		}
		// The guarded increment is the cap: concurrent adds serialise on the item row.
		res := tx.Model(&itemModel{}).
			Where("id = ? AND offer_count < ?", offer.OrderItemID, limit).
			Updates(map[string]any{
				"offer_count": gorm.Expr("offer_count + 1"),
				"state":       gorm.Expr("CASE WHEN state = ? THEN ? ELSE state END", string(domain.ItemStateRequested), string(domain.ItemStateValuated)),
				"updated_at":  offer.CreatedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&itemModel{}).Where("id = ?", offer.OrderItemID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return repositories.NewNotFound("offers.add", "order item")
			}
			return repositories.ErrOfferLimitReached
		}
		model := newOfferModel(offer)
		return tx.Create(&model).Error
	})
	if errors.Is(err, repositories.ErrOfferLimitReached) || errors.Is(err, repositories.ErrOrderLocked) {
		return domain.Offer{}, err
	}
	if err != nil {
		return domain.Offer{}, wrapError("offers.add", err)
	}
	return offer, nil
}

func (r offerRepo) Update(ctx context.Context, offer domain.Offer, expectedVersion int) (domain.Offer, error) {
	var updated offerModel
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&updated, "id = ?", offer.ID).Error; err != nil {
			return err
		}
		if err := lockOrderForOffers(tx, updated.OrderRequestID); err != nil {
			return err
		}
		res := tx.Model(&offerModel{}).
			Where("id = ? AND version = ?", offer.ID, expectedVersion).
			Updates(map[string]any{
				"manufacturer":       offer.Manufacturer,
				"unit_price":         offer.UnitPrice,
				"quantity_available": offer.QuantityAvailable,
				"notes":              offer.Notes,
				"updated_by":         offer.UpdatedBy,
				"updated_at":         offer.UpdatedAt,
				"version":            expectedVersion + 1,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return repositories.NewConflict("offers.update", "offer version mismatch")
		}
		return tx.First(&updated, "id = ?", offer.ID).Error
	})
	if errors.Is(err, repositories.ErrOrderLocked) {
		return domain.Offer{}, err
	}
	if err != nil {
		return domain.Offer{}, wrapError("offers.update", err)
	}
	return updated.toDomain(), nil
}

func (r offerRepo) Delete(ctx context.Context, offerID string, at time.Time) (domain.Offer, error) {
	var deleted offerModel
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&deleted, "id = ?", offerID).Error; err != nil {
			return err
		}
		if err := lockOrderForOffers(tx, deleted.OrderRequestID); err != nil {
			return err
		}
		res := tx.Delete(&offerModel{}, "id = ?", offerID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.Model(&itemModel{}).
			Where("id = ? AND offer_count > 0", deleted.OrderItemID).
			Updates(map[string]any{
				"offer_count": gorm.Expr("offer_count - 1"),
				"state": gorm.Expr("CASE WHEN offer_count = 1 AND state = ? THEN ? ELSE state END",
					string(domain.ItemStateValuated), string(domain.ItemStateRequested)),
				"updated_at": at,
			}).Error
	})
	if errors.Is(err, repositories.ErrOrderLocked) {
		return domain.Offer{}, err
	}
	if err != nil {
		return domain.Offer{}, wrapError("offers.delete", err)
	}
	return deleted.toDomain(), nil
}

func (r offerRepo) FindByID(ctx context.Context, offerID string) (domain.Offer, error) {
	var model offerModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", offerID).Error; err != nil {
		return domain.Offer{}, wrapError("offers.find", err)
	}
	return model.toDomain(), nil
}

func (r offerRepo) ListByOrder(ctx context.Context, orderID string) ([]domain.Offer, error) {
	var models []offerModel
	if err := r.db.WithContext(ctx).Where("order_request_id = ?", orderID).Order("created_at asc, id asc").Find(&models).Error; err != nil {
		return nil, wrapError("offers.list", err)
	}
	out := make([]domain.Offer, 0, len(models))
	for _, m := range models {
		out = append(out, m.toDomain())
	}
	return out, nil
}

type selectionRepo struct{ db *gorm.DB }

func (r selectionRepo) Get(ctx context.Context, orderID string) (domain.SelectionDraft, error) {
	var model selectionModel
	if err := r.db.WithContext(ctx).First(&model, "order_request_id = ?", orderID).Error; err != nil {
		return domain.SelectionDraft{}, wrapError("selections.get", err)
	}
	draft, err := model.toDomain()
	if err != nil {
		return domain.SelectionDraft{}, fmt.Errorf("sqlstore: decode selection: %w", err)
	}
	return draft, nil
}

func (r selectionRepo) Save(ctx context.Context, draft domain.SelectionDraft) error {
	model, err := newSelectionModel(draft)
	if err != nil {
		return fmt.Errorf("sqlstore: encode selection: %w", err)
	}
	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "order_request_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"items_json", "addons_json", "coupon_code", "shipping_method", "updated_at"}),
	}).Create(&model).Error
	return wrapError("selections.save", err)
}

type paymentRepo struct{ db *gorm.DB }

func (r paymentRepo) Insert(ctx context.Context, payment domain.Payment) error {
	model := newPaymentModel(payment)
	return wrapError("payments.insert", r.db.WithContext(ctx).Create(&model).Error)
}

func (r paymentRepo) Update(ctx context.Context, payment domain.Payment) error {
	model := newPaymentModel(payment)
	res := r.db.WithContext(ctx).Model(&paymentModel{}).Where("id = ?", payment.ID).Select("*").Omit("created_at").Updates(&model)
	if res.Error != nil {
		return wrapError("payments.update", res.Error)
	}
	if res.RowsAffected == 0 {
		return repositories.NewNotFound("payments.update", "payment")
	}
	return nil
}

func (r paymentRepo) FindByID(ctx context.Context, paymentID string) (domain.Payment, error) {
	var model paymentModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", paymentID).Error; err != nil {
		return domain.Payment{}, wrapError("payments.find", err)
	}
	return model.toDomain(), nil
}

func (r paymentRepo) FindByIntentID(ctx context.Context, provider string, intentID string) (domain.Payment, error) {
	var model paymentModel
	err := r.db.WithContext(ctx).
		Where("provider = ? AND (intent_id = ? OR session_id = ?)", provider, intentID, intentID).
		First(&model).Error
	if err != nil {
		return domain.Payment{}, wrapError("payments.find_intent", err)
	}
	return model.toDomain(), nil
}

func (r paymentRepo) ListByOrder(ctx context.Context, orderID string) ([]domain.Payment, error) {
	var models []paymentModel
	if err := r.db.WithContext(ctx).Where("order_request_id = ?", orderID).Order("created_at asc").Find(&models).Error; err != nil {
		return nil, wrapError("payments.list", err)
	}
	out := make([]domain.Payment, 0, len(models))
	for _, m := range models {
		out = append(out, m.toDomain())
	}
	return out, nil
}

type commentRepo struct{ db *gorm.DB }

func (r commentRepo) Append(ctx context.Context, comment domain.Comment) error {
	model := commentModel{
		ID:             comment.ID,
		OrderRequestID: comment.OrderRequestID,
		AuthorID:       comment.AuthorID,
		AuthorRole:     string(comment.AuthorRole),
		Body:           comment.Body,
		CreatedAt:      comment.CreatedAt,
	}
	return wrapError("comments.append", r.db.WithContext(ctx).Create(&model).Error)
}

func (r commentRepo) ListByOrder(ctx context.Context, orderID string) ([]domain.Comment, error) {
	var models []commentModel
	if err := r.db.WithContext(ctx).Where("order_request_id = ?", orderID).Order("created_at asc, id asc").Find(&models).Error; err != nil {
		return nil, wrapError("comments.list", err)
	}
	out := make([]domain.Comment, 0, len(models))
	for _, m := range models {
		out = append(out, domain.Comment{
			ID:             m.ID,
			OrderRequestID: m.OrderRequestID,
			AuthorID:       m.AuthorID,
			AuthorRole:     domain.Role(m.AuthorRole),
			Body:           m.Body,
			CreatedAt:      m.CreatedAt.UTC(),
		})
	}
	return out, nil
}

type notificationRepo struct{ db *gorm.DB }

func (r notificationRepo) InsertUnique(ctx context.Context, notification domain.Notification) error {
	model := newNotificationModel(notification)
	return wrapError("notifications.insert", r.db.WithContext(ctx).Create(&model).Error)
}

func (r notificationRepo) scoped(db *gorm.DB, recipient repositories.NotificationRecipient) *gorm.DB {
	if len(recipient.Audiences) > 0 {
		audiences := make([]string, 0, len(recipient.Audiences))
		for _, aud := range recipient.Audiences {
			audiences = append(audiences, string(aud))
		}
		db = db.Where("audience IN ?", audiences)
	}
	if recipient.UserID != "" {
		db = db.Where("user_id = ?", recipient.UserID)
	}
	return db
}

func (r notificationRepo) List(ctx context.Context, filter repositories.NotificationFilter) (domain.CursorPage[domain.Notification], error) {
	size := repositories.NormalizePageSize(filter.Pagination.PageSize)
	query := r.scoped(r.db.WithContext(ctx).Model(&notificationModel{}), filter.Recipient)
	if filter.UnreadOnly {
		query = query.Where("is_read = ?", false)
	}
	query, err := applyCursor(query, filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Notification]{}, err
	}
	var models []notificationModel
	if err := query.Order("created_at desc, id desc").Limit(size + 1).Find(&models).Error; err != nil {
		return domain.CursorPage[domain.Notification]{}, wrapError("notifications.list", err)
	}
	models, token, err := nextToken(models, size, func(m notificationModel) (time.Time, string) { return m.CreatedAt, m.ID })
	if err != nil {
		return domain.CursorPage[domain.Notification]{}, err
	}
	out := make([]domain.Notification, 0, len(models))
	for _, m := range models {
		out = append(out, m.toDomain())
	}
	return domain.CursorPage[domain.Notification]{Items: out, NextPageToken: token}, nil
}

func (r notificationRepo) MarkRead(ctx context.Context, notificationID string, recipient repositories.NotificationRecipient) (domain.Notification, error) {
	query := r.scoped(r.db.WithContext(ctx).Model(&notificationModel{}), recipient).Where("id = ?", notificationID)
	res := query.Update("is_read", true)
	if res.Error != nil {
		return domain.Notification{}, wrapError("notifications.mark_read", res.Error)
	}
	var model notificationModel
	err := r.scoped(r.db.WithContext(ctx), recipient).First(&model, "id = ?", notificationID).Error
	if err != nil {
		return domain.Notification{}, wrapError("notifications.mark_read", err)
	}
	return model.toDomain(), nil
}

type counterRepo struct{ db *gorm.DB }

func (r counterRepo) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	id := strings.TrimSpace(counterID)
	if id == "" {
		return 0, repositories.NewCounterInputError("counters.next", "counter id is required")
	}
	if step <= 0 {
		step = 1
	}
	var value int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"value":      gorm.Expr("counters.value + ?", step),
				"updated_at": now,
			}),
		}).Create(&counterModel{ID: id, Value: step, UpdatedAt: now}).Error
		if err != nil {
			return err
		}
		var model counterModel
		if err := tx.First(&model, "id = ?", id).Error; err != nil {
			return err
		}
		value = model.Value
		return nil
	})
	if err != nil {
		return 0, wrapError("counters.next", err)
	}
	return value, nil
}
