// Package memory provides mutex-guarded repositories for local runs and tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	domain "github.com/partsdesk/api/internal/domain"
	"github.com/partsdesk/api/internal/repositories"
)

// Store keeps every aggregate behind one lock so multi-entity writes are atomic.
type Store struct {
	mu            sync.Mutex
	orders        map[string]domain.OrderRequest
	shortCodes    map[string]string
	items         map[string]domain.OrderItem
	offers        map[string]domain.Offer
	selections    map[string]domain.SelectionDraft
	payments      map[string]domain.Payment
	comments      map[string][]domain.Comment
	notifications map[string]domain.Notification
	dedupeKeys    map[string]string
	counters      map[string]int64
}

var _ repositories.Store = (*Store)(nil)

// NewStore constructs an empty in-memory store.
func NewStore() *Store {
	return &Store{
		orders:        make(map[string]domain.OrderRequest),
		shortCodes:    make(map[string]string),
		items:         make(map[string]domain.OrderItem),
		offers:        make(map[string]domain.Offer),
		selections:    make(map[string]domain.SelectionDraft),
		payments:      make(map[string]domain.Payment),
		comments:      make(map[string][]domain.Comment),
		notifications: make(map[string]domain.Notification),
		dedupeKeys:    make(map[string]string),
		counters:      make(map[string]int64),
	}
}

func (s *Store) Orders() repositories.OrderRepository               { return orderRepo{s} }
func (s *Store) Offers() repositories.OfferRepository               { return offerRepo{s} }
func (s *Store) Selections() repositories.SelectionRepository       { return selectionRepo{s} }
func (s *Store) Payments() repositories.PaymentRepository           { return paymentRepo{s} }
func (s *Store) Comments() repositories.CommentRepository           { return commentRepo{s} }
func (s *Store) Notifications() repositories.NotificationRepository { return notificationRepo{s} }
func (s *Store) Counters() repositories.CounterRepository           { return counterRepo{s} }

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close(context.Context) error { return nil }

type orderRepo struct{ s *Store }

func (r orderRepo) Insert(ctx context.Context, order domain.OrderRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, exists := r.s.orders[order.ID]; exists {
		return repositories.NewConflict("orders.insert", "order already exists")
	}
	if _, exists := r.s.shortCodes[order.ShortCode]; exists {
		return repositories.NewConflict("orders.insert", "short code already used")
	}
	for _, item := range order.Items {
		r.s.items[item.ID] = item
	}
	stored := order
	stored.Items = nil
	r.s.orders[order.ID] = stored
	r.s.shortCodes[order.ShortCode] = order.ID
	return nil
}

func (r orderRepo) FindByID(ctx context.Context, orderID string) (domain.OrderRequest, error) {
	if err := ctx.Err(); err != nil {
		return domain.OrderRequest{}, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	order, ok := r.s.orders[orderID]
	if !ok {
		return domain.OrderRequest{}, repositories.NewNotFound("orders.find", "order")
	}
	return r.s.withItems(order), nil
}

func (r orderRepo) FindItem(ctx context.Context, itemID string) (domain.OrderItem, error) {
	if err := ctx.Err(); err != nil {
		return domain.OrderItem{}, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	item, ok := r.s.items[itemID]
	if !ok {
		return domain.OrderItem{}, repositories.NewNotFound("orders.find_item", "order item")
	}
	return item, nil
}

func (r orderRepo) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.OrderRequest], error) {
	if err := ctx.Err(); err != nil {
		return domain.CursorPage[domain.OrderRequest]{}, err
	}
	cursor, hasCursor, err := repositories.DecodePageCursor(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.OrderRequest]{}, err
	}
	statuses := make(map[domain.OrderStatus]struct{}, len(filter.Status))
	for _, st := range filter.Status {
		statuses[st] = struct{}{}
	}

	r.s.mu.Lock()
	matched := make([]domain.OrderRequest, 0, len(r.s.orders))
	for _, order := range r.s.orders {
		if filter.UserID != "" && order.UserID != filter.UserID {
			continue
		}
		if len(statuses) > 0 {
			if _, ok := statuses[order.Status]; !ok {
				continue
			}
		}
		if hasCursor && !cursor.After(order.CreatedAt, order.ID) {
			continue
		}
		matched = append(matched, r.s.withItems(order))
	}
	r.s.mu.Unlock()

	sortNewestFirst(matched, func(o domain.OrderRequest) (time.Time, string) { return o.CreatedAt, o.ID })
	return page(matched, filter.Pagination.PageSize, func(o domain.OrderRequest) (time.Time, string) { return o.CreatedAt, o.ID })
}

func (r orderRepo) Transition(ctx context.Context, change repositories.StatusTransition) (domain.OrderRequest, error) {
	if err := ctx.Err(); err != nil {
		return domain.OrderRequest{}, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	order, ok := r.s.orders[change.OrderID]
	if !ok {
		return domain.OrderRequest{}, repositories.NewNotFound("orders.transition", "order")
	}
	if order.Status != change.From || order.StatusVersion != change.ExpectedVersion {
		return domain.OrderRequest{}, repositories.NewConflict("orders.transition", "order status changed concurrently")
	}
	order.Status = change.To
	order.StatusVersion++
	order.UpdatedAt = change.At
	r.s.orders[order.ID] = order
	for _, itemID := range change.PurchasedItemIDs {
		item, ok := r.s.items[itemID]
		if !ok || item.OrderRequestID != order.ID {
			continue
		}
		item.State = domain.ItemStatePurchased
		item.UpdatedAt = change.At
		r.s.items[itemID] = item
	}
	return r.s.withItems(order), nil
}

func (r orderRepo) SaveCheckout(ctx context.Context, orderID string, snapshot domain.CheckoutSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	order, ok := r.s.orders[orderID]
	if !ok {
		return repositories.NewNotFound("orders.save_checkout", "order")
	}
	snap := snapshot
	order.Checkout = &snap
	order.UpdatedAt = snapshot.SubmittedAt
	r.s.orders[orderID] = order
	return nil
}

// withItems must be called with the lock held.
func (s *Store) withItems(order domain.OrderRequest) domain.OrderRequest {
	items := make([]domain.OrderItem, 0)
	for _, item := range s.items {
		if item.OrderRequestID == order.ID {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	order.Items = items
	if order.Checkout != nil {
		snap := *order.Checkout
		order.Checkout = &snap
	}
	return order
}

// ensureOrderAcceptsOffers must be called with the lock held.
func (s *Store) ensureOrderAcceptsOffers(orderID string) error {
	order, ok := s.orders[orderID]
	if !ok {
		return repositories.NewNotFound("offers.order", "order")
	}
	if !order.Status.AcceptsOffers() {
		return repositories.ErrOrderLocked
	}
	return nil
}

type offerRepo struct{ s *Store }

func (r offerRepo) AddWithCap(ctx context.Context, offer domain.Offer, limit int) (domain.Offer, error) {
	if err := ctx.Err(); err != nil {
		return domain.Offer{}, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	item, ok := r.s.items[offer.OrderItemID]
	if !ok {
		return domain.Offer{}, repositories.NewNotFound("offers.add", "order item")
	}
	if err := r.s.ensureOrderAcceptsOffers(item.OrderRequestID); err != nil {
		return domain.Offer{}, err
	}
	if item.OfferCount >= limit {
		return domain.Offer{}, repositories.ErrOfferLimitReached
	}
	if _, exists := r.s.offers[offer.ID]; exists {
		return domain.Offer{}, repositories.NewConflict("offers.add", "offer already exists")
	}
	item.OfferCount++
	if item.State == domain.ItemStateRequested {
		item.State = domain.ItemStateValuated
	}
	item.UpdatedAt = offer.CreatedAt
	r.s.items[item.ID] = item
	r.s.offers[offer.ID] = offer
	return offer, nil
}

func (r offerRepo) Update(ctx context.Context, offer domain.Offer, expectedVersion int) (domain.Offer, error) {
	if err := ctx.Err(); err != nil {
		return domain.Offer{}, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	current, ok := r.s.offers[offer.ID]
	if !ok {
		return domain.Offer{}, repositories.NewNotFound("offers.update", "offer")
	}
	if err := r.s.ensureOrderAcceptsOffers(current.OrderRequestID); err != nil {
		return domain.Offer{}, err
	}
	if current.Version != expectedVersion {
		return domain.Offer{}, repositories.NewConflict("offers.update", "offer version mismatch")
	}
	current.Manufacturer = offer.Manufacturer
	current.UnitPrice = offer.UnitPrice
	current.QuantityAvailable = offer.QuantityAvailable
	current.Notes = offer.Notes
	current.UpdatedBy = offer.UpdatedBy
	current.UpdatedAt = offer.UpdatedAt
	current.Version = expectedVersion + 1
	r.s.offers[offer.ID] = current
	return current, nil
}

func (r offerRepo) Delete(ctx context.Context, offerID string, at time.Time) (domain.Offer, error) {
	if err := ctx.Err(); err != nil {
		return domain.Offer{}, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	offer, ok := r.s.offers[offerID]
	if !ok {
		return domain.Offer{}, repositories.NewNotFound("offers.delete", "offer")
	}
	if err := r.s.ensureOrderAcceptsOffers(offer.OrderRequestID); err != nil {
		return domain.Offer{}, err
	}
	delete(r.s.offers, offerID)
	if item, ok := r.s.items[offer.OrderItemID]; ok {
		if item.OfferCount > 0 {
			item.OfferCount--
		}
		if item.OfferCount == 0 && item.State == domain.ItemStateValuated {
			item.State = domain.ItemStateRequested
		}
		item.UpdatedAt = at
		r.s.items[item.ID] = item
	}
	return offer, nil
}

func (r offerRepo) FindByID(ctx context.Context, offerID string) (domain.Offer, error) {
	if err := ctx.Err(); err != nil {
		return domain.Offer{}, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	offer, ok := r.s.offers[offerID]
	if !ok {
		return domain.Offer{}, repositories.NewNotFound("offers.find", "offer")
	}
	return offer, nil
}

func (r offerRepo) ListByOrder(ctx context.Context, orderID string) ([]domain.Offer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	out := make([]domain.Offer, 0)
	for _, offer := range r.s.offers {
		if offer.OrderRequestID == orderID {
			out = append(out, offer)
		}
	}
	r.s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

type selectionRepo struct{ s *Store }

func (r selectionRepo) Get(ctx context.Context, orderID string) (domain.SelectionDraft, error) {
	if err := ctx.Err(); err != nil {
		return domain.SelectionDraft{}, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	draft, ok := r.s.selections[orderID]
	if !ok {
		return domain.SelectionDraft{}, repositories.NewNotFound("selections.get", "selection draft")
	}
	return cloneDraft(draft), nil
}

func (r selectionRepo) Save(ctx context.Context, draft domain.SelectionDraft) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.selections[draft.OrderRequestID] = cloneDraft(draft)
	return nil
}

func cloneDraft(draft domain.SelectionDraft) domain.SelectionDraft {
	items := make(map[string]domain.ItemSelection, len(draft.Items))
	for k, v := range draft.Items {
		items[k] = v
	}
	draft.Items = items
	draft.Addons = append([]domain.UpsellAddon(nil), draft.Addons...)
	return draft
}

type paymentRepo struct{ s *Store }

func (r paymentRepo) Insert(ctx context.Context, payment domain.Payment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, exists := r.s.payments[payment.ID]; exists {
		return repositories.NewConflict("payments.insert", "payment already exists")
	}
	r.s.payments[payment.ID] = payment
	return nil
}

func (r paymentRepo) Update(ctx context.Context, payment domain.Payment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, exists := r.s.payments[payment.ID]; !exists {
		return repositories.NewNotFound("payments.update", "payment")
	}
	r.s.payments[payment.ID] = payment
	return nil
}

func (r paymentRepo) FindByID(ctx context.Context, paymentID string) (domain.Payment, error) {
	if err := ctx.Err(); err != nil {
		return domain.Payment{}, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	payment, ok := r.s.payments[paymentID]
	if !ok {
		return domain.Payment{}, repositories.NewNotFound("payments.find", "payment")
	}
	return payment, nil
}

func (r paymentRepo) FindByIntentID(ctx context.Context, provider string, intentID string) (domain.Payment, error) {
	if err := ctx.Err(); err != nil {
		return domain.Payment{}, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, payment := range r.s.payments {
		if payment.Provider == provider && (payment.IntentID == intentID || payment.SessionID == intentID) {
			return payment, nil
		}
	}
	return domain.Payment{}, repositories.NewNotFound("payments.find_intent", "payment")
}

func (r paymentRepo) ListByOrder(ctx context.Context, orderID string) ([]domain.Payment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	out := make([]domain.Payment, 0)
	for _, payment := range r.s.payments {
		if payment.OrderRequestID == orderID {
			out = append(out, payment)
		}
	}
	r.s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type commentRepo struct{ s *Store }

func (r commentRepo) Append(ctx context.Context, comment domain.Comment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.comments[comment.OrderRequestID] = append(r.s.comments[comment.OrderRequestID], comment)
	return nil
}

func (r commentRepo) ListByOrder(ctx context.Context, orderID string) ([]domain.Comment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return append([]domain.Comment(nil), r.s.comments[orderID]...), nil
}

type notificationRepo struct{ s *Store }

func (r notificationRepo) InsertUnique(ctx context.Context, notification domain.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, exists := r.s.dedupeKeys[notification.DedupeKey]; exists {
		return repositories.NewConflict("notifications.insert", "duplicate notification")
	}
	r.s.dedupeKeys[notification.DedupeKey] = notification.ID
	r.s.notifications[notification.ID] = notification
	return nil
}

func (r notificationRepo) List(ctx context.Context, filter repositories.NotificationFilter) (domain.CursorPage[domain.Notification], error) {
	if err := ctx.Err(); err != nil {
		return domain.CursorPage[domain.Notification]{}, err
	}
	cursor, hasCursor, err := repositories.DecodePageCursor(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Notification]{}, err
	}
	r.s.mu.Lock()
	matched := make([]domain.Notification, 0)
	for _, n := range r.s.notifications {
		if !recipientMatches(filter.Recipient, n) {
			continue
		}
		if filter.UnreadOnly && n.IsRead {
			continue
		}
		if hasCursor && !cursor.After(n.CreatedAt, n.ID) {
			continue
		}
		matched = append(matched, n)
	}
	r.s.mu.Unlock()

	key := func(n domain.Notification) (time.Time, string) { return n.CreatedAt, n.ID }
	sortNewestFirst(matched, key)
	return page(matched, filter.Pagination.PageSize, key)
}

func (r notificationRepo) MarkRead(ctx context.Context, notificationID string, recipient repositories.NotificationRecipient) (domain.Notification, error) {
	if err := ctx.Err(); err != nil {
		return domain.Notification{}, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n, ok := r.s.notifications[notificationID]
	if !ok || !recipientMatches(recipient, n) {
		return domain.Notification{}, repositories.NewNotFound("notifications.mark_read", "notification")
	}
	n.IsRead = true
	r.s.notifications[notificationID] = n
	return n, nil
}

func recipientMatches(recipient repositories.NotificationRecipient, n domain.Notification) bool {
	audienceOK := len(recipient.Audiences) == 0
	for _, aud := range recipient.Audiences {
		if n.Audience == aud {
			audienceOK = true
			break
		}
	}
	if !audienceOK {
		return false
	}
	if recipient.UserID != "" && n.UserID != recipient.UserID {
		return false
	}
	return true
}

type counterRepo struct{ s *Store }

func (r counterRepo) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	id := strings.TrimSpace(counterID)
	if id == "" {
		return 0, repositories.NewCounterInputError("counters.next", "counter id is required")
	}
	if step <= 0 {
		step = 1
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.counters[id] += step
	return r.s.counters[id], nil
}

func sortNewestFirst[T any](rows []T, key func(T) (time.Time, string)) {
	sort.Slice(rows, func(i, j int) bool {
		ti, idi := key(rows[i])
		tj, idj := key(rows[j])
		if ti.Equal(tj) {
			return idi > idj
		}
		return ti.After(tj)
	})
}

func page[T any](rows []T, size int, key func(T) (time.Time, string)) (domain.CursorPage[T], error) {
	size = repositories.NormalizePageSize(size)
	if len(rows) <= size {
		return domain.CursorPage[T]{Items: rows}, nil
	}
	rows = rows[:size]
	createdAt, id := key(rows[len(rows)-1])
	token, err := repositories.EncodePageCursor(createdAt, id)
	if err != nil {
		return domain.CursorPage[T]{}, err
	}
	return domain.CursorPage[T]{Items: rows, NextPageToken: token}, nil
}
