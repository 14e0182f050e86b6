package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/partsdesk/api/internal/domain"
	pfirestore "github.com/partsdesk/api/internal/platform/firestore"
	"github.com/partsdesk/api/internal/repositories"
)

// Store implements repositories.Store on Firestore. Multi-document invariants run inside transactions.
type Store struct {
	provider *pfirestore.Provider
	counters *CounterRepository
}

var _ repositories.Store = (*Store)(nil)

// NewStore constructs the Firestore-backed store.
func NewStore(provider *pfirestore.Provider) (*Store, error) {
	if provider == nil {
		return nil, errors.New("firestore store requires provider")
	}
	counters, err := NewCounterRepository(provider)
	if err != nil {
		return nil, err
	}
	return &Store{provider: provider, counters: counters}, nil
}

func (s *Store) Orders() repositories.OrderRepository               { return orderRepo{s.provider} }
func (s *Store) Offers() repositories.OfferRepository               { return offerRepo{s.provider} }
func (s *Store) Selections() repositories.SelectionRepository       { return selectionRepo{s.provider} }
func (s *Store) Payments() repositories.PaymentRepository           { return paymentRepo{s.provider} }
func (s *Store) Comments() repositories.CommentRepository           { return commentRepo{s.provider} }
func (s *Store) Notifications() repositories.NotificationRepository { return notificationRepo{s.provider} }
func (s *Store) Counters() repositories.CounterRepository           { return s.counters }

// Ping lists the first collection to verify connectivity.
func (s *Store) Ping(ctx context.Context) error {
	client, err := s.provider.Client(ctx)
	if err != nil {
		return err
	}
	iter := client.Collections(ctx)
	_, err = iter.Next()
	if errors.Is(err, iterator.Done) {
		return nil
	}
	return err
}

// Close releases the shared client.
func (s *Store) Close(ctx context.Context) error {
	return s.provider.Close(ctx)
}

func collection(ctx context.Context, provider *pfirestore.Provider, name string) (*firestore.CollectionRef, error) {
	client, err := provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(name), nil
}

func getAll[T any](iter *firestore.DocumentIterator, op string) ([]pfirestore.Document[T], error) {
	defer iter.Stop()
	var docs []pfirestore.Document[T]
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return docs, nil
		}
		if err != nil {
			return nil, pfirestore.WrapError(op, err)
		}
		var data T
		if err := snap.DataTo(&data); err != nil {
			return nil, fmt.Errorf("firestore: decode %s: %w", snap.Ref.ID, err)
		}
		docs = append(docs, pfirestore.Document[T]{ID: snap.Ref.ID, Data: data, UpdateTime: snap.UpdateTime})
	}
}

func pageQuery(query firestore.Query, pageToken string, size int) (firestore.Query, error) {
	query = query.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
	cursor, ok, err := repositories.DecodePageCursor(pageToken)
	if err != nil {
		return query, err
	}
	if ok {
		query = query.StartAfter(cursor.CreatedAt, cursor.ID)
	}
	return query.Limit(size + 1), nil
}

func trimPage[T any](docs []pfirestore.Document[T], size int, createdAt func(T) time.Time) ([]pfirestore.Document[T], string, error) {
	if len(docs) <= size {
		return docs, "", nil
	}
	docs = docs[:size]
	last := docs[len(docs)-1]
	token, err := repositories.EncodePageCursor(createdAt(last.Data), last.ID)
	return docs, token, err
}

type orderRepo struct{ provider *pfirestore.Provider }

func (r orderRepo) Insert(ctx context.Context, order domain.OrderRequest) error {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return err
	}
	err = pfirestore.RunTransaction(ctx, client, func(ctx context.Context, tx *firestore.Transaction) error {
		if err := tx.Create(client.Collection(shortCodesCollection).Doc(order.ShortCode), map[string]any{"orderId": order.ID}); err != nil {
			return err
		}
		if err := tx.Create(client.Collection(ordersCollection).Doc(order.ID), encodeOrder(order)); err != nil {
			return err
		}
		for _, item := range order.Items {
			if err := tx.Create(client.Collection(itemsCollection).Doc(item.ID), encodeItem(item)); err != nil {
				return err
			}
		}
		return nil
	})
	return pfirestore.WrapError("orders.insert", err)
}

func (r orderRepo) items(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	coll, err := collection(ctx, r.provider, itemsCollection)
	if err != nil {
		return nil, err
	}
	docs, err := getAll[itemDocument](coll.Where("orderRequestId", "==", orderID).
		OrderBy("createdAt", firestore.Asc).OrderBy(firestore.DocumentID, firestore.Asc).Documents(ctx), "orders.items")
	if err != nil {
		return nil, err
	}
	items := make([]domain.OrderItem, 0, len(docs))
	for _, doc := range docs {
		items = append(items, decodeItem(doc.ID, doc.Data))
	}
	return items, nil
}

func (r orderRepo) FindByID(ctx context.Context, orderID string) (domain.OrderRequest, error) {
	base := pfirestore.NewBaseRepository[orderDocument](r.provider, ordersCollection)
	doc, err := base.Get(ctx, orderID)
	if err != nil {
		return domain.OrderRequest{}, err
	}
	items, err := r.items(ctx, orderID)
	if err != nil {
		return domain.OrderRequest{}, err
	}
	return decodeOrder(doc.ID, doc.Data, items), nil
}

func (r orderRepo) FindItem(ctx context.Context, itemID string) (domain.OrderItem, error) {
	base := pfirestore.NewBaseRepository[itemDocument](r.provider, itemsCollection)
	doc, err := base.Get(ctx, itemID)
	if err != nil {
		return domain.OrderItem{}, err
	}
	return decodeItem(doc.ID, doc.Data), nil
}

func (r orderRepo) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.OrderRequest], error) {
	coll, err := collection(ctx, r.provider, ordersCollection)
	if err != nil {
		return domain.CursorPage[domain.OrderRequest]{}, err
	}
	size := repositories.NormalizePageSize(filter.Pagination.PageSize)
	query := coll.Query
	if filter.UserID != "" {
		query = query.Where("userId", "==", filter.UserID)
	}
	if len(filter.Status) > 0 {
		statuses := make([]string, 0, len(filter.Status))
		for _, st := range filter.Status {
			statuses = append(statuses, string(st))
		}
		query = query.Where("status", "in", statuses)
	}
	query, err = pageQuery(query, filter.Pagination.PageToken, size)
	if err != nil {
		return domain.CursorPage[domain.OrderRequest]{}, err
	}
	docs, err := getAll[orderDocument](query.Documents(ctx), "orders.list")
	if err != nil {
		return domain.CursorPage[domain.OrderRequest]{}, err
	}
	docs, token, err := trimPage(docs, size, func(d orderDocument) time.Time { return d.CreatedAt })
	if err != nil {
		return domain.CursorPage[domain.OrderRequest]{}, err
	}
	out := make([]domain.OrderRequest, 0, len(docs))
	for _, doc := range docs {
		items, err := r.items(ctx, doc.ID)
		if err != nil {
			return domain.CursorPage[domain.OrderRequest]{}, err
		}
		out = append(out, decodeOrder(doc.ID, doc.Data, items))
	}
	return domain.CursorPage[domain.OrderRequest]{Items: out, NextPageToken: token}, nil
}

func (r orderRepo) Transition(ctx context.Context, change repositories.StatusTransition) (domain.OrderRequest, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.OrderRequest{}, err
	}
	err = pfirestore.RunTransaction(ctx, client, func(ctx context.Context, tx *firestore.Transaction) error {
		ref := client.Collection(ordersCollection).Doc(change.OrderID)
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("firestore orders decode %s: %w", change.OrderID, err)
		}
		if doc.Status != string(change.From) || doc.StatusVersion != change.ExpectedVersion {
			return repositories.NewConflict("orders.transition", "order status changed concurrently")
		}
		if err := tx.Update(ref, []firestore.Update{
			{Path: "status", Value: string(change.To)},
			{Path: "statusVersion", Value: change.ExpectedVersion + 1},
			{Path: "updatedAt", Value: change.At},
		}); err != nil {
			return err
		}
		for _, itemID := range change.PurchasedItemIDs {
			if err := tx.Update(client.Collection(itemsCollection).Doc(itemID), []firestore.Update{
				{Path: "state", Value: string(domain.ItemStatePurchased)},
				{Path: "updatedAt", Value: change.At},
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if repositories.IsConflict(err) {
			return domain.OrderRequest{}, err
		}
		return domain.OrderRequest{}, pfirestore.WrapError("orders.transition", err)
	}
	return r.FindByID(ctx, change.OrderID)
}

func (r orderRepo) SaveCheckout(ctx context.Context, orderID string, snapshot domain.CheckoutSnapshot) error {
	base := pfirestore.NewBaseRepository[orderDocument](r.provider, ordersCollection)
	_, err := base.Update(ctx, orderID, []firestore.Update{
		{Path: "checkout", Value: encodeCheckout(snapshot)},
		{Path: "updatedAt", Value: snapshot.SubmittedAt},
	})
	return err
}

type offerRepo struct{ provider *pfirestore.Provider }

// orderAcceptsOffers reads the order inside tx so a concurrent status change aborts and retries the offer write.
func orderAcceptsOffers(tx *firestore.Transaction, client *firestore.Client, orderID string) error {
	snap, err := tx.Get(client.Collection(ordersCollection).Doc(orderID))
	if err != nil {
		return err
	}
	var order orderDocument
	if err := snap.DataTo(&order); err != nil {
		return fmt.Errorf("firestore orders decode %s: %w", orderID, err)
	}
	if !domain.OrderStatus(order.Status).AcceptsOffers() {
		return repositories.ErrOrderLocked
	}
	return nil
}

func (r offerRepo) AddWithCap(ctx context.Context, offer domain.Offer, limit int) (domain.Offer, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Offer{}, err
	}
	err = pfirestore.RunTransaction(ctx, client, func(ctx context.Context, tx *firestore.Transaction) error {
		itemRef := client.Collection(itemsCollection).Doc(offer.OrderItemID)
		snap, err := tx.Get(itemRef)
		if err != nil {
			return err
		}
		var item itemDocument
		if err := snap.DataTo(&item); err != nil {
			return fmt.Errorf("firestore items decode %s: %w", offer.OrderItemID, err)
		}
		if err := orderAcceptsOffers(tx, client, item.OrderRequestID); err != nil {
			return err
		}
		if item.OfferCount >= limit {
			return repositories.ErrOfferLimitReached
		}
		state := item.State
		if state == string(domain.ItemStateRequested) {
			state = string(domain.ItemStateValuated)
		}
		if err := tx.Create(client.Collection(offersCollection).Doc(offer.ID), encodeOffer(offer)); err != nil {
			return err
		}
		return tx.Update(itemRef, []firestore.Update{
			{Path: "offerCount", Value: item.OfferCount + 1},
			{Path: "state", Value: state},
			{Path: "updatedAt", Value: offer.CreatedAt},
		})
	})
	if errors.Is(err, repositories.ErrOfferLimitReached) || errors.Is(err, repositories.ErrOrderLocked) {
		return domain.Offer{}, err
	}
	if err != nil {
		return domain.Offer{}, pfirestore.WrapError("offers.add", err)
	}
	return offer, nil
}

func (r offerRepo) Update(ctx context.Context, offer domain.Offer, expectedVersion int) (domain.Offer, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Offer{}, err
	}
	var updated domain.Offer
	err = pfirestore.RunTransaction(ctx, client, func(ctx context.Context, tx *firestore.Transaction) error {
		ref := client.Collection(offersCollection).Doc(offer.ID)
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc offerDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("firestore offers decode %s: %w", offer.ID, err)
		}
		if err := orderAcceptsOffers(tx, client, doc.OrderRequestID); err != nil {
			return err
		}
		if doc.Version != expectedVersion {
			return repositories.NewConflict("offers.update", "offer version mismatch")
		}
		doc.Manufacturer = offer.Manufacturer
		doc.UnitPrice = offer.UnitPrice
		doc.QuantityAvailable = offer.QuantityAvailable
		doc.Notes = offer.Notes
		doc.UpdatedBy = offer.UpdatedBy
		doc.UpdatedAt = offer.UpdatedAt
		doc.Version = expectedVersion + 1
		updated = decodeOffer(offer.ID, doc)
		return tx.Set(ref, doc)
	})
	if err != nil {
		if repositories.IsConflict(err) || errors.Is(err, repositories.ErrOrderLocked) {
			return domain.Offer{}, err
		}
		return domain.Offer{}, pfirestore.WrapError("offers.update", err)
	}
	return updated, nil
}

func (r offerRepo) Delete(ctx context.Context, offerID string, at time.Time) (domain.Offer, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Offer{}, err
	}
	var deleted domain.Offer
	err = pfirestore.RunTransaction(ctx, client, func(ctx context.Context, tx *firestore.Transaction) error {
		ref := client.Collection(offersCollection).Doc(offerID)
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc offerDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("firestore offers decode %s: %w", offerID, err)
		}
		if err := orderAcceptsOffers(tx, client, doc.OrderRequestID); err != nil {
			return err
		}
		itemRef := client.Collection(itemsCollection).Doc(doc.OrderItemID)
		itemSnap, err := tx.Get(itemRef)
		itemExists := err == nil
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		deleted = decodeOffer(offerID, doc)
		if err := tx.Delete(ref); err != nil {
			return err
		}
		if !itemExists {
			return nil
		}
		var item itemDocument
		if err := itemSnap.DataTo(&item); err != nil {
			return fmt.Errorf("firestore items decode %s: %w", doc.OrderItemID, err)
		}
		count := item.OfferCount - 1
		if count < 0 {
			count = 0
		}
		state := item.State
		if count == 0 && state == string(domain.ItemStateValuated) {
			state = string(domain.ItemStateRequested)
		}
		return tx.Update(itemRef, []firestore.Update{
			{Path: "offerCount", Value: count},
			{Path: "state", Value: state},
			{Path: "updatedAt", Value: at},
		})
	})
	if errors.Is(err, repositories.ErrOrderLocked) {
		return domain.Offer{}, err
	}
	if err != nil {
		return domain.Offer{}, pfirestore.WrapError("offers.delete", err)
	}
	return deleted, nil
}

func (r offerRepo) FindByID(ctx context.Context, offerID string) (domain.Offer, error) {
	base := pfirestore.NewBaseRepository[offerDocument](r.provider, offersCollection)
	doc, err := base.Get(ctx, offerID)
	if err != nil {
		return domain.Offer{}, err
	}
	return decodeOffer(doc.ID, doc.Data), nil
}

func (r offerRepo) ListByOrder(ctx context.Context, orderID string) ([]domain.Offer, error) {
	base := pfirestore.NewBaseRepository[offerDocument](r.provider, offersCollection)
	docs, err := base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("orderRequestId", "==", orderID).OrderBy("createdAt", firestore.Asc)
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Offer, 0, len(docs))
	for _, doc := range docs {
		out = append(out, decodeOffer(doc.ID, doc.Data))
	}
	return out, nil
}

type selectionRepo struct{ provider *pfirestore.Provider }

func (r selectionRepo) Get(ctx context.Context, orderID string) (domain.SelectionDraft, error) {
	base := pfirestore.NewBaseRepository[selectionDocument](r.provider, selectionsCollection)
	doc, err := base.Get(ctx, orderID)
	if err != nil {
		return domain.SelectionDraft{}, err
	}
	draft := domain.SelectionDraft{
		OrderRequestID: orderID,
		Items:          make(map[string]domain.ItemSelection, len(doc.Data.Items)),
		CouponCode:     doc.Data.CouponCode,
		ShippingMethod: doc.Data.ShippingMethod,
		UpdatedAt:      doc.Data.UpdatedAt.UTC(),
	}
	for id, sel := range doc.Data.Items {
		draft.Items[id] = domain.ItemSelection{OfferID: sel.OfferID, Include: sel.Include}
	}
	for _, addon := range doc.Data.Addons {
		draft.Addons = append(draft.Addons, domain.UpsellAddon{UpsellItemID: addon.UpsellItemID, Quantity: addon.Quantity})
	}
	return draft, nil
}

func (r selectionRepo) Save(ctx context.Context, draft domain.SelectionDraft) error {
	doc := selectionDocument{
		Items:          make(map[string]selectionItemDocument, len(draft.Items)),
		Addons:         make([]addonDocument, 0, len(draft.Addons)),
		CouponCode:     draft.CouponCode,
		ShippingMethod: draft.ShippingMethod,
		UpdatedAt:      draft.UpdatedAt,
	}
	for id, sel := range draft.Items {
		doc.Items[id] = selectionItemDocument{OfferID: sel.OfferID, Include: sel.Include}
	}
	for _, addon := range draft.Addons {
		doc.Addons = append(doc.Addons, addonDocument{UpsellItemID: addon.UpsellItemID, Quantity: addon.Quantity})
	}
	base := pfirestore.NewBaseRepository[selectionDocument](r.provider, selectionsCollection)
	_, err := base.Set(ctx, draft.OrderRequestID, doc)
	return err
}

type paymentRepo struct{ provider *pfirestore.Provider }

func (r paymentRepo) base() *pfirestore.BaseRepository[paymentDocument] {
	return pfirestore.NewBaseRepository[paymentDocument](r.provider, paymentsCollection)
}

func (r paymentRepo) Insert(ctx context.Context, payment domain.Payment) error {
	ref, err := r.base().DocumentRef(ctx, payment.ID)
	if err != nil {
		return err
	}
	_, err = ref.Create(ctx, encodePayment(payment))
	return pfirestore.WrapError("payments.insert", err)
}

func (r paymentRepo) Update(ctx context.Context, payment domain.Payment) error {
	doc := encodePayment(payment)
	_, err := r.base().Update(ctx, payment.ID, []firestore.Update{
		{Path: "intentId", Value: doc.IntentID},
		{Path: "sessionId", Value: doc.SessionID},
		{Path: "redirectUrl", Value: doc.RedirectURL},
		{Path: "status", Value: doc.Status},
		{Path: "amount", Value: doc.Amount},
		{Path: "failureReason", Value: doc.FailureReason},
		{Path: "updatedAt", Value: doc.UpdatedAt},
	})
	return err
}

func (r paymentRepo) FindByID(ctx context.Context, paymentID string) (domain.Payment, error) {
	doc, err := r.base().Get(ctx, paymentID)
	if err != nil {
		return domain.Payment{}, err
	}
	return decodePayment(doc.ID, doc.Data), nil
}

func (r paymentRepo) FindByIntentID(ctx context.Context, provider string, intentID string) (domain.Payment, error) {
	for _, field := range []string{"intentId", "sessionId"} {
		docs, err := r.base().Query(ctx, func(q firestore.Query) firestore.Query {
			return q.Where("provider", "==", provider).Where(field, "==", intentID).Limit(1)
		})
		if err != nil {
			return domain.Payment{}, err
		}
		if len(docs) > 0 {
			return decodePayment(docs[0].ID, docs[0].Data), nil
		}
	}
	return domain.Payment{}, repositories.NewNotFound("payments.find_intent", "payment")
}

func (r paymentRepo) ListByOrder(ctx context.Context, orderID string) ([]domain.Payment, error) {
	docs, err := r.base().Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("orderRequestId", "==", orderID).OrderBy("createdAt", firestore.Asc)
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Payment, 0, len(docs))
	for _, doc := range docs {
		out = append(out, decodePayment(doc.ID, doc.Data))
	}
	return out, nil
}

type commentRepo struct{ provider *pfirestore.Provider }

func (r commentRepo) base() *pfirestore.BaseRepository[commentDocument] {
	return pfirestore.NewBaseRepository[commentDocument](r.provider, commentsCollection)
}

func (r commentRepo) Append(ctx context.Context, comment domain.Comment) error {
	ref, err := r.base().DocumentRef(ctx, comment.ID)
	if err != nil {
		return err
	}
	_, err = ref.Create(ctx, commentDocument{
		OrderRequestID: comment.OrderRequestID,
		AuthorID:       comment.AuthorID,
		AuthorRole:     string(comment.AuthorRole),
		Body:           comment.Body,
		CreatedAt:      comment.CreatedAt,
	})
	return pfirestore.WrapError("comments.append", err)
}

func (r commentRepo) ListByOrder(ctx context.Context, orderID string) ([]domain.Comment, error) {
	docs, err := r.base().Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("orderRequestId", "==", orderID).OrderBy("createdAt", firestore.Asc)
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Comment, 0, len(docs))
	for _, doc := range docs {
		out = append(out, domain.Comment{
			ID:             doc.ID,
			OrderRequestID: doc.Data.OrderRequestID,
			AuthorID:       doc.Data.AuthorID,
			AuthorRole:     domain.Role(doc.Data.AuthorRole),
			Body:           doc.Data.Body,
			CreatedAt:      doc.Data.CreatedAt.UTC(),
		})
	}
	return out, nil
}

type notificationRepo struct{ provider *pfirestore.Provider }

func dedupeDocID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func (r notificationRepo) InsertUnique(ctx context.Context, n domain.Notification) error {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return err
	}
	err = pfirestore.RunTransaction(ctx, client, func(ctx context.Context, tx *firestore.Transaction) error {
		keyRef := client.Collection(notificationKeysCollection).Doc(dedupeDocID(n.DedupeKey))
		if err := tx.Create(keyRef, map[string]any{"notificationId": n.ID, "createdAt": n.CreatedAt}); err != nil {
			return err
		}
		return tx.Create(client.Collection(notificationsCollection).Doc(n.ID), notificationDocument{
			Type:           string(n.Type),
			Audience:       string(n.Audience),
			OrderRequestID: n.OrderRequestID,
			UserID:         n.UserID,
			RecipientEmail: n.RecipientEmail,
			Title:          n.Title,
			Body:           n.Body,
			IsRead:         n.IsRead,
			DedupeKey:      n.DedupeKey,
			CreatedAt:      n.CreatedAt,
		})
	}, pfirestore.WithTxAttempts(1))
	return pfirestore.WrapError("notifications.insert", err)
}

func scopeRecipient(query firestore.Query, recipient repositories.NotificationRecipient) firestore.Query {
	if len(recipient.Audiences) > 0 {
		audiences := make([]string, 0, len(recipient.Audiences))
		for _, aud := range recipient.Audiences {
			audiences = append(audiences, string(aud))
		}
		query = query.Where("audience", "in", audiences)
	}
	if recipient.UserID != "" {
		query = query.Where("userId", "==", recipient.UserID)
	}
	return query
}

func (r notificationRepo) List(ctx context.Context, filter repositories.NotificationFilter) (domain.CursorPage[domain.Notification], error) {
	coll, err := collection(ctx, r.provider, notificationsCollection)
	if err != nil {
		return domain.CursorPage[domain.Notification]{}, err
	}
	size := repositories.NormalizePageSize(filter.Pagination.PageSize)
	query := scopeRecipient(coll.Query, filter.Recipient)
	if filter.UnreadOnly {
		query = query.Where("isRead", "==", false)
	}
	query, err = pageQuery(query, filter.Pagination.PageToken, size)
	if err != nil {
		return domain.CursorPage[domain.Notification]{}, err
	}
	docs, err := getAll[notificationDocument](query.Documents(ctx), "notifications.list")
	if err != nil {
		return domain.CursorPage[domain.Notification]{}, err
	}
	docs, token, err := trimPage(docs, size, func(d notificationDocument) time.Time { return d.CreatedAt })
	if err != nil {
		return domain.CursorPage[domain.Notification]{}, err
	}
	out := make([]domain.Notification, 0, len(docs))
	for _, doc := range docs {
		out = append(out, decodeNotification(doc.ID, doc.Data))
	}
	return domain.CursorPage[domain.Notification]{Items: out, NextPageToken: token}, nil
}

func (r notificationRepo) MarkRead(ctx context.Context, notificationID string, recipient repositories.NotificationRecipient) (domain.Notification, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Notification{}, err
	}
	var marked domain.Notification
	err = pfirestore.RunTransaction(ctx, client, func(ctx context.Context, tx *firestore.Transaction) error {
		ref := client.Collection(notificationsCollection).Doc(notificationID)
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc notificationDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("firestore notifications decode %s: %w", notificationID, err)
		}
		if !recipientOwns(recipient, doc) {
			return repositories.NewNotFound("notifications.mark_read", "notification")
		}
		doc.IsRead = true
		marked = decodeNotification(notificationID, doc)
		return tx.Update(ref, []firestore.Update{{Path: "isRead", Value: true}})
	})
	if err != nil {
		if repositories.IsNotFound(err) {
			var repoErr *repositories.Error
			if errors.As(err, &repoErr) {
				return domain.Notification{}, repoErr
			}
		}
		return domain.Notification{}, pfirestore.WrapError("notifications.mark_read", err)
	}
	return marked, nil
}

func recipientOwns(recipient repositories.NotificationRecipient, doc notificationDocument) bool {
	if recipient.UserID != "" && doc.UserID != recipient.UserID {
		return false
	}
	if len(recipient.Audiences) == 0 {
		return true
	}
	for _, aud := range recipient.Audiences {
		if string(aud) == doc.Audience {
			return true
		}
	}
	return false
}
