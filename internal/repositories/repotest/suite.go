// Package repotest holds a behavioural suite every repositories.Store backend must pass.
package repotest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/partsdesk/api/internal/domain"
	"github.com/partsdesk/api/internal/repositories"
)

// Factory returns a fresh, empty store for a single subtest.
type Factory func(t *testing.T) repositories.Store

var baseTime = time.Date(2026, time.May, 4, 9, 0, 0, 0, time.UTC)

// Run executes the suite against stores produced by factory.
func Run(t *testing.T, factory Factory) {
	t.Run("OrderRoundTrip", func(t *testing.T) { testOrderRoundTrip(t, factory(t)) })
	t.Run("OrderListPagination", func(t *testing.T) { testOrderList(t, factory(t)) })
	t.Run("TransitionCompareAndSwap", func(t *testing.T) { testTransition(t, factory(t)) })
	t.Run("OfferCapUnderConcurrency", func(t *testing.T) { testOfferCap(t, factory(t)) })
	t.Run("OfferVersionCheck", func(t *testing.T) { testOfferVersion(t, factory(t)) })
	t.Run("OfferDeleteRevertsItem", func(t *testing.T) { testOfferDelete(t, factory(t)) })
	t.Run("OfferWritesFollowOrderStatus", func(t *testing.T) { testOfferOrderLock(t, factory(t)) })
	t.Run("SelectionDraft", func(t *testing.T) { testSelection(t, factory(t)) })
	t.Run("Payments", func(t *testing.T) { testPayments(t, factory(t)) })
	t.Run("Comments", func(t *testing.T) { testComments(t, factory(t)) })
	t.Run("NotificationDedupe", func(t *testing.T) { testNotifications(t, factory(t)) })
	t.Run("Counters", func(t *testing.T) { testCounters(t, factory(t)) })
}

// SeedOrder inserts an order with the requested number of items and returns it.
func SeedOrder(t *testing.T, store repositories.Store, id string, items int) domain.OrderRequest {
	t.Helper()
	order := domain.OrderRequest{
		ID:           id,
		ShortCode:    "PD-" + id,
		VIN:          "WVWZZZ1JZXW000001",
		GuestEmail:   "guest@example.com",
		ContactEmail: "guest@example.com",
		Status:       domain.OrderStatusPending,
		CreatedAt:    baseTime,
		UpdatedAt:    baseTime,
	}
	for i := 0; i < items; i++ {
		order.Items = append(order.Items, domain.OrderItem{
			ID:             fmt.Sprintf("%s_itm_%d", id, i),
			OrderRequestID: id,
			CategoryID:     "brakes",
			CategoryPath:   "Brakes/Pads",
			Quantity:       5,
			State:          domain.ItemStateRequested,
			CreatedAt:      baseTime.Add(time.Duration(i) * time.Second),
			UpdatedAt:      baseTime,
		})
	}
	require.NoError(t, store.Orders().Insert(context.Background(), order))
	return order
}

func testOrderRoundTrip(t *testing.T, store repositories.Store) {
	ctx := context.Background()
	order := SeedOrder(t, store, "ord_a", 2)

	got, err := store.Orders().FindByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.ShortCode, got.ShortCode)
	assert.Equal(t, domain.OrderStatusPending, got.Status)
	require.Len(t, got.Items, 2)
	assert.Equal(t, order.Items[0].ID, got.Items[0].ID)

	item, err := store.Orders().FindItem(ctx, order.Items[1].ID)
	require.NoError(t, err)
	assert.Equal(t, 5, item.Quantity)

	_, err = store.Orders().FindByID(ctx, "missing")
	assert.True(t, repositories.IsNotFound(err))

	dup := order
	dup.ID = "ord_other"
	assert.True(t, repositories.IsConflict(store.Orders().Insert(ctx, dup)), "short code must be unique")

	snapshot := domain.CheckoutSnapshot{
		ShippingAddress: domain.ShippingAddress{FullName: "Ada", City: "Berlin"},
		ShippingMethod:  "standard",
		PaymentMethod:   "card",
		Total:           1234,
		Currency:        "EUR",
		SubmittedAt:     baseTime.Add(time.Hour),
	}
	require.NoError(t, store.Orders().SaveCheckout(ctx, order.ID, snapshot))
	got, err = store.Orders().FindByID(ctx, order.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Checkout)
	assert.Equal(t, "Ada", got.Checkout.ShippingAddress.FullName)
	assert.Equal(t, int64(1234), got.Checkout.Total)
}

func testOrderList(t *testing.T, store repositories.Store) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		order := domain.OrderRequest{
			ID:        fmt.Sprintf("ord_%d", i),
			ShortCode: fmt.Sprintf("PD-%d", i),
			VIN:       "WVWZZZ1JZXW000001",
			UserID:    "user-1",
			Status:    domain.OrderStatusPending,
			CreatedAt: baseTime.Add(time.Duration(i) * time.Minute),
			UpdatedAt: baseTime,
		}
		if i == 4 {
			order.UserID = "user-2"
			order.Status = domain.OrderStatusRemoved
		}
		require.NoError(t, store.Orders().Insert(ctx, order))
	}

	first, err := store.Orders().List(ctx, repositories.OrderListFilter{UserID: "user-1", Pagination: domain.Pagination{PageSize: 3}})
	require.NoError(t, err)
	require.Len(t, first.Items, 3)
	assert.Equal(t, "ord_3", first.Items[0].ID)
	require.NotEmpty(t, first.NextPageToken)

	second, err := store.Orders().List(ctx, repositories.OrderListFilter{UserID: "user-1", Pagination: domain.Pagination{PageSize: 3, PageToken: first.NextPageToken}})
	require.NoError(t, err)
	require.Len(t, second.Items, 1)
	assert.Equal(t, "ord_0", second.Items[0].ID)
	assert.Empty(t, second.NextPageToken)

	removed, err := store.Orders().List(ctx, repositories.OrderListFilter{Status: []domain.OrderStatus{domain.OrderStatusRemoved}})
	require.NoError(t, err)
	require.Len(t, removed.Items, 1)
	assert.Equal(t, "ord_4", removed.Items[0].ID)
}

func testTransition(t *testing.T, store repositories.Store) {
	ctx := context.Background()
	order := SeedOrder(t, store, "ord_t", 2)

	updated, err := store.Orders().Transition(ctx, repositories.StatusTransition{
		OrderID: order.ID, From: domain.OrderStatusPending, ExpectedVersion: 0, To: domain.OrderStatusValuated, At: baseTime.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusValuated, updated.Status)
	assert.Equal(t, 1, updated.StatusVersion)

	_, err = store.Orders().Transition(ctx, repositories.StatusTransition{
		OrderID: order.ID, From: domain.OrderStatusPending, ExpectedVersion: 0, To: domain.OrderStatusValuated, At: baseTime,
	})
	assert.True(t, repositories.IsConflict(err), "stale transition must conflict")

	var (
		wg        sync.WaitGroup
		successes int
		mu        sync.Mutex
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Orders().Transition(ctx, repositories.StatusTransition{
				OrderID: order.ID, From: domain.OrderStatusValuated, ExpectedVersion: 1, To: domain.OrderStatusPaid,
				PurchasedItemIDs: []string{order.Items[0].ID}, At: baseTime.Add(2 * time.Minute),
			})
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, successes)

	got, err := store.Orders().FindByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPaid, got.Status)
	assert.Equal(t, 2, got.StatusVersion)
	assert.Equal(t, domain.ItemStatePurchased, got.Items[0].State)
	assert.Equal(t, domain.ItemStateRequested, got.Items[1].State)
}

func testOfferCap(t *testing.T, store repositories.Store) {
	ctx := context.Background()
	order := SeedOrder(t, store, "ord_cap", 1)
	itemID := order.Items[0].ID

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		rejected int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Offers().AddWithCap(ctx, domain.Offer{
				ID:                fmt.Sprintf("ofr_%d", i),
				OrderItemID:       itemID,
				OrderRequestID:    order.ID,
				Manufacturer:      "Bosch",
				UnitPrice:         1000,
				QuantityAvailable: 2,
				Version:           1,
				CreatedAt:         baseTime,
				UpdatedAt:         baseTime,
			}, domain.MaxOffersPerItem)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, repositories.ErrOfferLimitReached):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 3, ok)
	assert.Equal(t, 2, rejected)

	offers, err := store.Offers().ListByOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, offers, 3)

	item, err := store.Orders().FindItem(ctx, itemID)
	require.NoError(t, err)
	assert.Equal(t, 3, item.OfferCount)
	assert.Equal(t, domain.ItemStateValuated, item.State)

	_, err = store.Offers().AddWithCap(ctx, domain.Offer{ID: "ofr_x", OrderItemID: "missing", Version: 1, CreatedAt: baseTime}, domain.MaxOffersPerItem)
	assert.True(t, repositories.IsNotFound(err))
}

func testOfferVersion(t *testing.T, store repositories.Store) {
	ctx := context.Background()
	order := SeedOrder(t, store, "ord_ver", 1)
	offer, err := store.Offers().AddWithCap(ctx, domain.Offer{
		ID: "ofr_v", OrderItemID: order.Items[0].ID, OrderRequestID: order.ID,
		Manufacturer: "ATE", UnitPrice: 500, QuantityAvailable: 1, Version: 1, CreatedAt: baseTime, UpdatedAt: baseTime,
	}, domain.MaxOffersPerItem)
	require.NoError(t, err)

	edit := offer
	edit.UnitPrice = 700
	edit.UpdatedAt = baseTime.Add(time.Minute)
	updated, err := store.Offers().Update(ctx, edit, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, int64(700), updated.UnitPrice)

	edit.UnitPrice = 900
	_, err = store.Offers().Update(ctx, edit, 1)
	assert.True(t, repositories.IsConflict(err), "stale version must conflict")

	stored, err := store.Offers().FindByID(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(700), stored.UnitPrice)

	_, err = store.Offers().Update(ctx, domain.Offer{ID: "missing"}, 1)
	assert.True(t, repositories.IsNotFound(err))
}

func testOfferDelete(t *testing.T, store repositories.Store) {
	ctx := context.Background()
	order := SeedOrder(t, store, "ord_del", 1)
	_, err := store.Offers().AddWithCap(ctx, domain.Offer{
		ID: "ofr_d", OrderItemID: order.Items[0].ID, OrderRequestID: order.ID,
		Manufacturer: "TRW", UnitPrice: 100, Version: 1, CreatedAt: baseTime, UpdatedAt: baseTime,
	}, domain.MaxOffersPerItem)
	require.NoError(t, err)

	deleted, err := store.Offers().Delete(ctx, "ofr_d", baseTime.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "TRW", deleted.Manufacturer)

	_, err = store.Offers().FindByID(ctx, "ofr_d")
	assert.True(t, repositories.IsNotFound(err))
	_, err = store.Offers().Delete(ctx, "ofr_d", baseTime)
	assert.True(t, repositories.IsNotFound(err))

	item, err := store.Orders().FindItem(ctx, order.Items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 0, item.OfferCount)
	assert.Equal(t, domain.ItemStateRequested, item.State)
}

func testOfferOrderLock(t *testing.T, store repositories.Store) {
	ctx := context.Background()
	order := SeedOrder(t, store, "ord_lock", 2)
	offer, err := store.Offers().AddWithCap(ctx, domain.Offer{
		ID: "ofr_l", OrderItemID: order.Items[0].ID, OrderRequestID: order.ID,
		Manufacturer: "Febi", UnitPrice: 2500, QuantityAvailable: 4, Version: 1, CreatedAt: baseTime, UpdatedAt: baseTime,
	}, domain.MaxOffersPerItem)
	require.NoError(t, err)

	_, err = store.Orders().Transition(ctx, repositories.StatusTransition{
		OrderID: order.ID, From: domain.OrderStatusPending, ExpectedVersion: 0, To: domain.OrderStatusPaid, At: baseTime.Add(time.Minute),
	})
	require.NoError(t, err)

	_, err = store.Offers().AddWithCap(ctx, domain.Offer{
		ID: "ofr_late", OrderItemID: order.Items[1].ID, OrderRequestID: order.ID,
		Manufacturer: "Febi", UnitPrice: 2500, QuantityAvailable: 1, Version: 1, CreatedAt: baseTime, UpdatedAt: baseTime,
	}, domain.MaxOffersPerItem)
	assert.ErrorIs(t, err, repositories.ErrOrderLocked)

	edit := offer
	edit.UnitPrice = 1
	_, err = store.Offers().Update(ctx, edit, 1)
	assert.ErrorIs(t, err, repositories.ErrOrderLocked)

	_, err = store.Offers().Delete(ctx, offer.ID, baseTime.Add(2*time.Minute))
	assert.ErrorIs(t, err, repositories.ErrOrderLocked)

	stored, err := store.Offers().FindByID(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2500), stored.UnitPrice)
	assert.Equal(t, 1, stored.Version)

	item, err := store.Orders().FindItem(ctx, order.Items[1].ID)
	require.NoError(t, err)
	assert.Equal(t, 0, item.OfferCount)
}

func testSelection(t *testing.T, store repositories.Store) {
	ctx := context.Background()
	_, err := store.Selections().Get(ctx, "ord_s")
	assert.True(t, repositories.IsNotFound(err))

	draft := domain.SelectionDraft{
		OrderRequestID: "ord_s",
		Items:          map[string]domain.ItemSelection{"itm_1": {OfferID: "ofr_1", Include: true}},
		Addons:         []domain.UpsellAddon{{UpsellItemID: "wipers", Quantity: 2}},
		CouponCode:     "SPRING10",
		ShippingMethod: "express",
		UpdatedAt:      baseTime,
	}
	require.NoError(t, store.Selections().Save(ctx, draft))
	draft.Items["itm_2"] = domain.ItemSelection{Include: false}
	require.NoError(t, store.Selections().Save(ctx, draft))

	got, err := store.Selections().Get(ctx, "ord_s")
	require.NoError(t, err)
	assert.Len(t, got.Items, 2)
	assert.Equal(t, "ofr_1", got.Items["itm_1"].OfferID)
	assert.Equal(t, []domain.UpsellAddon{{UpsellItemID: "wipers", Quantity: 2}}, got.Addons)
	assert.Equal(t, "express", got.ShippingMethod)
}

func testPayments(t *testing.T, store repositories.Store) {
	ctx := context.Background()
	payment := domain.Payment{
		ID: "pay_1", OrderRequestID: "ord_p", Provider: "stripe", Method: "card", IntentID: "cs_123",
		Status: domain.PaymentStatusPending, Amount: 9000, Currency: "EUR", CreatedAt: baseTime, UpdatedAt: baseTime,
	}
	require.NoError(t, store.Payments().Insert(ctx, payment))
	assert.True(t, repositories.IsConflict(store.Payments().Insert(ctx, payment)))

	byIntent, err := store.Payments().FindByIntentID(ctx, "stripe", "cs_123")
	require.NoError(t, err)
	assert.Equal(t, "pay_1", byIntent.ID)

	payment.Status = domain.PaymentStatusSucceeded
	require.NoError(t, store.Payments().Update(ctx, payment))
	got, err := store.Payments().FindByID(ctx, "pay_1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusSucceeded, got.Status)

	list, err := store.Payments().ListByOrder(ctx, "ord_p")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	assert.True(t, repositories.IsNotFound(store.Payments().Update(ctx, domain.Payment{ID: "missing"})))
}

func testComments(t *testing.T, store repositories.Store) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, store.Comments().Append(ctx, domain.Comment{
			ID: fmt.Sprintf("cmt_%d", i), OrderRequestID: "ord_c", AuthorID: "u", AuthorRole: domain.RoleUser,
			Body: fmt.Sprintf("message %d", i), CreatedAt: baseTime.Add(time.Duration(i) * time.Second),
		}))
	}
	comments, err := store.Comments().ListByOrder(ctx, "ord_c")
	require.NoError(t, err)
	require.Len(t, comments, 3)
	assert.Equal(t, "message 0", comments[0].Body)
	assert.Equal(t, "message 2", comments[2].Body)
}

func testNotifications(t *testing.T, store repositories.Store) {
	ctx := context.Background()
	n := domain.Notification{
		ID: "ntf_1", Type: domain.NotificationStatusChanged, Audience: domain.AudienceUser, OrderRequestID: "ord_n",
		UserID: "user-1", Title: "Status changed", DedupeKey: "ord_n|STATUS_CHANGED|VALUATED#1|USER", CreatedAt: baseTime,
	}
	require.NoError(t, store.Notifications().InsertUnique(ctx, n))

	dup := n
	dup.ID = "ntf_2"
	assert.True(t, repositories.IsConflict(store.Notifications().InsertUnique(ctx, dup)))

	admin := domain.Notification{
		ID: "ntf_3", Type: domain.NotificationCommentAdded, Audience: domain.AudienceAdmin, OrderRequestID: "ord_n",
		DedupeKey: "ord_n|COMMENT_ADDED|cmt_1|ADMIN", CreatedAt: baseTime.Add(time.Second),
	}
	require.NoError(t, store.Notifications().InsertUnique(ctx, admin))

	userRecipient := repositories.NotificationRecipient{UserID: "user-1", Audiences: []domain.Audience{domain.AudienceUser}}
	list, err := store.Notifications().List(ctx, repositories.NotificationFilter{Recipient: userRecipient})
	require.NoError(t, err)
	require.Len(t, list.Items, 1)
	assert.Equal(t, "ntf_1", list.Items[0].ID)

	_, err = store.Notifications().MarkRead(ctx, "ntf_3", userRecipient)
	assert.True(t, repositories.IsNotFound(err), "users cannot mark admin rows")

	read, err := store.Notifications().MarkRead(ctx, "ntf_1", userRecipient)
	require.NoError(t, err)
	assert.True(t, read.IsRead)

	unread, err := store.Notifications().List(ctx, repositories.NotificationFilter{Recipient: userRecipient, UnreadOnly: true})
	require.NoError(t, err)
	assert.Empty(t, unread.Items)
}

func testCounters(t *testing.T, store repositories.Store) {
	ctx := context.Background()
	first, err := store.Counters().Next(ctx, "orders", 1)
	require.NoError(t, err)
	second, err := store.Counters().Next(ctx, "orders", 1)
	require.NoError(t, err)
	assert.Equal(t, first+1, second)

	_, err = store.Counters().Next(ctx, " ", 1)
	assert.Error(t, err)
}
