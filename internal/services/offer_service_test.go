package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	domain "github.com/partsdesk/api/internal/domain"
	"github.com/partsdesk/api/internal/repositories"
)

func int64Ptr(v int64) *int64 { return &v }
func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }

func TestAddOfferMarksItemValuated(t *testing.T) {
	env := newTestEnv(t)
	order := env.createOrder(userPrincipal, 2)
	itemID := order.Items[0].ID

	offer := env.addOffer(itemID, 4599, 2)
	if offer.Version != 1 || offer.OrderRequestID != order.ID || offer.CreatedBy != staffPrincipal.UserID {
		t.Fatalf("unexpected offer %+v", offer)
	}
	item, err := env.store.Orders().FindItem(context.Background(), itemID)
	if err != nil {
		t.Fatalf("FindItem: %v", err)
	}
	if item.State != domain.ItemStateValuated || item.OfferCount != 1 {
		t.Fatalf("unexpected item %+v", item)
	}
	if env.countNotifications(domain.NotificationOfferAdded) != 1 || env.metrics.offersAdded.Load() != 1 {
		t.Fatalf("expected one OFFER_ADDED notification and metric")
	}
}

func TestAddOfferValidation(t *testing.T) {
	env := newTestEnv(t)
	order := env.createOrder(userPrincipal, 1)

	_, err := env.offers.AddOffer(context.Background(), AddOfferCommand{
		OrderItemID:       order.Items[0].ID,
		UnitPrice:         int64Ptr(-1),
		QuantityAvailable: nil,
		Actor:             staffPrincipal,
	})
	expectErr(t, err, ErrValidation)
	codes := fieldCodes(err)
	if codes["manufacturer"] != "required" || codes["unitPrice"] != "negative" || codes["quantityAvailable"] != "required" {
		t.Fatalf("unexpected codes %v", codes)
	}

	_, err = env.offers.AddOffer(context.Background(), AddOfferCommand{
		OrderItemID:       order.Items[0].ID,
		Manufacturer:      "Bosch",
		UnitPrice:         int64Ptr(4_000_000_000_000_000_000),
		QuantityAvailable: intPtr(domain.MaxQuantityAvailable + 1),
		Actor:             staffPrincipal,
	})
	expectErr(t, err, ErrValidation)
	codes = fieldCodes(err)
	if codes["unitPrice"] != "too_large" || codes["quantityAvailable"] != "too_large" {
		t.Fatalf("unexpected codes %v", codes)
	}

	_, err = env.offers.AddOffer(context.Background(), AddOfferCommand{
		OrderItemID:       "itm_missing",
		Manufacturer:      "Bosch",
		UnitPrice:         int64Ptr(100),
		QuantityAvailable: intPtr(1),
		Actor:             staffPrincipal,
	})
	expectErr(t, err, ErrNotFound)

	_, err = env.offers.AddOffer(context.Background(), AddOfferCommand{
		OrderItemID:       order.Items[0].ID,
		Manufacturer:      "Bosch",
		UnitPrice:         int64Ptr(100),
		QuantityAvailable: intPtr(1),
		Actor:             userPrincipal,
	})
	expectErr(t, err, ErrForbidden)
}

func TestAddOfferCapUnderConcurrency(t *testing.T) {
	env := newTestEnv(t)
	order := env.createOrder(userPrincipal, 1)
	itemID := order.Items[0].ID

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		created  int
		rejected int
	)
	for i := range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.offers.AddOffer(context.Background(), AddOfferCommand{
				OrderItemID:       itemID,
				Manufacturer:      "Brand",
				UnitPrice:         int64Ptr(int64(1000 + i)),
				QuantityAvailable: intPtr(1),
				Actor:             staffPrincipal,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, ErrOfferLimitExceeded):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if created != domain.MaxOffersPerItem || rejected != 2 {
		t.Fatalf("expected %d created and 2 rejected, got %d and %d", domain.MaxOffersPerItem, created, rejected)
	}
	offers, err := env.store.Offers().ListByOrder(context.Background(), order.ID)
	if err != nil || len(offers) != domain.MaxOffersPerItem {
		t.Fatalf("expected %d stored offers, got %v %d", domain.MaxOffersPerItem, err, len(offers))
	}
	if env.metrics.limitRejected.Load() != 2 {
		t.Fatalf("expected 2 limit rejections, got %d", env.metrics.limitRejected.Load())
	}
}

func TestEditOfferOptimisticConcurrency(t *testing.T) {
	env := newTestEnv(t)
	order := env.createOrder(userPrincipal, 1)
	offer := env.addOffer(order.Items[0].ID, 1000, 1)

	updated, err := env.offers.EditOffer(context.Background(), EditOfferCommand{
		OfferID:         offer.ID,
		ExpectedVersion: 1,
		UnitPrice:       int64Ptr(900),
		Notes:           strPtr("OEM part"),
		Actor:           adminPrincipal,
	})
	if err != nil {
		t.Fatalf("EditOffer: %v", err)
	}
	if updated.Version != 2 || updated.UnitPrice != 900 || updated.Manufacturer != "Bosch" || updated.UpdatedBy != adminPrincipal.UserID {
		t.Fatalf("unexpected offer %+v", updated)
	}

	_, err = env.offers.EditOffer(context.Background(), EditOfferCommand{
		OfferID:         offer.ID,
		ExpectedVersion: 1,
		UnitPrice:       int64Ptr(800),
		Actor:           staffPrincipal,
	})
	expectErr(t, err, ErrOfferVersionConflict)

	_, err = env.offers.EditOffer(context.Background(), EditOfferCommand{OfferID: offer.ID, Actor: staffPrincipal})
	expectErr(t, err, ErrValidation)

	if n := env.countNotifications(domain.NotificationOfferUpdated); n != 1 {
		t.Fatalf("expected one OFFER_UPDATED notification, got %d", n)
	}
}

func TestDeleteLastOfferResetsItem(t *testing.T) {
	env := newTestEnv(t)
	order := env.createOrder(userPrincipal, 1)
	itemID := order.Items[0].ID
	first := env.addOffer(itemID, 1000, 1)
	second := env.addOffer(itemID, 1100, 1)

	for i, offer := range []domain.Offer{first, second} {
		if _, err := env.offers.DeleteOffer(context.Background(), DeleteOfferCommand{OfferID: offer.ID, Actor: staffPrincipal}); err != nil {
			t.Fatalf("DeleteOffer %d: %v", i, err)
		}
	}
	item, err := env.store.Orders().FindItem(context.Background(), itemID)
	if err != nil {
		t.Fatalf("FindItem: %v", err)
	}
	if item.State != domain.ItemStateRequested || item.OfferCount != 0 {
		t.Fatalf("expected item back in REQUESTED, got %+v", item)
	}
	_, err = env.offers.DeleteOffer(context.Background(), DeleteOfferCommand{OfferID: first.ID, Actor: staffPrincipal})
	expectErr(t, err, ErrNotFound)
}

func TestOffersFrozenAfterPayment(t *testing.T) {
	env := newTestEnv(t)
	order := env.createOrder(userPrincipal, 1)
	offer := env.addOffer(order.Items[0].ID, 1000, 1)
	env.markQuoted(order.ID)
	if _, err := env.orders.MarkPaid(context.Background(), MarkPaidCommand{OrderID: order.ID}); err != nil {
		t.Fatalf("MarkPaid: %v", err)
	}

	_, err := env.offers.AddOffer(context.Background(), AddOfferCommand{
		OrderItemID:       order.Items[0].ID,
		Manufacturer:      "Late",
		UnitPrice:         int64Ptr(100),
		QuantityAvailable: intPtr(1),
		Actor:             staffPrincipal,
	})
	expectErr(t, err, ErrOrderInvalidState)
	_, err = env.offers.EditOffer(context.Background(), EditOfferCommand{OfferID: offer.ID, ExpectedVersion: 1, UnitPrice: int64Ptr(1), Actor: staffPrincipal})
	expectErr(t, err, ErrOrderInvalidState)
	_, err = env.offers.DeleteOffer(context.Background(), DeleteOfferCommand{OfferID: offer.ID, Actor: staffPrincipal})
	expectErr(t, err, ErrOrderInvalidState)
}

// staleOrders reports every order as still valuated, as a read taken before a concurrent payment would.
type staleOrders struct {
	repositories.OrderRepository
}

func (s staleOrders) FindByID(ctx context.Context, orderID string) (domain.OrderRequest, error) {
	order, err := s.OrderRepository.FindByID(ctx, orderID)
	order.Status = domain.OrderStatusValuated
	return order, err
}

func TestOfferWritesRecheckStatusInsideStore(t *testing.T) {
	env := newTestEnv(t)
	order := env.createOrder(userPrincipal, 1)
	offer := env.addOffer(order.Items[0].ID, 1000, 1)
	env.markQuoted(order.ID)
	if _, err := env.orders.MarkPaid(context.Background(), MarkPaidCommand{OrderID: order.ID}); err != nil {
		t.Fatalf("MarkPaid: %v", err)
	}

	svc, err := NewOfferService(OfferServiceDeps{
		Orders:        staleOrders{env.store.Orders()},
		Offers:        env.store.Offers(),
		Notifications: env.dispatcher,
		Clock:         func() time.Time { return testNow },
		IDGenerator:   func() string { return "stale" },
	})
	if err != nil {
		t.Fatalf("NewOfferService: %v", err)
	}

	_, err = svc.AddOffer(context.Background(), AddOfferCommand{
		OrderItemID:       order.Items[0].ID,
		Manufacturer:      "Late",
		UnitPrice:         int64Ptr(100),
		QuantityAvailable: intPtr(1),
		Actor:             staffPrincipal,
	})
	expectErr(t, err, ErrOrderInvalidState)
	_, err = svc.EditOffer(context.Background(), EditOfferCommand{OfferID: offer.ID, ExpectedVersion: 1, UnitPrice: int64Ptr(1), Actor: staffPrincipal})
	expectErr(t, err, ErrOrderInvalidState)
	_, err = svc.DeleteOffer(context.Background(), DeleteOfferCommand{OfferID: offer.ID, Actor: staffPrincipal})
	expectErr(t, err, ErrOrderInvalidState)

	stored, err := env.store.Offers().FindByID(context.Background(), offer.ID)
	if err != nil || stored.UnitPrice != 1000 {
		t.Fatalf("offer must be untouched, got %+v %v", stored, err)
	}
}
