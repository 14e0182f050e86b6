package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/partsdesk/api/internal/domain"
	"github.com/partsdesk/api/internal/repositories"
)

const (
	offerIDPrefix = "ofr_"

	maxManufacturerLength = 120
	maxOfferNotesLength   = 500
)

// AddOfferCommand creates an offer for an order item. Nil numbers are reported as missing.
type AddOfferCommand struct {
	OrderItemID       string
	Manufacturer      string
	UnitPrice         *int64
	QuantityAvailable *int
	Notes             string
	Actor             Principal
}

// EditOfferCommand changes an offer. ExpectedVersion is mandatory; nil fields keep their value.
type EditOfferCommand struct {
	OfferID           string
	ExpectedVersion   int
	Manufacturer      *string
	UnitPrice         *int64
	QuantityAvailable *int
	Notes             *string
	Actor             Principal
}

// DeleteOfferCommand removes an offer permanently.
type DeleteOfferCommand struct {
	OfferID string
	Actor   Principal
}

type offerMetrics interface {
	OfferAdded(ctx context.Context)
	OfferLimitRejected(ctx context.Context)
}

// OfferServiceDeps wires the offer service.
type OfferServiceDeps struct {
	Orders        repositories.OrderRepository
	Offers        repositories.OfferRepository
	Notifications NotificationDispatcher
	Metrics       offerMetrics
	Clock         func() time.Time
	IDGenerator   func() string
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type offerService struct {
	orders   repositories.OrderRepository
	offers   repositories.OfferRepository
	notifier NotificationDispatcher
	metrics  offerMetrics
	now      func() time.Time
	newID    func() string
	logger   func(ctx context.Context, event string, fields map[string]any)
}

var _ OfferService = (*offerService)(nil)

// NewOfferService validates dependencies.
func NewOfferService(deps OfferServiceDeps) (OfferService, error) {
	if deps.Orders == nil || deps.Offers == nil {
		return nil, errors.New("offer service: order and offer repositories are required")
	}
	if deps.Notifications == nil {
		return nil, errors.New("offer service: notification dispatcher is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &offerService{
		orders:   deps.Orders,
		offers:   deps.Offers,
		notifier: deps.Notifications,
		metrics:  deps.Metrics,
		now:      func() time.Time { return clock().UTC() },
		newID:    idGen,
		logger:   logger,
	}, nil
}

func (s *offerService) AddOffer(ctx context.Context, cmd AddOfferCommand) (domain.Offer, error) {
	if !cmd.Actor.IsBackOffice() {
		return domain.Offer{}, ErrForbidden
	}
	var problems fieldErrors
	itemID := strings.TrimSpace(cmd.OrderItemID)
	if itemID == "" {
		problems.add("orderItemId", "required", "order item id is required")
	}
	manufacturer := checkText(&problems, "manufacturer", cmd.Manufacturer, true, maxManufacturerLength)
	notes := checkText(&problems, "notes", cmd.Notes, false, maxOfferNotesLength)
	checkPrice(&problems, cmd.UnitPrice)
	checkQuantity(&problems, cmd.QuantityAvailable)
	if err := problems.err(); err != nil {
		return domain.Offer{}, err
	}

	item, err := s.orders.FindItem(ctx, itemID)
	if err != nil {
		return domain.Offer{}, translateRepoError(err, "order_item")
	}
	order, err := s.orders.FindByID(ctx, item.OrderRequestID)
	if err != nil {
		return domain.Offer{}, translateRepoError(err, "order")
	}
	if err := ensureOffersEditable(order); err != nil {
		return domain.Offer{}, err
	}

	now := s.now()
	offer := domain.Offer{
		ID:                offerIDPrefix + s.newID(),
		OrderItemID:       item.ID,
		OrderRequestID:    order.ID,
		Manufacturer:      manufacturer,
		UnitPrice:         *cmd.UnitPrice,
		QuantityAvailable: *cmd.QuantityAvailable,
		Notes:             notes,
		Version:           1,
		CreatedBy:         cmd.Actor.ActorID(),
		UpdatedBy:         cmd.Actor.ActorID(),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	stored, err := s.offers.AddWithCap(ctx, offer, domain.MaxOffersPerItem)
	if err != nil {
		if errors.Is(err, repositories.ErrOfferLimitReached) {
			if s.metrics != nil {
				s.metrics.OfferLimitRejected(ctx)
			}
			return domain.Offer{}, fmt.Errorf("%w: item %s already has %d offers", ErrOfferLimitExceeded, item.ID, domain.MaxOffersPerItem)
		}
		return domain.Offer{}, translateRepoError(err, "order_item")
	}
	if s.metrics != nil {
		s.metrics.OfferAdded(ctx)
	}
	s.logger(ctx, "offer.added", map[string]any{"orderId": order.ID, "itemId": item.ID, "offerId": stored.ID})
	s.notifyOffer(ctx, domain.NotificationOfferAdded, order, stored, cmd.Actor)
	return stored, nil
}

func (s *offerService) EditOffer(ctx context.Context, cmd EditOfferCommand) (domain.Offer, error) {
	if !cmd.Actor.IsBackOffice() {
		return domain.Offer{}, ErrForbidden
	}
	offerID := strings.TrimSpace(cmd.OfferID)
	if offerID == "" {
		return domain.Offer{}, invalidField("offerId", "required", "offer id is required")
	}
	if cmd.ExpectedVersion < 1 {
		return domain.Offer{}, invalidField("version", "required", "the offer version being edited is required")
	}
	current, err := s.offers.FindByID(ctx, offerID)
	if err != nil {
		return domain.Offer{}, translateRepoError(err, "offer")
	}
	if current.Version != cmd.ExpectedVersion {
		return domain.Offer{}, fmt.Errorf("%w: offer is at version %d", ErrOfferVersionConflict, current.Version)
	}
	order, err := s.orders.FindByID(ctx, current.OrderRequestID)
	if err != nil {
		return domain.Offer{}, translateRepoError(err, "order")
	}
	if err := ensureOffersEditable(order); err != nil {
		return domain.Offer{}, err
	}

	var problems fieldErrors
	next := current
	if cmd.Manufacturer != nil {
		next.Manufacturer = checkText(&problems, "manufacturer", *cmd.Manufacturer, true, maxManufacturerLength)
	}
	if cmd.Notes != nil {
		next.Notes = checkText(&problems, "notes", *cmd.Notes, false, maxOfferNotesLength)
	}
	if cmd.UnitPrice != nil {
		checkPrice(&problems, cmd.UnitPrice)
		next.UnitPrice = *cmd.UnitPrice
	}
	if cmd.QuantityAvailable != nil {
		checkQuantity(&problems, cmd.QuantityAvailable)
		next.QuantityAvailable = *cmd.QuantityAvailable
	}
	if err := problems.err(); err != nil {
		return domain.Offer{}, err
	}
	next.UpdatedBy = cmd.Actor.ActorID()
	next.UpdatedAt = s.now()

	updated, err := s.offers.Update(ctx, next, cmd.ExpectedVersion)
	if err != nil {
		if repositories.IsConflict(err) {
			return domain.Offer{}, fmt.Errorf("%w: %v", ErrOfferVersionConflict, err)
		}
		return domain.Offer{}, translateRepoError(err, "offer")
	}
	s.logger(ctx, "offer.updated", map[string]any{"orderId": order.ID, "offerId": updated.ID, "version": updated.Version})
	s.notifyOffer(ctx, domain.NotificationOfferUpdated, order, updated, cmd.Actor)
	return updated, nil
}

func (s *offerService) DeleteOffer(ctx context.Context, cmd DeleteOfferCommand) (domain.Offer, error) {
	if !cmd.Actor.IsBackOffice() {
		return domain.Offer{}, ErrForbidden
	}
	offerID := strings.TrimSpace(cmd.OfferID)
	if offerID == "" {
		return domain.Offer{}, invalidField("offerId", "required", "offer id is required")
	}
	current, err := s.offers.FindByID(ctx, offerID)
	if err != nil {
		return domain.Offer{}, translateRepoError(err, "offer")
	}
	order, err := s.orders.FindByID(ctx, current.OrderRequestID)
	if err != nil {
		return domain.Offer{}, translateRepoError(err, "order")
	}
	if err := ensureOffersEditable(order); err != nil {
		return domain.Offer{}, err
	}
	deleted, err := s.offers.Delete(ctx, offerID, s.now())
	if err != nil {
		return domain.Offer{}, translateRepoError(err, "offer")
	}
	s.logger(ctx, "offer.deleted", map[string]any{"orderId": order.ID, "offerId": deleted.ID, "actor": cmd.Actor.ActorID()})
	return deleted, nil
}

func (s *offerService) notifyOffer(ctx context.Context, kind domain.NotificationType, order domain.OrderRequest, offer domain.Offer, actor Principal) {
	s.notifier.Dispatch(ctx, NotificationEvent{
		Type:   kind,
		Order:  order,
		Actor:  actor,
		Target: offer.ID + "@" + strconv.Itoa(offer.Version),
		Data: map[string]any{
			"Manufacturer":      offer.Manufacturer,
			"UnitPrice":         offer.UnitPrice,
			"QuantityAvailable": offer.QuantityAvailable,
		},
	})
}

// ensureOffersEditable allows offer changes only while the order awaits payment.
func ensureOffersEditable(order domain.OrderRequest) error {
	if order.Status.AcceptsOffers() {
		return nil
	}
	return fmt.Errorf("%w: order is %s", ErrOrderInvalidState, order.Status)
}

func checkPrice(problems *fieldErrors, price *int64) {
	switch {
	case price == nil:
		problems.add("unitPrice", "required", "unit price is required")
	case *price < 0:
		problems.add("unitPrice", "negative", "unit price must not be negative")
	case *price > domain.MaxAmount:
		problems.add("unitPrice", "too_large", "unit price exceeds the supported maximum")
	}
}

func checkQuantity(problems *fieldErrors, qty *int) {
	switch {
	case qty == nil:
		problems.add("quantityAvailable", "required", "available quantity is required")
	case *qty < 0:
		problems.add("quantityAvailable", "negative", "available quantity must not be negative")
	case *qty > domain.MaxQuantityAvailable:
		problems.add("quantityAvailable", "too_large", fmt.Sprintf("available quantity must not exceed %d", domain.MaxQuantityAvailable))
	}
}
