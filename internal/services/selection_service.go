package services

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	domain "github.com/partsdesk/api/internal/domain"
	"github.com/partsdesk/api/internal/repositories"
)

// SelectOfferCommand picks or clears the offer for one item. A nil OfferID clears the selection.
type SelectOfferCommand struct {
	OrderID string
	ItemID  string
	OfferID *string
}

// SelectionChanges is a partial update of the draft. Nil fields leave the stored value untouched.
type SelectionChanges struct {
	// SelectedOffers maps item ids to offer ids; a nil value clears the item.
	SelectedOffers  map[string]*string
	SelectedUpsells []domain.UpsellAddon
	CouponCode      *string
	ShippingMethod  *string
}

// UpdateSelectionCommand applies SelectionChanges to the stored draft.
type UpdateSelectionCommand struct {
	OrderID string
	Changes SelectionChanges
}

// SelectionView is the draft with its server-computed prices.
type SelectionView struct {
	Draft domain.SelectionDraft
	Quote domain.Quote
}

// SelectionServiceDeps wires the selection service.
type SelectionServiceDeps struct {
	Orders     repositories.OrderRepository
	Offers     repositories.OfferRepository
	Selections repositories.SelectionRepository
	Pricing    *PricingEngine
	Clock      func() time.Time
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

type selectionService struct {
	state   selectionStateLoader
	pricing *PricingEngine
	now     func() time.Time
	logger  func(ctx context.Context, event string, fields map[string]any)
}

var _ SelectionService = (*selectionService)(nil)

// NewSelectionService validates dependencies.
func NewSelectionService(deps SelectionServiceDeps) (SelectionService, error) {
	if deps.Orders == nil || deps.Offers == nil || deps.Selections == nil {
		return nil, errors.New("selection service: order, offer and selection repositories are required")
	}
	if deps.Pricing == nil {
		return nil, errors.New("selection service: pricing engine is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &selectionService{
		state:   selectionStateLoader{orders: deps.Orders, offers: deps.Offers, selections: deps.Selections},
		pricing: deps.Pricing,
		now:     func() time.Time { return clock().UTC() },
		logger:  logger,
	}, nil
}

func (s *selectionService) GetSelection(ctx context.Context, p Principal, orderID string) (SelectionView, error) {
	st, err := s.state.load(ctx, p, orderID)
	if err != nil {
		return SelectionView{}, err
	}
	quote, err := s.pricing.ComputeTotal(st.pricingInput())
	if err != nil {
		// A shipping method or coupon that became invalid is dropped from the preview rather than blocking reads.
		st.draft.ShippingMethod, st.draft.CouponCode = "", ""
		if quote, err = s.pricing.ComputeTotal(st.pricingInput()); err != nil {
			return SelectionView{}, err
		}
	}
	return SelectionView{Draft: st.draft, Quote: quote}, nil
}

// SelectOffer sets or clears one item's offer and persists the draft.
func (s *selectionService) SelectOffer(ctx context.Context, p Principal, cmd SelectOfferCommand) (SelectionView, error) {
	itemID := strings.TrimSpace(cmd.ItemID)
	if itemID == "" {
		return SelectionView{}, invalidField("itemId", "required", "item id is required")
	}
	return s.UpdateSelection(ctx, p, UpdateSelectionCommand{
		OrderID: cmd.OrderID,
		Changes: SelectionChanges{SelectedOffers: map[string]*string{itemID: cmd.OfferID}},
	})
}

// UpdateSelection applies a bulk change, prices it and persists the draft.
func (s *selectionService) UpdateSelection(ctx context.Context, p Principal, cmd UpdateSelectionCommand) (SelectionView, error) {
	st, err := s.state.load(ctx, p, cmd.OrderID)
	if err != nil {
		return SelectionView{}, err
	}
	if err := ensureSelectable(st.order); err != nil {
		return SelectionView{}, err
	}
	if err := st.apply(cmd.Changes); err != nil {
		return SelectionView{}, err
	}
	quote, err := s.pricing.ComputeTotal(st.pricingInput())
	if err != nil {
		return SelectionView{}, err
	}
	st.draft.UpdatedAt = s.now()
	if err := s.state.selections.Save(ctx, st.draft); err != nil {
		return SelectionView{}, translateRepoError(err, "selection")
	}
	s.logger(ctx, "selection.updated", map[string]any{
		"orderId":  st.order.ID,
		"included": st.draft.IncludedCount(),
		"total":    quote.Total,
	})
	return SelectionView{Draft: st.draft, Quote: quote}, nil
}

// Quote prices the draft with the changes applied without persisting anything.
func (s *selectionService) Quote(ctx context.Context, p Principal, cmd UpdateSelectionCommand) (domain.Quote, error) {
	st, err := s.state.load(ctx, p, cmd.OrderID)
	if err != nil {
		return domain.Quote{}, err
	}
	if err := st.apply(cmd.Changes); err != nil {
		return domain.Quote{}, err
	}
	return s.pricing.ComputeTotal(st.pricingInput())
}

func ensureSelectable(order domain.OrderRequest) error {
	switch order.Status {
	case domain.OrderStatusPending, domain.OrderStatusValuated:
		return nil
	}
	return ErrOrderInvalidState
}

// selectionStateLoader reads an order together with its offers and draft.
type selectionStateLoader struct {
	orders     repositories.OrderRepository
	offers     repositories.OfferRepository
	selections repositories.SelectionRepository
}

type selectionState struct {
	order  domain.OrderRequest
	offers map[string]domain.Offer
	draft  domain.SelectionDraft
}

func (l selectionStateLoader) load(ctx context.Context, p Principal, orderID string) (*selectionState, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, invalidField("orderId", "required", "order id is required")
	}
	order, err := l.orders.FindByID(ctx, orderID)
	if err != nil {
		return nil, translateRepoError(err, "order")
	}
	if err := AuthorizeOrder(p, order); err != nil {
		return nil, err
	}
	return l.forOrder(ctx, order)
}

// forOrder loads offers and draft for an order the caller already authorised.
func (l selectionStateLoader) forOrder(ctx context.Context, order domain.OrderRequest) (*selectionState, error) {
	orderID := order.ID
	offers, err := l.offers.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, translateRepoError(err, "offer")
	}
	draft, err := l.selections.Get(ctx, orderID)
	switch {
	case repositories.IsNotFound(err):
		draft = domain.SelectionDraft{OrderRequestID: orderID}
	case err != nil:
		return nil, translateRepoError(err, "selection")
	}
	if draft.Items == nil {
		draft.Items = map[string]domain.ItemSelection{}
	}
	st := &selectionState{order: order, offers: make(map[string]domain.Offer, len(offers)), draft: draft}
	for _, offer := range offers {
		st.offers[offer.ID] = offer
	}
	st.dropStale()
	return st, nil
}

// dropStale clears selections whose offer was deleted or no longer belongs to the item.
func (st *selectionState) dropStale() {
	for itemID, sel := range st.draft.Items {
		if sel.OfferID == "" {
			continue
		}
		offer, ok := st.offers[sel.OfferID]
		if ok && offer.OrderItemID == itemID {
			continue
		}
		st.draft.Items[itemID] = domain.ItemSelection{}
	}
}

func (st *selectionState) apply(changes SelectionChanges) error {
	var problems fieldErrors
	itemIDs := make([]string, 0, len(changes.SelectedOffers))
	for itemID := range changes.SelectedOffers {
		itemIDs = append(itemIDs, itemID)
	}
	sort.Strings(itemIDs)
	for _, itemID := range itemIDs {
		field := "selectedOffers." + itemID
		if _, ok := st.order.Item(itemID); !ok {
			problems.add(field, "unknown_item", "item does not belong to this order")
			continue
		}
		offerID := changes.SelectedOffers[itemID]
		if offerID == nil || strings.TrimSpace(*offerID) == "" {
			st.draft.Items[itemID] = domain.ItemSelection{}
			continue
		}
		offer, ok := st.offers[strings.TrimSpace(*offerID)]
		if !ok || offer.OrderItemID != itemID {
			problems.add(field, "offer_mismatch", "offer does not belong to this item")
			continue
		}
		st.draft.Items[itemID] = domain.ItemSelection{OfferID: offer.ID, Include: true}
	}
	if changes.SelectedUpsells != nil {
		st.draft.Addons = append([]domain.UpsellAddon(nil), changes.SelectedUpsells...)
	}
	if changes.CouponCode != nil {
		st.draft.CouponCode = strings.TrimSpace(*changes.CouponCode)
	}
	if changes.ShippingMethod != nil {
		st.draft.ShippingMethod = strings.TrimSpace(*changes.ShippingMethod)
	}
	return problems.err()
}

// pricingInput lists included selections in item order.
func (st *selectionState) pricingInput() PricingInput {
	input := PricingInput{
		Addons:         st.draft.Addons,
		ShippingMethod: st.draft.ShippingMethod,
		CouponCode:     st.draft.CouponCode,
	}
	for _, item := range st.order.Items {
		sel, ok := st.draft.Items[item.ID]
		if !ok || !sel.Include || sel.OfferID == "" {
			continue
		}
		input.Selections = append(input.Selections, PricedSelection{Item: item, Offer: st.offers[sel.OfferID]})
	}
	return input
}

// includedItemIDs are the items that become PURCHASED when the order is paid.
func (st *selectionState) includedItemIDs() []string {
	ids := make([]string, 0, len(st.draft.Items))
	for _, sel := range st.pricingInput().Selections {
		if EffectiveQuantity(sel.Item, sel.Offer) == 0 {
			continue
		}
		ids = append(ids, sel.Item.ID)
	}
	return ids
}
