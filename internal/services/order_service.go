package services

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/partsdesk/api/internal/domain"
	"github.com/partsdesk/api/internal/platform/config"
	mailer "github.com/partsdesk/api/internal/platform/mail"
	"github.com/partsdesk/api/internal/repositories"
)

const (
	orderIDPrefix   = "ord_"
	itemIDPrefix    = "itm_"
	commentIDPrefix = "cmt_"

	shortCodePrefix    = "PD-"
	shortCodeCounterID = "orders:short_code"

	maxItemsPerOrder  = 50
	maxItemNoteLength = 200
	maxCommentLength  = 2000
)

// orderStateTransitions lists the only legal status moves.
var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPending:  {domain.OrderStatusValuated, domain.OrderStatusRemoved},
	domain.OrderStatusValuated: {domain.OrderStatusPaid, domain.OrderStatusRemoved},
	domain.OrderStatusPaid:     {domain.OrderStatusRemoved},
	domain.OrderStatusRemoved:  {domain.OrderStatusPending},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to domain.OrderStatus) bool {
	for _, next := range orderStateTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NewOrderItem is one requested part at intake.
type NewOrderItem struct {
	CategoryID   string
	CategoryPath string
	Quantity     int
	Note         string
	PhotoURL     string
}

// CreateOrderCommand is an intake submission. Actor is zero for anonymous callers.
type CreateOrderCommand struct {
	Actor Principal
	VIN   string
	Email string
	Items []NewOrderItem
}

// CreatedOrder is the stored order plus the guest access link, if one was issued.
type CreatedOrder struct {
	Order     domain.OrderRequest
	MagicLink *MagicLink
}

// OrderDetail is an order with everything attached to it.
type OrderDetail struct {
	Order    domain.OrderRequest
	Offers   []domain.Offer
	Payments []domain.Payment
	Comments []domain.Comment
}

// OrderListQuery filters order listings.
type OrderListQuery struct {
	Status     []domain.OrderStatus
	Pagination domain.Pagination
}

// ChangeStatusCommand is an admin status change.
type ChangeStatusCommand struct {
	OrderID string
	To      domain.OrderStatus
	Actor   Principal
}

// MarkPaidCommand moves a VALUATED order to PAID. PaymentID is set when a provider confirmed the payment.
type MarkPaidCommand struct {
	OrderID   string
	PaymentID string
	Actor     Principal
}

// MarkPaidResult reports whether this call performed the transition.
type MarkPaidResult struct {
	Order       domain.OrderRequest
	AlreadyPaid bool
}

// AddCommentCommand appends a comment to an order.
type AddCommentCommand struct {
	OrderID string
	Body    string
	Actor   Principal
}

type orderLinks interface {
	IssueMagicLink(orderID string) (MagicLink, error)
	OrderURL(orderID string) string
}

type photoURLs interface {
	Validate(raw string) error
	Resolve(ctx context.Context, raw string) (string, error)
}

type transitionMetrics interface {
	OrderTransition(ctx context.Context, from, to string)
}

// OrderServiceDeps wires the order service.
type OrderServiceDeps struct {
	Orders        repositories.OrderRepository
	Offers        repositories.OfferRepository
	Selections    repositories.SelectionRepository
	Payments      repositories.PaymentRepository
	Comments      repositories.CommentRepository
	Counters      repositories.CounterRepository
	Links         orderLinks
	Photos        photoURLs
	Mail          mailer.Sender
	Notifications NotificationDispatcher
	Metrics       transitionMetrics
	Shop          config.ShopConfig
	Clock         func() time.Time
	IDGenerator   func() string
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders   repositories.OrderRepository
	offers   repositories.OfferRepository
	payments repositories.PaymentRepository
	comments repositories.CommentRepository
	counters repositories.CounterRepository
	state    selectionStateLoader
	links    orderLinks
	photos   photoURLs
	mail     mailer.Sender
	notifier NotificationDispatcher
	metrics  transitionMetrics
	shop     config.ShopConfig
	now      func() time.Time
	newID    func() string
	logger   func(ctx context.Context, event string, fields map[string]any)
}

var _ OrderService = (*orderService)(nil)

// NewOrderService validates dependencies.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	switch {
	case deps.Orders == nil || deps.Offers == nil || deps.Selections == nil:
		return nil, errors.New("order service: order, offer and selection repositories are required")
	case deps.Payments == nil || deps.Comments == nil || deps.Counters == nil:
		return nil, errors.New("order service: payment, comment and counter repositories are required")
	case deps.Links == nil:
		return nil, errors.New("order service: link issuer is required")
	case deps.Notifications == nil:
		return nil, errors.New("order service: notification dispatcher is required")
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
	return &orderService{
		orders:   deps.Orders,
		offers:   deps.Offers,
		payments: deps.Payments,
		comments: deps.Comments,
		counters: deps.Counters,
		state:    selectionStateLoader{orders: deps.Orders, offers: deps.Offers, selections: deps.Selections},
		links:    deps.Links,
		photos:   deps.Photos,
		mail:     deps.Mail,
		notifier: deps.Notifications,
		metrics:  deps.Metrics,
		shop:     deps.Shop,
		now:      func() time.Time { return clock().UTC() },
		newID:    idGen,
		logger:   logger,
	}, nil
}

func (s *orderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (CreatedOrder, error) {
	var problems fieldErrors
	vin, err := domain.NormalizeVIN(cmd.VIN)
	switch {
	case errors.Is(err, domain.ErrVINLength):
		problems.add("vin", "vin_length", "VIN must be 17 characters")
	case err != nil:
		problems.add("vin", "vin_charset", "VIN may only contain A-Z and 0-9 without I, O and Q")
	}

	authenticated := cmd.Actor.Kind == PrincipalAuthenticated && cmd.Actor.UserID != ""
	email := strings.TrimSpace(cmd.Email)
	if email != "" {
		if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
			problems.add("email", "invalid_email", "email address is not valid")
		}
	} else if !authenticated {
		problems.add("email", "required", "guests must provide an email address")
	}

	switch {
	case len(cmd.Items) == 0:
		problems.add("items", "required", "at least one item is required")
	case len(cmd.Items) > maxItemsPerOrder:
		problems.add("items", "too_many", fmt.Sprintf("at most %d items per request", maxItemsPerOrder))
	}

	now := s.now()
	orderID := orderIDPrefix + s.newID()
	items := make([]domain.OrderItem, 0, len(cmd.Items))
	for i, in := range cmd.Items {
		prefix := "items[" + strconv.Itoa(i) + "]."
		item := domain.OrderItem{
			ID:             itemIDPrefix + s.newID(),
			OrderRequestID: orderID,
			CategoryID:     strings.TrimSpace(in.CategoryID),
			CategoryPath:   plainText(in.CategoryPath),
			Quantity:       in.Quantity,
			Note:           checkText(&problems, prefix+"note", in.Note, false, maxItemNoteLength),
			PhotoURL:       strings.TrimSpace(in.PhotoURL),
			State:          domain.ItemStateRequested,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if item.CategoryID == "" {
			problems.add(prefix+"categoryId", "required", "category is required")
		}
		switch {
		case item.Quantity < 1:
			problems.add(prefix+"quantity", "invalid_quantity", "quantity must be at least 1")
		case item.Quantity > domain.MaxItemQuantity:
			problems.add(prefix+"quantity", "invalid_quantity", fmt.Sprintf("quantity must not exceed %d", domain.MaxItemQuantity))
		}
		if item.PhotoURL != "" && s.photos != nil {
			if err := s.photos.Validate(item.PhotoURL); err != nil {
				problems.add(prefix+"photoUrl", "invalid_photo_url", err.Error())
			}
		}
		items = append(items, item)
	}
	if err := problems.err(); err != nil {
		return CreatedOrder{}, err
	}

	seq, err := s.counters.Next(ctx, shortCodeCounterID, 1)
	if err != nil {
		return CreatedOrder{}, translateRepoError(err, "counter")
	}
	order := domain.OrderRequest{
		ID:         orderID,
		ShortCode:  FormatShortCode(seq),
		VIN:        vin,
		GuestEmail: email,
		Status:     domain.OrderStatusPending,
		Items:      items,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if authenticated {
		order.UserID = cmd.Actor.UserID
		order.ContactEmail = firstNonEmpty(cmd.Actor.Email, email)
	} else {
		order.ContactEmail = email
	}
	if err := s.orders.Insert(ctx, order); err != nil {
		return CreatedOrder{}, translateRepoError(err, "order")
	}
	s.logger(ctx, "order.created", map[string]any{
		"orderId":   order.ID,
		"shortCode": order.ShortCode,
		"items":     len(order.Items),
		"guest":     order.IsGuest(),
	})

	created := CreatedOrder{Order: order}
	data := map[string]any{
		"ShortCode": order.ShortCode,
		"VIN":       order.VIN,
		"OrderURL":  s.links.OrderURL(order.ID),
	}
	if order.IsGuest() {
		link, err := s.links.IssueMagicLink(order.ID)
		if err != nil {
			return CreatedOrder{}, fmt.Errorf("order: issue magic link: %w", err)
		}
		created.MagicLink = &link
		data["MagicLinkURL"] = link.URL
		data["ExpiresAt"] = link.ExpiresAt.Format("2006-01-02")
	}
	s.sendReceived(ctx, order, data)
	return created, nil
}

func (s *orderService) sendReceived(ctx context.Context, order domain.OrderRequest, data map[string]any) {
	if s.mail == nil || order.ContactEmail == "" {
		return
	}
	if _, err := s.mail.Send(ctx, mailer.Message{
		Template: mailer.TemplateOrderReceived,
		To:       []string{order.ContactEmail},
		OrderID:  order.ID,
		Data:     data,
	}); err != nil {
		s.logger(ctx, "order.received_email_failed", map[string]any{"orderId": order.ID, "error": err.Error()})
	}
}

func (s *orderService) GetOrder(ctx context.Context, p Principal, orderID string) (OrderDetail, error) {
	order, err := s.authorizedOrder(ctx, p, orderID)
	if err != nil {
		return OrderDetail{}, err
	}
	offers, err := s.offers.ListByOrder(ctx, order.ID)
	if err != nil {
		return OrderDetail{}, translateRepoError(err, "offer")
	}
	paymentsList, err := s.payments.ListByOrder(ctx, order.ID)
	if err != nil {
		return OrderDetail{}, translateRepoError(err, "payment")
	}
	comments, err := s.comments.ListByOrder(ctx, order.ID)
	if err != nil {
		return OrderDetail{}, translateRepoError(err, "comment")
	}
	s.resolvePhotos(ctx, &order)
	return OrderDetail{Order: order, Offers: offers, Payments: paymentsList, Comments: comments}, nil
}

// resolvePhotos swaps gs:// references for signed download URLs.
func (s *orderService) resolvePhotos(ctx context.Context, order *domain.OrderRequest) {
	if s.photos == nil {
		return
	}
	for i, item := range order.Items {
		if item.PhotoURL == "" {
			continue
		}
		resolved, err := s.photos.Resolve(ctx, item.PhotoURL)
		if err != nil {
			s.logger(ctx, "order.photo_sign_failed", map[string]any{"orderId": order.ID, "itemId": item.ID, "error": err.Error()})
			continue
		}
		order.Items[i].PhotoURL = resolved
	}
}

func (s *orderService) ListOrders(ctx context.Context, p Principal, query OrderListQuery) (domain.CursorPage[domain.OrderRequest], error) {
	filter := repositories.OrderListFilter{Pagination: query.Pagination}
	for _, st := range query.Status {
		if !st.Valid() {
			return domain.CursorPage[domain.OrderRequest]{}, invalidField("status", "invalid_status", "unknown order status "+string(st))
		}
		filter.Status = append(filter.Status, st)
	}
	switch {
	case p.IsBackOffice():
	case p.Kind == PrincipalAuthenticated && p.UserID != "":
		filter.UserID = p.UserID
	default:
		return domain.CursorPage[domain.OrderRequest]{}, ErrUnauthorized
	}
	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[domain.OrderRequest]{}, translateRepoError(err, "order")
	}
	return page, nil
}

// ChangeStatus applies an admin status change through the state machine.
func (s *orderService) ChangeStatus(ctx context.Context, cmd ChangeStatusCommand) (domain.OrderRequest, error) {
	if !cmd.Actor.IsBackOffice() {
		return domain.OrderRequest{}, ErrForbidden
	}
	if !cmd.To.Valid() {
		return domain.OrderRequest{}, invalidField("status", "invalid_status", "unknown order status")
	}
	if (cmd.To == domain.OrderStatusRemoved || cmd.To == domain.OrderStatusPending) && cmd.Actor.Role != domain.RoleAdmin {
		return domain.OrderRequest{}, ErrForbidden
	}
	if cmd.To == domain.OrderStatusPaid {
		result, err := s.MarkPaid(ctx, MarkPaidCommand{OrderID: cmd.OrderID, Actor: cmd.Actor})
		if err != nil {
			return domain.OrderRequest{}, err
		}
		if result.AlreadyPaid {
			return domain.OrderRequest{}, fmt.Errorf("%w: order is already PAID", ErrInvalidTransition)
		}
		return result.Order, nil
	}

	order, err := s.orders.FindByID(ctx, strings.TrimSpace(cmd.OrderID))
	if err != nil {
		return domain.OrderRequest{}, translateRepoError(err, "order")
	}
	updated, err := s.transition(ctx, order, cmd.To, nil)
	if err != nil {
		return domain.OrderRequest{}, err
	}
	s.notifier.Dispatch(ctx, NotificationEvent{
		Type:   notificationForStatus(cmd.To),
		Order:  updated,
		Actor:  cmd.Actor,
		Target: statusTarget(updated),
	})
	return updated, nil
}

// MarkPaid is idempotent: an order that is already PAID is reported with AlreadyPaid and no new notification.
func (s *orderService) MarkPaid(ctx context.Context, cmd MarkPaidCommand) (MarkPaidResult, error) {
	order, err := s.orders.FindByID(ctx, strings.TrimSpace(cmd.OrderID))
	if err != nil {
		return MarkPaidResult{}, translateRepoError(err, "order")
	}
	if order.Status == domain.OrderStatusPaid {
		return MarkPaidResult{Order: order, AlreadyPaid: true}, nil
	}
	st, err := s.state.forOrder(ctx, order)
	if err != nil {
		return MarkPaidResult{}, err
	}
	updated, err := s.transition(ctx, order, domain.OrderStatusPaid, st.includedItemIDs())
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			if current, findErr := s.orders.FindByID(ctx, order.ID); findErr == nil && current.Status == domain.OrderStatusPaid {
				return MarkPaidResult{Order: current, AlreadyPaid: true}, nil
			}
		}
		return MarkPaidResult{}, err
	}

	payment, settled := s.settlePayment(ctx, updated.ID, cmd.PaymentID)
	amount := payment.Amount
	if !settled && updated.Checkout != nil {
		amount = updated.Checkout.Total
	}
	s.notifier.Dispatch(ctx, NotificationEvent{
		Type:   domain.NotificationPaymentSucceeded,
		Order:  updated,
		Actor:  cmd.Actor,
		Target: statusTarget(updated),
		Data:   map[string]any{"Amount": amount},
	})
	return MarkPaidResult{Order: updated}, nil
}

// settlePayment marks the confirmed payment, or the latest pending one for admin confirmations, as succeeded.
func (s *orderService) settlePayment(ctx context.Context, orderID, paymentID string) (domain.Payment, bool) {
	var target domain.Payment
	if paymentID != "" {
		payment, err := s.payments.FindByID(ctx, paymentID)
		if err != nil {
			s.logger(ctx, "order.payment_lookup_failed", map[string]any{"orderId": orderID, "paymentId": paymentID, "error": err.Error()})
			return domain.Payment{}, false
		}
		target = payment
	} else {
		list, err := s.payments.ListByOrder(ctx, orderID)
		if err != nil {
			s.logger(ctx, "order.payment_lookup_failed", map[string]any{"orderId": orderID, "error": err.Error()})
			return domain.Payment{}, false
		}
		for _, payment := range list {
			if payment.Status == domain.PaymentStatusPending && payment.CreatedAt.After(target.CreatedAt) {
				target = payment
			}
		}
		if target.ID == "" {
			return domain.Payment{}, false
		}
	}
	if target.Status == domain.PaymentStatusSucceeded {
		return target, true
	}
	target.Status = domain.PaymentStatusSucceeded
	target.FailureReason = ""
	target.UpdatedAt = s.now()
	if err := s.payments.Update(ctx, target); err != nil {
		s.logger(ctx, "order.payment_update_failed", map[string]any{"orderId": orderID, "paymentId": target.ID, "error": err.Error()})
	}
	return target, true
}

// transition performs a compare-and-swap status change.
func (s *orderService) transition(ctx context.Context, order domain.OrderRequest, to domain.OrderStatus, purchased []string) (domain.OrderRequest, error) {
	if !CanTransition(order.Status, to) {
		return domain.OrderRequest{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.Status, to)
	}
	updated, err := s.orders.Transition(ctx, repositories.StatusTransition{
		OrderID:          order.ID,
		From:             order.Status,
		ExpectedVersion:  order.StatusVersion,
		To:               to,
		PurchasedItemIDs: purchased,
		At:               s.now(),
	})
	if err != nil {
		if repositories.IsConflict(err) {
			return domain.OrderRequest{}, fmt.Errorf("%w: order changed concurrently", ErrInvalidTransition)
		}
		return domain.OrderRequest{}, translateRepoError(err, "order")
	}
	if s.metrics != nil {
		s.metrics.OrderTransition(ctx, string(order.Status), string(to))
	}
	s.logger(ctx, "order.status_changed", map[string]any{
		"orderId":       order.ID,
		"from":          string(order.Status),
		"to":            string(to),
		"statusVersion": updated.StatusVersion,
	})
	return updated, nil
}

func (s *orderService) AddComment(ctx context.Context, cmd AddCommentCommand) (domain.Comment, error) {
	order, err := s.authorizedOrder(ctx, cmd.Actor, cmd.OrderID)
	if err != nil {
		return domain.Comment{}, err
	}
	if order.Status == domain.OrderStatusRemoved {
		return domain.Comment{}, fmt.Errorf("%w: order is removed", ErrOrderInvalidState)
	}
	if cmd.Actor.Kind == PrincipalGuest && !s.shop.Comments.AllowGuestComments {
		return domain.Comment{}, fmt.Errorf("%w: guests may not comment", ErrForbidden)
	}
	var problems fieldErrors
	body := checkText(&problems, "body", cmd.Body, true, maxCommentLength)
	if err := problems.err(); err != nil {
		return domain.Comment{}, err
	}
	comment := domain.Comment{
		ID:             commentIDPrefix + s.newID(),
		OrderRequestID: order.ID,
		AuthorID:       cmd.Actor.ActorID(),
		AuthorRole:     cmd.Actor.AuthorRole(),
		Body:           body,
		CreatedAt:      s.now(),
	}
	if err := s.comments.Append(ctx, comment); err != nil {
		return domain.Comment{}, translateRepoError(err, "comment")
	}
	authorLabel := "Customer"
	if cmd.Actor.IsBackOffice() {
		authorLabel = firstNonEmpty(s.shop.Brand.Name, "Support")
	}
	s.notifier.Dispatch(ctx, NotificationEvent{
		Type:   domain.NotificationCommentAdded,
		Order:  order,
		Actor:  cmd.Actor,
		Target: comment.ID,
		Data:   map[string]any{"Comment": comment.Body, "AuthorLabel": authorLabel},
	})
	return comment, nil
}

func (s *orderService) ListComments(ctx context.Context, p Principal, orderID string) ([]domain.Comment, error) {
	order, err := s.authorizedOrder(ctx, p, orderID)
	if err != nil {
		return nil, err
	}
	comments, err := s.comments.ListByOrder(ctx, order.ID)
	if err != nil {
		return nil, translateRepoError(err, "comment")
	}
	return comments, nil
}

func (s *orderService) authorizedOrder(ctx context.Context, p Principal, orderID string) (domain.OrderRequest, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.OrderRequest{}, invalidField("orderId", "required", "order id is required")
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.OrderRequest{}, translateRepoError(err, "order")
	}
	if err := AuthorizeOrder(p, order); err != nil {
		return domain.OrderRequest{}, err
	}
	return order, nil
}

// FormatShortCode renders a counter value as a customer facing reference such as PD-00003R.
func FormatShortCode(seq int64) string {
	code := strings.ToUpper(strconv.FormatInt(seq, 32))
	if len(code) < 6 {
		code = strings.Repeat("0", 6-len(code)) + code
	}
	return shortCodePrefix + code
}

func statusTarget(order domain.OrderRequest) string {
	return string(order.Status) + "#" + strconv.Itoa(order.StatusVersion)
}

func notificationForStatus(status domain.OrderStatus) domain.NotificationType {
	switch status {
	case domain.OrderStatusRemoved:
		return domain.NotificationOrderRemoved
	case domain.OrderStatusPending:
		return domain.NotificationOrderRestored
	case domain.OrderStatusPaid:
		return domain.NotificationPaymentSucceeded
	}
	return domain.NotificationStatusChanged
}
