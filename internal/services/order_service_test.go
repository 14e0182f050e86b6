package services

import (
	"context"
	"strings"
	"testing"

	domain "github.com/partsdesk/api/internal/domain"
	"github.com/partsdesk/api/internal/platform/config"
	"github.com/partsdesk/api/internal/platform/mail"
)

func TestCreateOrderGuestIssuesMagicLink(t *testing.T) {
	env := newTestEnv(t)
	created, err := env.orders.CreateOrder(context.Background(), CreateOrderCommand{
		VIN:   "ｗｖｗｚｚｚ１ｊｚｘｗ０００００１",
		Email: "guest@example.com",
		Items: []NewOrderItem{{CategoryID: "brakes", CategoryPath: "Brakes/Pads", Quantity: 2, Note: "<b>front</b> axle"}},
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	order := created.Order
	if !strings.HasPrefix(order.ID, orderIDPrefix) || order.ShortCode != "PD-000001" {
		t.Fatalf("unexpected identifiers %s %s", order.ID, order.ShortCode)
	}
	if order.VIN != testVIN {
		t.Fatalf("expected folded VIN, got %s", order.VIN)
	}
	if order.Status != domain.OrderStatusPending || order.ContactEmail != "guest@example.com" || !order.IsGuest() {
		t.Fatalf("unexpected order %+v", order)
	}
	if order.Items[0].Note != "front axle" || order.Items[0].State != domain.ItemStateRequested {
		t.Fatalf("unexpected item %+v", order.Items[0])
	}
	if created.MagicLink == nil || !strings.Contains(created.MagicLink.URL, "/orders/"+order.ID+"?token=") {
		t.Fatalf("expected magic link, got %+v", created.MagicLink)
	}

	p, err := env.identity.Resolve(nil, created.MagicLink.Token, order.ID)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := env.orders.GetOrder(context.Background(), p, order.ID); err != nil {
		t.Fatalf("guest GetOrder: %v", err)
	}
	if got := env.mail.templates(); len(got) != 1 || got[0] != mail.TemplateOrderReceived {
		t.Fatalf("expected order_received email, got %v", got)
	}
	if data := env.mail.sent[0].Data; data["MagicLinkURL"] != created.MagicLink.URL {
		t.Fatalf("expected magic link in email data, got %v", data)
	}
}

func TestCreateOrderAuthenticatedUser(t *testing.T) {
	env := newTestEnv(t)
	created, err := env.orders.CreateOrder(context.Background(), CreateOrderCommand{
		Actor: userPrincipal,
		VIN:   testVIN,
		Items: []NewOrderItem{{CategoryID: "filters", Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if created.MagicLink != nil {
		t.Fatalf("users must not receive a magic link")
	}
	if created.Order.UserID != userPrincipal.UserID || created.Order.ContactEmail != userPrincipal.Email {
		t.Fatalf("unexpected contact %+v", created.Order)
	}
	second := env.createOrder(userPrincipal, 1)
	if second.ShortCode != "PD-000002" {
		t.Fatalf("expected sequential short code, got %s", second.ShortCode)
	}
}

func TestCreateOrderValidation(t *testing.T) {
	env := newTestEnv(t)
	items := make([]NewOrderItem, 0, 51)
	for range 51 {
		items = append(items, NewOrderItem{CategoryID: "x", Quantity: 1})
	}
	cases := []struct {
		name  string
		cmd   CreateOrderCommand
		field string
		code  string
	}{
		{name: "short vin", cmd: CreateOrderCommand{VIN: "ABC", Email: "a@b.co", Items: items[:1]}, field: "vin", code: "vin_length"},
		{name: "vin with O", cmd: CreateOrderCommand{VIN: "WVWZZZ1JZXW00000O", Email: "a@b.co", Items: items[:1]}, field: "vin", code: "vin_charset"},
		{name: "guest without email", cmd: CreateOrderCommand{VIN: testVIN, Items: items[:1]}, field: "email", code: "required"},
		{name: "bad email", cmd: CreateOrderCommand{VIN: testVIN, Email: "nope", Items: items[:1]}, field: "email", code: "invalid_email"},
		{name: "no items", cmd: CreateOrderCommand{VIN: testVIN, Email: "a@b.co"}, field: "items", code: "required"},
		{name: "too many items", cmd: CreateOrderCommand{VIN: testVIN, Email: "a@b.co", Items: items}, field: "items", code: "too_many"},
		{name: "zero quantity", cmd: CreateOrderCommand{VIN: testVIN, Email: "a@b.co", Items: []NewOrderItem{{CategoryID: "x"}}}, field: "items[0].quantity", code: "invalid_quantity"},
		{name: "huge quantity", cmd: CreateOrderCommand{VIN: testVIN, Email: "a@b.co", Items: []NewOrderItem{{CategoryID: "x", Quantity: domain.MaxItemQuantity + 1}}}, field: "items[0].quantity", code: "invalid_quantity"},
		{name: "long note", cmd: CreateOrderCommand{VIN: testVIN, Email: "a@b.co", Items: []NewOrderItem{{CategoryID: "x", Quantity: 1, Note: strings.Repeat("n", 201)}}}, field: "items[0].note", code: "too_long"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.orders.CreateOrder(context.Background(), tc.cmd)
			expectErr(t, err, ErrValidation)
			if got := fieldCodes(err)[tc.field]; got != tc.code {
				t.Fatalf("expected %s=%s, got %v", tc.field, tc.code, fieldCodes(err))
			}
		})
	}
}

func TestCanTransitionMatrix(t *testing.T) {
	statuses := []domain.OrderStatus{domain.OrderStatusPending, domain.OrderStatusValuated, domain.OrderStatusPaid, domain.OrderStatusRemoved}
	allowed := map[[2]domain.OrderStatus]bool{
		{domain.OrderStatusPending, domain.OrderStatusValuated}: true,
		{domain.OrderStatusPending, domain.OrderStatusRemoved}:  true,
		{domain.OrderStatusValuated, domain.OrderStatusPaid}:    true,
		{domain.OrderStatusValuated, domain.OrderStatusRemoved}: true,
		{domain.OrderStatusPaid, domain.OrderStatusRemoved}:     true,
		{domain.OrderStatusRemoved, domain.OrderStatusPending}:  true,
	}
	for _, from := range statuses {
		for _, to := range statuses {
			if got := CanTransition(from, to); got != allowed[[2]domain.OrderStatus{from, to}] {
				t.Errorf("CanTransition(%s, %s) = %v", from, to, got)
			}
		}
	}
}

func TestChangeStatusLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.createOrder(userPrincipal, 1)

	if _, err := env.orders.ChangeStatus(ctx, ChangeStatusCommand{OrderID: order.ID, To: domain.OrderStatusPending, Actor: adminPrincipal}); err == nil {
		t.Fatalf("same-state transition must fail")
	} else {
		expectErr(t, err, ErrInvalidTransition)
	}

	quoted := env.markQuoted(order.ID)
	if quoted.Status != domain.OrderStatusValuated || quoted.StatusVersion != 1 {
		t.Fatalf("unexpected order after quote %+v", quoted)
	}
	if env.countNotifications(domain.NotificationStatusChanged) != 1 {
		t.Fatalf("expected one STATUS_CHANGED notification")
	}

	_, err := env.orders.ChangeStatus(ctx, ChangeStatusCommand{OrderID: order.ID, To: domain.OrderStatusRemoved, Actor: staffPrincipal})
	expectErr(t, err, ErrForbidden)

	removed, err := env.orders.ChangeStatus(ctx, ChangeStatusCommand{OrderID: order.ID, To: domain.OrderStatusRemoved, Actor: adminPrincipal})
	if err != nil || removed.Status != domain.OrderStatusRemoved {
		t.Fatalf("remove: %v %+v", err, removed)
	}
	_, err = env.orders.ChangeStatus(ctx, ChangeStatusCommand{OrderID: order.ID, To: domain.OrderStatusValuated, Actor: adminPrincipal})
	expectErr(t, err, ErrInvalidTransition)

	restored, err := env.orders.ChangeStatus(ctx, ChangeStatusCommand{OrderID: order.ID, To: domain.OrderStatusPending, Actor: adminPrincipal})
	if err != nil || restored.Status != domain.OrderStatusPending || restored.StatusVersion != 3 {
		t.Fatalf("restore: %v %+v", err, restored)
	}
	if env.countNotifications(domain.NotificationOrderRemoved) != 1 || env.countNotifications(domain.NotificationOrderRestored) != 1 {
		t.Fatalf("expected removal and restore notifications")
	}
	if env.metrics.transitions.Load() != 3 {
		t.Fatalf("expected 3 recorded transitions, got %d", env.metrics.transitions.Load())
	}

	_, err = env.orders.ChangeStatus(ctx, ChangeStatusCommand{OrderID: order.ID, To: domain.OrderStatusValuated, Actor: userPrincipal})
	expectErr(t, err, ErrForbidden)
}

func TestMarkPaidIsIdempotentAndPurchasesIncludedItems(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.createOrder(userPrincipal, 2, 1)
	offerA := env.addOffer(order.Items[0].ID, 1500, 2)
	env.addOffer(order.Items[1].ID, 700, 1)
	env.markQuoted(order.ID)
	env.selectOffer(userPrincipal, order.ID, order.Items[0].ID, offerA.ID)

	first, err := env.orders.ChangeStatus(ctx, ChangeStatusCommand{OrderID: order.ID, To: domain.OrderStatusPaid, Actor: adminPrincipal})
	if err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if first.Status != domain.OrderStatusPaid {
		t.Fatalf("expected PAID, got %s", first.Status)
	}
	states := map[string]domain.ItemState{}
	for _, item := range first.Items {
		states[item.ID] = item.State
	}
	if states[order.Items[0].ID] != domain.ItemStatePurchased || states[order.Items[1].ID] != domain.ItemStateValuated {
		t.Fatalf("unexpected item states %v", states)
	}

	again, err := env.orders.MarkPaid(ctx, MarkPaidCommand{OrderID: order.ID, PaymentID: "pay_late"})
	if err != nil || !again.AlreadyPaid {
		t.Fatalf("expected already paid, got %v %+v", err, again)
	}
	_, err = env.orders.ChangeStatus(ctx, ChangeStatusCommand{OrderID: order.ID, To: domain.OrderStatusPaid, Actor: adminPrincipal})
	expectErr(t, err, ErrInvalidTransition)
	if n := env.countNotifications(domain.NotificationPaymentSucceeded); n != 1 {
		t.Fatalf("expected exactly one PAYMENT_SUCCEEDED, got %d", n)
	}
}

func TestMarkPaidRequiresValuated(t *testing.T) {
	env := newTestEnv(t)
	order := env.createOrder(userPrincipal, 1)
	_, err := env.orders.MarkPaid(context.Background(), MarkPaidCommand{OrderID: order.ID})
	expectErr(t, err, ErrInvalidTransition)
}

func TestGetOrderAccessControl(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.createOrder(userPrincipal, 1)

	if _, err := env.orders.GetOrder(ctx, userPrincipal, order.ID); err != nil {
		t.Fatalf("owner: %v", err)
	}
	if _, err := env.orders.GetOrder(ctx, staffPrincipal, order.ID); err != nil {
		t.Fatalf("staff: %v", err)
	}
	other := Principal{Kind: PrincipalAuthenticated, UserID: "user-2", Role: domain.RoleUser}
	_, err := env.orders.GetOrder(ctx, other, order.ID)
	expectErr(t, err, ErrForbidden)
	_, err = env.orders.GetOrder(ctx, guestPrincipal("ord_other"), order.ID)
	expectErr(t, err, ErrForbidden)
	_, err = env.orders.GetOrder(ctx, Principal{}, order.ID)
	expectErr(t, err, ErrUnauthorized)
	_, err = env.orders.GetOrder(ctx, adminPrincipal, "ord_missing")
	expectErr(t, err, ErrNotFound)
}

func TestListOrdersScopesCustomers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createOrder(userPrincipal, 1)
	env.createOrder(Principal{Kind: PrincipalAuthenticated, UserID: "user-2", Email: "two@example.com", Role: domain.RoleUser}, 1)
	quoted := env.createOrder(userPrincipal, 1)
	env.markQuoted(quoted.ID)

	own, err := env.orders.ListOrders(ctx, userPrincipal, OrderListQuery{})
	if err != nil || len(own.Items) != 2 {
		t.Fatalf("expected 2 own orders, got %v %d", err, len(own.Items))
	}
	all, err := env.orders.ListOrders(ctx, adminPrincipal, OrderListQuery{Status: []domain.OrderStatus{domain.OrderStatusPending}})
	if err != nil || len(all.Items) != 2 {
		t.Fatalf("expected 2 pending orders, got %v %d", err, len(all.Items))
	}
	_, err = env.orders.ListOrders(ctx, adminPrincipal, OrderListQuery{Status: []domain.OrderStatus{"SHIPPED"}})
	expectErr(t, err, ErrValidation)
	_, err = env.orders.ListOrders(ctx, guestPrincipal(quoted.ID), OrderListQuery{})
	expectErr(t, err, ErrUnauthorized)
}

func TestCommentsRouting(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.createOrder(Principal{}, 1)

	_, err := env.orders.AddComment(ctx, AddCommentCommand{OrderID: order.ID, Body: "hello", Actor: guestPrincipal(order.ID)})
	expectErr(t, err, ErrForbidden)

	comment, err := env.orders.AddComment(ctx, AddCommentCommand{OrderID: order.ID, Body: "<b>We</b> found it", Actor: staffPrincipal})
	if err != nil {
		t.Fatalf("staff comment: %v", err)
	}
	if comment.Body != "We found it" || comment.AuthorRole != domain.RoleStaff {
		t.Fatalf("unexpected comment %+v", comment)
	}

	_, err = env.orders.AddComment(ctx, AddCommentCommand{OrderID: order.ID, Body: "   ", Actor: staffPrincipal})
	expectErr(t, err, ErrValidation)

	var guestRows, adminRows, staffRows int
	for _, n := range env.notifications() {
		if n.Type != domain.NotificationCommentAdded {
			continue
		}
		switch n.Audience {
		case domain.AudienceGuest:
			guestRows++
		case domain.AudienceAdmin:
			adminRows++
		case domain.AudienceStaff:
			staffRows++
		}
	}
	if guestRows != 1 || adminRows != 0 || staffRows != 0 {
		t.Fatalf("staff comment must reach only the customer: guest=%d admin=%d staff=%d", guestRows, adminRows, staffRows)
	}

	user := env.createOrder(userPrincipal, 1)
	if _, err := env.orders.AddComment(ctx, AddCommentCommand{OrderID: user.ID, Body: "any news?", Actor: userPrincipal}); err != nil {
		t.Fatalf("user comment: %v", err)
	}
	audiences := map[domain.Audience]int{}
	for _, n := range env.notifications() {
		if n.OrderRequestID == user.ID && n.Type == domain.NotificationCommentAdded {
			audiences[n.Audience]++
		}
	}
	if audiences[domain.AudienceAdmin] != 1 || audiences[domain.AudienceStaff] != 1 || audiences[domain.AudienceUser] != 0 {
		t.Fatalf("customer comment must reach back office, got %v", audiences)
	}

	if _, err := env.orders.ChangeStatus(ctx, ChangeStatusCommand{OrderID: user.ID, To: domain.OrderStatusRemoved, Actor: adminPrincipal}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	_, err = env.orders.AddComment(ctx, AddCommentCommand{OrderID: user.ID, Body: "hello?", Actor: userPrincipal})
	expectErr(t, err, ErrOrderInvalidState)

	comments, err := env.orders.ListComments(ctx, userPrincipal, user.ID)
	if err != nil || len(comments) != 1 {
		t.Fatalf("expected removed order comments to stay readable: %v %d", err, len(comments))
	}
}

func TestGuestCommentsWhenEnabled(t *testing.T) {
	shop := config.DefaultShopConfig()
	shop.Comments.AllowGuestComments = true
	env := newTestEnvWithShop(t, shop)
	order := env.createOrder(Principal{}, 1)

	comment, err := env.orders.AddComment(context.Background(), AddCommentCommand{OrderID: order.ID, Body: "thanks", Actor: guestPrincipal(order.ID)})
	if err != nil {
		t.Fatalf("guest comment: %v", err)
	}
	if comment.AuthorRole != domain.RoleGuest || comment.AuthorID != "guest:"+order.ID {
		t.Fatalf("unexpected author %+v", comment)
	}
}

func TestFormatShortCode(t *testing.T) {
	cases := map[int64]string{1: "PD-000001", 32: "PD-000010", 123: "PD-00003R", 1 << 35: "PD-10000000"}
	for seq, want := range cases {
		if got := FormatShortCode(seq); got != want {
			t.Errorf("FormatShortCode(%d) = %s, want %s", seq, got, want)
		}
	}
}
