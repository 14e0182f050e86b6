package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	domain "github.com/partsdesk/api/internal/domain"
	"github.com/partsdesk/api/internal/platform/config"
	"github.com/partsdesk/api/internal/platform/mail"
)

func TestDispatchDeduplicatesByTarget(t *testing.T) {
	env := newTestEnv(t)
	order := env.createOrder(userPrincipal, 1)
	event := NotificationEvent{Type: domain.NotificationOfferAdded, Order: order, Actor: staffPrincipal, Target: "ofr_1@1"}

	env.dispatcher.Dispatch(context.Background(), event)
	env.dispatcher.Dispatch(context.Background(), event)
	if n := env.countNotifications(domain.NotificationOfferAdded); n != 1 {
		t.Fatalf("expected one row for a repeated event, got %d", n)
	}

	event.Target = "ofr_1@2"
	env.dispatcher.Dispatch(context.Background(), event)
	if n := env.countNotifications(domain.NotificationOfferAdded); n != 2 {
		t.Fatalf("expected a new row for a new target, got %d", n)
	}

	// order_received plus one offer_added email per stored row
	if got := env.mail.templates(); len(got) != 3 || got[1] != mail.TemplateOfferAdded {
		t.Fatalf("unexpected emails %v", got)
	}
}

func TestDispatchGuestEmailCarriesMagicLink(t *testing.T) {
	env := newTestEnv(t)
	order := env.createOrder(Principal{}, 1)
	env.mail.sent = nil

	env.dispatcher.Dispatch(context.Background(), NotificationEvent{Type: domain.NotificationStatusChanged, Order: order, Actor: adminPrincipal, Target: "VALUATED#1"})
	if len(env.mail.sent) != 1 {
		t.Fatalf("expected one email, got %d", len(env.mail.sent))
	}
	msg := env.mail.sent[0]
	if msg.To[0] != "guest@example.com" || !strings.Contains(msg.Data["OrderURL"].(string), "?token=") {
		t.Fatalf("guest email must link with a token: %+v", msg)
	}
	rows := env.notifications()
	if len(rows) != 1 || rows[0].Audience != domain.AudienceGuest || rows[0].RecipientEmail != "guest@example.com" {
		t.Fatalf("unexpected rows %+v", rows)
	}
}

func TestDispatchRespectsDisabledEmails(t *testing.T) {
	shop := config.DefaultShopConfig()
	shop.Notifications.Disabled = []string{"offer_added"}
	env := newTestEnvWithShop(t, shop)
	order := env.createOrder(userPrincipal, 1)
	env.addOffer(order.Items[0].ID, 1000, 1)

	if env.countNotifications(domain.NotificationOfferAdded) != 1 {
		t.Fatalf("inbox row must still be written")
	}
	for _, tmpl := range env.mail.templates() {
		if tmpl == mail.TemplateOfferAdded {
			t.Fatalf("disabled email was sent")
		}
	}
}

func TestDispatchEmailFailureIsBestEffort(t *testing.T) {
	env := newTestEnv(t)
	order := env.createOrder(userPrincipal, 1)
	env.mail.err = errors.New("smtp down")

	offer := env.addOffer(order.Items[0].ID, 1000, 1)
	if offer.ID == "" {
		t.Fatalf("offer must be stored despite the email failure")
	}
	if env.countNotifications(domain.NotificationOfferAdded) != 1 {
		t.Fatalf("inbox row must be written despite the email failure")
	}
	if env.metrics.emailFailures.Load() != 1 {
		t.Fatalf("expected one email failure, got %d", env.metrics.emailFailures.Load())
	}
}

func TestDispatchBackOfficeEmails(t *testing.T) {
	shop := config.DefaultShopConfig()
	shop.Notifications.AdminEmails = []string{"ops@shop.example"}
	env := newTestEnvWithShop(t, shop)
	order := env.createOrder(userPrincipal, 1)
	env.mail.sent = nil

	if _, err := env.orders.AddComment(context.Background(), AddCommentCommand{OrderID: order.ID, Body: "Is the OEM part available?", Actor: userPrincipal}); err != nil {
		t.Fatalf("AddComment: %v", err)
	}
	if len(env.mail.sent) != 1 || env.mail.sent[0].To[0] != "ops@shop.example" || env.mail.sent[0].Template != mail.TemplateCommentAdded {
		t.Fatalf("expected one admin email, got %+v", env.mail.sent)
	}
	if env.mail.sent[0].Data["Comment"] != "Is the OEM part available?" {
		t.Fatalf("comment body missing from email data")
	}
}

func TestDedupeKey(t *testing.T) {
	got := DedupeKey("ord_1", domain.NotificationStatusChanged, "PAID#2", domain.AudienceUser)
	if got != "ord_1|STATUS_CHANGED|PAID#2|USER" {
		t.Fatalf("unexpected key %s", got)
	}
}

func TestNotificationInboxes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.createOrder(userPrincipal, 1)
	env.addOffer(order.Items[0].ID, 1000, 1)
	if _, err := env.orders.AddComment(ctx, AddCommentCommand{OrderID: order.ID, Body: "thanks", Actor: userPrincipal}); err != nil {
		t.Fatalf("AddComment: %v", err)
	}

	mine, err := env.inbox.List(ctx, userPrincipal, NotificationListQuery{})
	if err != nil || len(mine.Items) != 1 || mine.Items[0].Type != domain.NotificationOfferAdded {
		t.Fatalf("unexpected customer inbox %v %+v", err, mine.Items)
	}
	staff, err := env.inbox.List(ctx, staffPrincipal, NotificationListQuery{BackOffice: true})
	if err != nil || len(staff.Items) != 1 || staff.Items[0].Audience != domain.AudienceStaff {
		t.Fatalf("unexpected staff inbox %v %+v", err, staff.Items)
	}
	admin, err := env.inbox.List(ctx, adminPrincipal, NotificationListQuery{BackOffice: true})
	if err != nil || len(admin.Items) != 2 {
		t.Fatalf("admin sees admin and staff rows: %v %d", err, len(admin.Items))
	}
	other := Principal{Kind: PrincipalAuthenticated, UserID: "user-2", Role: domain.RoleUser}
	empty, err := env.inbox.List(ctx, other, NotificationListQuery{})
	if err != nil || len(empty.Items) != 0 {
		t.Fatalf("other users must see nothing: %v %d", err, len(empty.Items))
	}

	_, err = env.inbox.MarkRead(ctx, other, mine.Items[0].ID, false)
	expectErr(t, err, ErrNotFound)
	read, err := env.inbox.MarkRead(ctx, userPrincipal, mine.Items[0].ID, false)
	if err != nil || !read.IsRead {
		t.Fatalf("MarkRead: %v %+v", err, read)
	}
	unread, err := env.inbox.List(ctx, userPrincipal, NotificationListQuery{UnreadOnly: true})
	if err != nil || len(unread.Items) != 0 {
		t.Fatalf("expected no unread rows: %v %d", err, len(unread.Items))
	}

	_, err = env.inbox.List(ctx, userPrincipal, NotificationListQuery{BackOffice: true})
	expectErr(t, err, ErrForbidden)
	_, err = env.inbox.List(ctx, guestPrincipal(order.ID), NotificationListQuery{})
	expectErr(t, err, ErrUnauthorized)
}
