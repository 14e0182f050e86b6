package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/partsdesk/api/internal/domain"
	"github.com/partsdesk/api/internal/platform/config"
	"github.com/partsdesk/api/internal/platform/mail"
	"github.com/partsdesk/api/internal/repositories"
)

const notificationIDPrefix = "ntf_"

// NotificationEvent is a workflow occurrence that fans out to inbox rows and emails.
type NotificationEvent struct {
	Type  domain.NotificationType
	Order domain.OrderRequest
	Actor Principal
	// Target distinguishes repeated events of one type on an order, e.g. "VALUATED#2" or "ofr_x@3".
	Target string
	// Data is merged into the email template data.
	Data map[string]any
}

type linkIssuer interface {
	IssueMagicLink(orderID string) (MagicLink, error)
	OrderURL(orderID string) string
}

type emailFailureRecorder interface {
	EmailFailed(ctx context.Context, template string)
}

// NotificationDispatcherDeps wires the dispatcher.
type NotificationDispatcherDeps struct {
	Notifications repositories.NotificationRepository
	Mail          mail.Sender
	Links         linkIssuer
	Shop          config.ShopConfig
	Metrics       emailFailureRecorder
	Clock         func() time.Time
	IDGenerator   func() string
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type notificationDispatcher struct {
	repo    repositories.NotificationRepository
	mail    mail.Sender
	links   linkIssuer
	shop    config.ShopConfig
	metrics emailFailureRecorder
	now     func() time.Time
	newID   func() string
	logger  func(ctx context.Context, event string, fields map[string]any)
}

var _ NotificationDispatcher = (*notificationDispatcher)(nil)

// NewNotificationDispatcher validates dependencies. Mail is optional; without it only inbox rows are written.
func NewNotificationDispatcher(deps NotificationDispatcherDeps) (NotificationDispatcher, error) {
	if deps.Notifications == nil {
		return nil, errors.New("notification dispatcher: notification repository is required")
	}
	if deps.Links == nil {
		return nil, errors.New("notification dispatcher: link issuer is required")
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
	return &notificationDispatcher{
		repo:    deps.Notifications,
		mail:    deps.Mail,
		links:   deps.Links,
		shop:    deps.Shop,
		metrics: deps.Metrics,
		now:     func() time.Time { return clock().UTC() },
		newID:   idGen,
		logger:  logger,
	}, nil
}

// Dispatch writes one inbox row per audience and emails each newly written audience.
// Failures are logged, never returned, so the triggering operation is not rolled back.
func (d *notificationDispatcher) Dispatch(ctx context.Context, event NotificationEvent) {
	if event.Order.ID == "" || event.Type == "" {
		return
	}
	for _, audience := range audiencesFor(event) {
		notification := domain.Notification{
			ID:             notificationIDPrefix + d.newID(),
			Type:           event.Type,
			Audience:       audience,
			OrderRequestID: event.Order.ID,
			Title:          notificationTitle(event),
			Body:           notificationBody(event),
			DedupeKey:      DedupeKey(event.Order.ID, event.Type, event.Target, audience),
			CreatedAt:      d.now(),
		}
		switch audience {
		case domain.AudienceUser:
			notification.UserID = event.Order.UserID
			notification.RecipientEmail = event.Order.ContactEmail
		case domain.AudienceGuest:
			notification.RecipientEmail = firstNonEmpty(event.Order.GuestEmail, event.Order.ContactEmail)
		}

		if err := d.repo.InsertUnique(ctx, notification); err != nil {
			if repositories.IsConflict(err) {
				d.logger(ctx, "notification.duplicate", map[string]any{
					"orderId":   event.Order.ID,
					"dedupeKey": notification.DedupeKey,
				})
				continue
			}
			d.logger(ctx, "notification.persist_failed", map[string]any{
				"orderId": event.Order.ID,
				"type":    string(event.Type),
				"error":   err.Error(),
			})
			continue
		}
		d.email(ctx, event, audience)
	}
}

func (d *notificationDispatcher) email(ctx context.Context, event NotificationEvent, audience domain.Audience) {
	if d.mail == nil || d.shop.EmailDisabled(string(event.Type)) {
		return
	}
	recipients := d.recipients(event.Order, audience)
	if len(recipients) == 0 {
		return
	}
	template := templateFor(event.Type)
	data := map[string]any{
		"ShortCode":   event.Order.ShortCode,
		"VIN":         event.Order.VIN,
		"Status":      string(event.Order.Status),
		"StatusLabel": statusLabel(event.Order.Status),
		"OrderURL":    d.orderURL(ctx, event.Order, audience),
	}
	for k, v := range event.Data {
		data[k] = v
	}
	result, err := d.mail.Send(ctx, mail.Message{Template: template, To: recipients, OrderID: event.Order.ID, Data: data})
	if err != nil {
		if d.metrics != nil {
			d.metrics.EmailFailed(ctx, template)
		}
		d.logger(ctx, "notification.email_failed", map[string]any{
			"orderId":  event.Order.ID,
			"template": template,
			"audience": string(audience),
			"error":    err.Error(),
		})
		return
	}
	d.logger(ctx, "notification.email_sent", map[string]any{
		"orderId":   event.Order.ID,
		"template":  template,
		"transport": result.Transport,
		"messageId": result.MessageID,
	})
}

func (d *notificationDispatcher) recipients(order domain.OrderRequest, audience domain.Audience) []string {
	switch audience {
	case domain.AudienceUser:
		return nonEmpty(order.ContactEmail)
	case domain.AudienceGuest:
		return nonEmpty(firstNonEmpty(order.GuestEmail, order.ContactEmail))
	case domain.AudienceAdmin:
		return nonEmpty(d.shop.Notifications.AdminEmails...)
	case domain.AudienceStaff:
		return nonEmpty(d.shop.Notifications.StaffEmails...)
	}
	return nil
}

// orderURL gives guests a fresh magic link since they have no session to sign in with.
func (d *notificationDispatcher) orderURL(ctx context.Context, order domain.OrderRequest, audience domain.Audience) string {
	if audience != domain.AudienceGuest {
		return d.links.OrderURL(order.ID)
	}
	link, err := d.links.IssueMagicLink(order.ID)
	if err != nil {
		d.logger(ctx, "notification.magic_link_failed", map[string]any{"orderId": order.ID, "error": err.Error()})
		return d.links.OrderURL(order.ID)
	}
	return link.URL
}

// DedupeKey is the uniqueness key of a notification row.
func DedupeKey(orderID string, kind domain.NotificationType, target string, audience domain.Audience) string {
	return strings.Join([]string{orderID, string(kind), target, string(audience)}, "|")
}

func audiencesFor(event NotificationEvent) []domain.Audience {
	customer := domain.AudienceUser
	if event.Order.UserID == "" {
		customer = domain.AudienceGuest
	}
	if event.Type == domain.NotificationCommentAdded && !event.Actor.IsBackOffice() {
		return []domain.Audience{domain.AudienceAdmin, domain.AudienceStaff}
	}
	return []domain.Audience{customer}
}

func templateFor(kind domain.NotificationType) string {
	switch kind {
	case domain.NotificationOfferAdded:
		return mail.TemplateOfferAdded
	case domain.NotificationOfferUpdated:
		return mail.TemplateOfferUpdated
	case domain.NotificationStatusChanged:
		return mail.TemplateStatusChanged
	case domain.NotificationCommentAdded:
		return mail.TemplateCommentAdded
	case domain.NotificationPaymentSucceeded:
		return mail.TemplatePaymentSucceeded
	case domain.NotificationPaymentFailed:
		return mail.TemplatePaymentFailed
	case domain.NotificationOrderRemoved:
		return mail.TemplateOrderRemoved
	case domain.NotificationOrderRestored:
		return mail.TemplateOrderRestored
	}
	return ""
}

func notificationTitle(event NotificationEvent) string {
	code := event.Order.ShortCode
	switch event.Type {
	case domain.NotificationOfferAdded:
		return "New offer for " + code
	case domain.NotificationOfferUpdated:
		return "Offer updated for " + code
	case domain.NotificationStatusChanged:
		return code + " is now " + statusLabel(event.Order.Status)
	case domain.NotificationCommentAdded:
		return "New message on " + code
	case domain.NotificationPaymentSucceeded:
		return "Payment received for " + code
	case domain.NotificationPaymentFailed:
		return "Payment failed for " + code
	case domain.NotificationOrderRemoved:
		return code + " was closed"
	case domain.NotificationOrderRestored:
		return code + " was reopened"
	}
	return code
}

func notificationBody(event NotificationEvent) string {
	if body, ok := event.Data["Comment"].(string); ok && body != "" {
		return truncateRunes(body, 280)
	}
	if manufacturer, ok := event.Data["Manufacturer"].(string); ok && manufacturer != "" {
		return manufacturer
	}
	if reason, ok := event.Data["Reason"].(string); ok {
		return reason
	}
	return ""
}

func statusLabel(status domain.OrderStatus) string {
	switch status {
	case domain.OrderStatusPending:
		return "awaiting offers"
	case domain.OrderStatusValuated:
		return "ready for selection"
	case domain.OrderStatusPaid:
		return "paid"
	case domain.OrderStatusRemoved:
		return "closed"
	}
	return strings.ToLower(string(status))
}

func nonEmpty(values ...string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-1]) + "…"
}
