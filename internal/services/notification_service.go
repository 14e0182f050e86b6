package services

import (
	"context"
	"errors"
	"strings"

	domain "github.com/partsdesk/api/internal/domain"
	"github.com/partsdesk/api/internal/repositories"
)

// NotificationListQuery filters an inbox listing.
type NotificationListQuery struct {
	// BackOffice lists the ADMIN/STAFF inbox instead of the caller's own rows.
	BackOffice bool
	UnreadOnly bool
	Pagination domain.Pagination
}

type notificationService struct {
	repo repositories.NotificationRepository
}

var _ NotificationService = (*notificationService)(nil)

// NewNotificationService serves the customer and back-office inboxes.
func NewNotificationService(repo repositories.NotificationRepository) (NotificationService, error) {
	if repo == nil {
		return nil, errors.New("notification service: notification repository is required")
	}
	return &notificationService{repo: repo}, nil
}

func (s *notificationService) List(ctx context.Context, p Principal, query NotificationListQuery) (domain.CursorPage[domain.Notification], error) {
	recipient, err := recipientFor(p, query.BackOffice)
	if err != nil {
		return domain.CursorPage[domain.Notification]{}, err
	}
	page, err := s.repo.List(ctx, repositories.NotificationFilter{
		Recipient:  recipient,
		UnreadOnly: query.UnreadOnly,
		Pagination: query.Pagination,
	})
	if err != nil {
		return domain.CursorPage[domain.Notification]{}, translateRepoError(err, "notification")
	}
	return page, nil
}

func (s *notificationService) MarkRead(ctx context.Context, p Principal, notificationID string, backOffice bool) (domain.Notification, error) {
	notificationID = strings.TrimSpace(notificationID)
	if notificationID == "" {
		return domain.Notification{}, invalidField("notificationId", "required", "notification id is required")
	}
	recipient, err := recipientFor(p, backOffice)
	if err != nil {
		return domain.Notification{}, err
	}
	n, err := s.repo.MarkRead(ctx, notificationID, recipient)
	if err != nil {
		return domain.Notification{}, translateRepoError(err, "notification")
	}
	return n, nil
}

// recipientFor maps a principal onto an inbox. Guests have no inbox.
func recipientFor(p Principal, backOffice bool) (repositories.NotificationRecipient, error) {
	if p.Kind != PrincipalAuthenticated || p.UserID == "" {
		return repositories.NotificationRecipient{}, ErrUnauthorized
	}
	if !backOffice {
		return repositories.NotificationRecipient{UserID: p.UserID, Audiences: []domain.Audience{domain.AudienceUser}}, nil
	}
	switch p.Role {
	case domain.RoleAdmin:
		return repositories.NotificationRecipient{Audiences: []domain.Audience{domain.AudienceAdmin, domain.AudienceStaff}}, nil
	case domain.RoleStaff:
		return repositories.NotificationRecipient{Audiences: []domain.Audience{domain.AudienceStaff}}, nil
	default:
		return repositories.NotificationRecipient{}, ErrForbidden
	}
}
