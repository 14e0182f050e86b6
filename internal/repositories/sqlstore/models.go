package sqlstore

import (
	"encoding/json"
	"time"

	domain "github.com/partsdesk/api/internal/domain"
)

type orderModel struct {
	ID            string    `gorm:"primaryKey;size:40"`
	ShortCode     string    `gorm:"size:32;uniqueIndex;not null"`
	VIN           string    `gorm:"size:17;not null"`
	UserID        string    `gorm:"size:128;index"`
	GuestEmail    string    `gorm:"size:320"`
	ContactEmail  string    `gorm:"size:320"`
	Status        string    `gorm:"size:16;index;not null"`
	StatusVersion int       `gorm:"not null;default:0"`
	CheckoutJSON  string    `gorm:"type:text"`
	CreatedAt     time.Time `gorm:"index"`
	UpdatedAt     time.Time
}

func (orderModel) TableName() string { return "order_requests" }

type itemModel struct {
	ID             string `gorm:"primaryKey;size:40"`
	OrderRequestID string `gorm:"size:40;index;not null"`
	CategoryID     string `gorm:"size:128"`
	CategoryPath   string `gorm:"size:512"`
	Quantity       int    `gorm:"not null"`
	Note           string `gorm:"size:200"`
	PhotoURL       string `gorm:"size:1024"`
	State          string `gorm:"size:16;not null"`
	OfferCount     int    `gorm:"not null;default:0"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (itemModel) TableName() string { return "order_items" }

type offerModel struct {
	ID                string `gorm:"primaryKey;size:40"`
	OrderItemID       string `gorm:"size:40;index;not null"`
	OrderRequestID    string `gorm:"size:40;index;not null"`
	Manufacturer      string `gorm:"size:120;not null"`
	UnitPrice         int64  `gorm:"not null"`
	QuantityAvailable int    `gorm:"not null"`
	Notes             string `gorm:"size:500"`
	Version           int    `gorm:"not null"`
	CreatedBy         string `gorm:"size:128"`
	UpdatedBy         string `gorm:"size:128"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (offerModel) TableName() string { return "offers" }

type selectionModel struct {
	OrderRequestID string `gorm:"primaryKey;size:40"`
	ItemsJSON      string `gorm:"type:text"`
	AddonsJSON     string `gorm:"type:text"`
	CouponCode     string `gorm:"size:64"`
	ShippingMethod string `gorm:"size:64"`
	UpdatedAt      time.Time
}

func (selectionModel) TableName() string { return "selection_drafts" }

type paymentModel struct {
	ID             string `gorm:"primaryKey;size:40"`
	OrderRequestID string `gorm:"size:40;index;not null"`
	Provider       string `gorm:"size:32;not null;index:idx_payments_provider_intent"`
	Method         string `gorm:"size:32"`
	IntentID       string `gorm:"size:255;index:idx_payments_provider_intent"`
	SessionID      string `gorm:"size:255;index"`
	RedirectURL    string `gorm:"size:2048"`
	Status         string `gorm:"size:16;not null"`
	Amount         int64  `gorm:"not null"`
	Currency       string `gorm:"size:3"`
	FailureReason  string `gorm:"size:512"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (paymentModel) TableName() string { return "payments" }

type commentModel struct {
	ID             string `gorm:"primaryKey;size:40"`
	OrderRequestID string `gorm:"size:40;index;not null"`
	AuthorID       string `gorm:"size:128"`
	AuthorRole     string `gorm:"size:16"`
	Body           string `gorm:"type:text"`
	CreatedAt      time.Time
}

func (commentModel) TableName() string { return "order_comments" }

type notificationModel struct {
	ID             string `gorm:"primaryKey;size:40"`
	Type           string `gorm:"size:32;not null"`
	Audience       string `gorm:"size:16;index:idx_notifications_recipient;not null"`
	OrderRequestID string `gorm:"size:40;index"`
	UserID         string `gorm:"size:128;index:idx_notifications_recipient"`
	RecipientEmail string `gorm:"size:320"`
	Title          string `gorm:"size:255"`
	Body           string `gorm:"type:text"`
	IsRead         bool   `gorm:"not null;default:false"`
	DedupeKey      string `gorm:"size:255;uniqueIndex;not null"`
	CreatedAt      time.Time
}

func (notificationModel) TableName() string { return "notifications" }

type counterModel struct {
	ID        string `gorm:"primaryKey;size:64"`
	Value     int64  `gorm:"not null"`
	UpdatedAt time.Time
}

func (counterModel) TableName() string { return "counters" }

func allModels() []any {
	return []any{
		&orderModel{}, &itemModel{}, &offerModel{}, &selectionModel{},
		&paymentModel{}, &commentModel{}, &notificationModel{}, &counterModel{},
	}
}

func newOrderModel(order domain.OrderRequest) (orderModel, error) {
	m := orderModel{
		ID:            order.ID,
		ShortCode:     order.ShortCode,
		VIN:           order.VIN,
		UserID:        order.UserID,
		GuestEmail:    order.GuestEmail,
		ContactEmail:  order.ContactEmail,
		Status:        string(order.Status),
		StatusVersion: order.StatusVersion,
		CreatedAt:     order.CreatedAt,
		UpdatedAt:     order.UpdatedAt,
	}
	if order.Checkout != nil {
		raw, err := json.Marshal(order.Checkout)
		if err != nil {
			return orderModel{}, err
		}
		m.CheckoutJSON = string(raw)
	}
	return m, nil
}

func (m orderModel) toDomain(items []itemModel) (domain.OrderRequest, error) {
	order := domain.OrderRequest{
		ID:            m.ID,
		ShortCode:     m.ShortCode,
		VIN:           m.VIN,
		UserID:        m.UserID,
		GuestEmail:    m.GuestEmail,
		ContactEmail:  m.ContactEmail,
		Status:        domain.OrderStatus(m.Status),
		StatusVersion: m.StatusVersion,
		CreatedAt:     m.CreatedAt.UTC(),
		UpdatedAt:     m.UpdatedAt.UTC(),
	}
	if m.CheckoutJSON != "" {
		var snap domain.CheckoutSnapshot
		if err := json.Unmarshal([]byte(m.CheckoutJSON), &snap); err != nil {
			return domain.OrderRequest{}, err
		}
		order.Checkout = &snap
	}
	order.Items = make([]domain.OrderItem, 0, len(items))
	for _, item := range items {
		order.Items = append(order.Items, item.toDomain())
	}
	return order, nil
}

func newItemModel(item domain.OrderItem) itemModel {
	return itemModel{
		ID:             item.ID,
		OrderRequestID: item.OrderRequestID,
		CategoryID:     item.CategoryID,
		CategoryPath:   item.CategoryPath,
		Quantity:       item.Quantity,
		Note:           item.Note,
		PhotoURL:       item.PhotoURL,
		State:          string(item.State),
		OfferCount:     item.OfferCount,
		CreatedAt:      item.CreatedAt,
		UpdatedAt:      item.UpdatedAt,
	}
}

func (m itemModel) toDomain() domain.OrderItem {
	return domain.OrderItem{
		ID:             m.ID,
		OrderRequestID: m.OrderRequestID,
		CategoryID:     m.CategoryID,
		CategoryPath:   m.CategoryPath,
		Quantity:       m.Quantity,
		Note:           m.Note,
		PhotoURL:       m.PhotoURL,
		State:          domain.ItemState(m.State),
		OfferCount:     m.OfferCount,
		CreatedAt:      m.CreatedAt.UTC(),
		UpdatedAt:      m.UpdatedAt.UTC(),
	}
}

func newOfferModel(offer domain.Offer) offerModel {
	return offerModel{
		ID:                offer.ID,
		OrderItemID:       offer.OrderItemID,
		OrderRequestID:    offer.OrderRequestID,
		Manufacturer:      offer.Manufacturer,
		UnitPrice:         offer.UnitPrice,
		QuantityAvailable: offer.QuantityAvailable,
		Notes:             offer.Notes,
		Version:           offer.Version,
		CreatedBy:         offer.CreatedBy,
		UpdatedBy:         offer.UpdatedBy,
		CreatedAt:         offer.CreatedAt,
		UpdatedAt:         offer.UpdatedAt,
	}
}

func (m offerModel) toDomain() domain.Offer {
	return domain.Offer{
		ID:                m.ID,
		OrderItemID:       m.OrderItemID,
		OrderRequestID:    m.OrderRequestID,
		Manufacturer:      m.Manufacturer,
		UnitPrice:         m.UnitPrice,
		QuantityAvailable: m.QuantityAvailable,
		Notes:             m.Notes,
		Version:           m.Version,
		CreatedBy:         m.CreatedBy,
		UpdatedBy:         m.UpdatedBy,
		CreatedAt:         m.CreatedAt.UTC(),
		UpdatedAt:         m.UpdatedAt.UTC(),
	}
}

type selectionItemJSON struct {
	OfferID string `json:"offerId,omitempty"`
	Include bool   `json:"include"`
}

type addonJSON struct {
	UpsellItemID string `json:"upsellItemId"`
	Quantity     int    `json:"quantity"`
}

func newSelectionModel(draft domain.SelectionDraft) (selectionModel, error) {
	items := make(map[string]selectionItemJSON, len(draft.Items))
	for id, sel := range draft.Items {
		items[id] = selectionItemJSON{OfferID: sel.OfferID, Include: sel.Include}
	}
	addons := make([]addonJSON, 0, len(draft.Addons))
	for _, addon := range draft.Addons {
		addons = append(addons, addonJSON{UpsellItemID: addon.UpsellItemID, Quantity: addon.Quantity})
	}
	rawItems, err := json.Marshal(items)
	if err != nil {
		return selectionModel{}, err
	}
	rawAddons, err := json.Marshal(addons)
	if err != nil {
		return selectionModel{}, err
	}
	return selectionModel{
		OrderRequestID: draft.OrderRequestID,
		ItemsJSON:      string(rawItems),
		AddonsJSON:     string(rawAddons),
		CouponCode:     draft.CouponCode,
		ShippingMethod: draft.ShippingMethod,
		UpdatedAt:      draft.UpdatedAt,
	}, nil
}

func (m selectionModel) toDomain() (domain.SelectionDraft, error) {
	draft := domain.SelectionDraft{
		OrderRequestID: m.OrderRequestID,
		Items:          map[string]domain.ItemSelection{},
		CouponCode:     m.CouponCode,
		ShippingMethod: m.ShippingMethod,
		UpdatedAt:      m.UpdatedAt.UTC(),
	}
	if m.ItemsJSON != "" {
		var items map[string]selectionItemJSON
		if err := json.Unmarshal([]byte(m.ItemsJSON), &items); err != nil {
			return domain.SelectionDraft{}, err
		}
		for id, sel := range items {
			draft.Items[id] = domain.ItemSelection{OfferID: sel.OfferID, Include: sel.Include}
		}
	}
	if m.AddonsJSON != "" {
		var addons []addonJSON
		if err := json.Unmarshal([]byte(m.AddonsJSON), &addons); err != nil {
			return domain.SelectionDraft{}, err
		}
		for _, addon := range addons {
			draft.Addons = append(draft.Addons, domain.UpsellAddon{UpsellItemID: addon.UpsellItemID, Quantity: addon.Quantity})
		}
	}
	return draft, nil
}

func newPaymentModel(p domain.Payment) paymentModel {
	return paymentModel{
		ID:             p.ID,
		OrderRequestID: p.OrderRequestID,
		Provider:       p.Provider,
		Method:         p.Method,
		IntentID:       p.IntentID,
		SessionID:      p.SessionID,
		RedirectURL:    p.RedirectURL,
		Status:         string(p.Status),
		Amount:         p.Amount,
		Currency:       p.Currency,
		FailureReason:  p.FailureReason,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
}

func (m paymentModel) toDomain() domain.Payment {
	return domain.Payment{
		ID:             m.ID,
		OrderRequestID: m.OrderRequestID,
		Provider:       m.Provider,
		Method:         m.Method,
		IntentID:       m.IntentID,
		SessionID:      m.SessionID,
		RedirectURL:    m.RedirectURL,
		Status:         domain.PaymentStatus(m.Status),
		Amount:         m.Amount,
		Currency:       m.Currency,
		FailureReason:  m.FailureReason,
		CreatedAt:      m.CreatedAt.UTC(),
		UpdatedAt:      m.UpdatedAt.UTC(),
	}
}

func newNotificationModel(n domain.Notification) notificationModel {
	return notificationModel{
		ID:             n.ID,
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
	}
}

func (m notificationModel) toDomain() domain.Notification {
	return domain.Notification{
		ID:             m.ID,
		Type:           domain.NotificationType(m.Type),
		Audience:       domain.Audience(m.Audience),
		OrderRequestID: m.OrderRequestID,
		UserID:         m.UserID,
		RecipientEmail: m.RecipientEmail,
		Title:          m.Title,
		Body:           m.Body,
		IsRead:         m.IsRead,
		DedupeKey:      m.DedupeKey,
		CreatedAt:      m.CreatedAt.UTC(),
	}
}
