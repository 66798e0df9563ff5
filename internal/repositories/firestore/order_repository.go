package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/stitchfield/orders-api/internal/domain"
	pfirestore "github.com/stitchfield/orders-api/internal/platform/firestore"
)

const (
	ordersCollection = "orders"
	tokensCollection = "orderTokens"
)

// errCredentialsNotFound is returned for every failed token lookup so callers
// cannot tell a wrong token from a wrong email.
var errCredentialsNotFound = errors.New("orders: no order for credentials")

// OrderRepository persists orders in Firestore. Tracking-token uniqueness is
// enforced through a companion token collection created in the same
// transaction as the order document.
type OrderRepository struct {
	provider *pfirestore.Provider
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{provider: provider}, nil
}

// Insert stores a new order and reserves its tracking token atomically.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.provider == nil {
		return errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(order.ID)
	token := strings.TrimSpace(order.TrackingToken)
	if orderID == "" || token == "" {
		return errors.New("order repository: order id and tracking token are required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return err
	}

	doc := orderToDocument(order)
	doc.Version = 1

	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		orderRef := client.Collection(ordersCollection).Doc(orderID)
		tokenRef := client.Collection(tokensCollection).Doc(token)

		if err := tx.Create(orderRef, doc); err != nil {
			return err
		}
		return tx.Create(tokenRef, tokenDocument{
			OrderID:    orderID,
			EmailLower: doc.CustomerEmailLower,
			CreatedAt:  doc.CreatedAt,
		})
	})
	return pfirestore.WrapError("orders.insert", err)
}

// Update persists a mutation under the optimistic version check.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	if r == nil || r.provider == nil {
		return errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(order.ID)
	if orderID == "" {
		return errors.New("order repository: order id is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return err
	}

	doc := orderToDocument(order)
	doc.Version = order.Version + 1

	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref := client.Collection(ordersCollection).Doc(orderID)
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}

		var stored orderDocument
		if err := snap.DataTo(&stored); err != nil {
			return fmt.Errorf("orders decode %s: %w", orderID, err)
		}
		if stored.Version != order.Version {
			return pfirestore.NewConflict("orders.update",
				fmt.Errorf("order %s version %d does not match stored %d", orderID, order.Version, stored.Version))
		}
		return tx.Set(ref, doc)
	})
	return pfirestore.WrapError("orders.update", err)
}

// FindByID fetches one order by its identifier.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, pfirestore.NewNotFound("orders.findByID", errors.New("orders: order id is empty"))
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Order{}, err
	}

	snap, err := client.Collection(ordersCollection).Doc(orderID).Get(ctx)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.findByID", err)
	}

	var doc orderDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Order{}, fmt.Errorf("orders decode %s: %w", orderID, err)
	}
	doc.id = snap.Ref.ID
	return doc.toDomain(), nil
}

// FindByTokenAndEmail resolves the order through the token collection and
// verifies the email. Every failure collapses into the same not-found error.
func (r *OrderRepository) FindByTokenAndEmail(ctx context.Context, token, email string) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	token = strings.TrimSpace(token)
	emailLower := strings.ToLower(strings.TrimSpace(email))
	if token == "" || emailLower == "" {
		return domain.Order{}, pfirestore.NewNotFound("orders.findByToken", errCredentialsNotFound)
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Order{}, err
	}

	tokenSnap, err := client.Collection(tokensCollection).Doc(token).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return domain.Order{}, pfirestore.NewNotFound("orders.findByToken", errCredentialsNotFound)
		}
		return domain.Order{}, pfirestore.WrapError("orders.findByToken", err)
	}

	var tokenDoc tokenDocument
	if err := tokenSnap.DataTo(&tokenDoc); err != nil {
		return domain.Order{}, fmt.Errorf("orders decode token: %w", err)
	}

	snap, err := client.Collection(ordersCollection).Doc(tokenDoc.OrderID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return domain.Order{}, pfirestore.NewNotFound("orders.findByToken", errCredentialsNotFound)
		}
		return domain.Order{}, pfirestore.WrapError("orders.findByToken", err)
	}

	var doc orderDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Order{}, fmt.Errorf("orders decode %s: %w", tokenDoc.OrderID, err)
	}
	doc.id = snap.Ref.ID
	if doc.CustomerEmailLower != emailLower {
		return domain.Order{}, pfirestore.NewNotFound("orders.findByToken", errCredentialsNotFound)
	}
	return doc.toDomain(), nil
}

// ListByEmail returns the customer's orders, newest first.
func (r *OrderRepository) ListByEmail(ctx context.Context, email string) ([]domain.Order, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("order repository not initialised")
	}
	emailLower := strings.ToLower(strings.TrimSpace(email))
	if emailLower == "" {
		return []domain.Order{}, nil
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}

	query := client.Collection(ordersCollection).
		Where("customerEmailLower", "==", emailLower).
		OrderBy("createdAt", firestore.Desc)
	return r.collect(ctx, query, "orders.listByEmail")
}

// ListActive returns every order in a non-terminal state.
func (r *OrderRepository) ListActive(ctx context.Context) ([]domain.Order, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("order repository not initialised")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}

	query := client.Collection(ordersCollection).
		Where("status.state", "in", []string{
			string(domain.StatePending),
			string(domain.StateProcessing),
			string(domain.StateShipped),
		})
	return r.collect(ctx, query, "orders.listActive")
}

// ListUnlinkedByContact returns unlinked orders matching the email
// (case-insensitive) or the exact phone number.
func (r *OrderRepository) ListUnlinkedByContact(ctx context.Context, email, phone string) ([]domain.Order, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("order repository not initialised")
	}
	emailLower := strings.ToLower(strings.TrimSpace(email))
	phone = strings.TrimSpace(phone)

	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}

	matches := make([]domain.Order, 0)
	seen := make(map[string]struct{})
	appendUnique := func(orders []domain.Order) {
		for _, order := range orders {
			if order.LinkedToAccount {
				continue
			}
			if _, ok := seen[order.ID]; ok {
				continue
			}
			seen[order.ID] = struct{}{}
			matches = append(matches, order)
		}
	}

	if emailLower != "" {
		byEmail, err := r.collect(ctx,
			client.Collection(ordersCollection).Where("customerEmailLower", "==", emailLower),
			"orders.listUnlinked")
		if err != nil {
			return nil, err
		}
		appendUnique(byEmail)
	}
	if phone != "" {
		byPhone, err := r.collect(ctx,
			client.Collection(ordersCollection).Where("customerPhone", "==", phone),
			"orders.listUnlinked")
		if err != nil {
			return nil, err
		}
		appendUnique(byPhone)
	}
	return matches, nil
}

func (r *OrderRepository) collect(ctx context.Context, query firestore.Query, op string) ([]domain.Order, error) {
	iter := query.Documents(ctx)
	defer iter.Stop()

	orders := make([]domain.Order, 0)
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, pfirestore.WrapError(op, err)
		}

		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("orders decode %s: %w", snap.Ref.ID, err)
		}
		doc.id = snap.Ref.ID
		orders = append(orders, doc.toDomain())
	}
	return orders, nil
}

type tokenDocument struct {
	OrderID    string    `firestore:"orderId"`
	EmailLower string    `firestore:"emailLower"`
	CreatedAt  time.Time `firestore:"createdAt"`
}

type orderItemDocument struct {
	ProductID string            `firestore:"productId"`
	Name      string            `firestore:"name"`
	UnitPrice int64             `firestore:"unitPrice"`
	Quantity  int               `firestore:"quantity"`
	Variant   map[string]string `firestore:"variant,omitempty"`
	ImageURL  string            `firestore:"imageUrl,omitempty"`
}

type orderAmountsDocument struct {
	Subtotal int64 `firestore:"subtotal"`
	Shipping int64 `firestore:"shipping"`
	Tax      int64 `firestore:"tax"`
	Discount int64 `firestore:"discount"`
	Total    int64 `firestore:"total"`
}

type addressDocument struct {
	Recipient  string  `firestore:"recipient"`
	Line1      string  `firestore:"line1"`
	Line2      *string `firestore:"line2,omitempty"`
	City       string  `firestore:"city"`
	State      *string `firestore:"state,omitempty"`
	PostalCode string  `firestore:"postalCode"`
	Country    string  `firestore:"country"`
	Phone      *string `firestore:"phone,omitempty"`
}

type trackingEventDocument struct {
	Timestamp time.Time `firestore:"timestamp"`
	Label     string    `firestore:"label"`
	Location  string    `firestore:"location,omitempty"`
	Details   string    `firestore:"details,omitempty"`
}

type refundDocument struct {
	Method string `firestore:"method"`
	State  string `firestore:"state"`
	Amount int64  `firestore:"amount"`
}

type orderStatusDocument struct {
	State               string          `firestore:"state"`
	UpdatedAt           time.Time       `firestore:"updatedAt"`
	Details             string          `firestore:"details,omitempty"`
	EstimatedDeliveryAt *time.Time      `firestore:"estimatedDeliveryAt,omitempty"`
	Refund              *refundDocument `firestore:"refund,omitempty"`
	ExchangeOrderID     *string         `firestore:"exchangeOrderId,omitempty"`
}

type orderDocument struct {
	TrackingToken        string                  `firestore:"trackingToken"`
	CustomerEmail        string                  `firestore:"customerEmail"`
	CustomerEmailLower   string                  `firestore:"customerEmailLower"`
	CustomerPhone        string                  `firestore:"customerPhone,omitempty"`
	Items                []orderItemDocument     `firestore:"items"`
	Amounts              orderAmountsDocument    `firestore:"amounts"`
	ShippingAddress      addressDocument         `firestore:"shippingAddress"`
	PaymentMethodLabel   string                  `firestore:"paymentMethodLabel,omitempty"`
	ShippingMethod       string                  `firestore:"shippingMethod"`
	Status               orderStatusDocument     `firestore:"status"`
	TrackingEvents       []trackingEventDocument `firestore:"trackingEvents"`
	TrackingNumber       string                  `firestore:"trackingNumber,omitempty"`
	CancellationDeadline time.Time               `firestore:"cancellationDeadline"`
	LinkedToAccount      bool                    `firestore:"linkedToAccount"`
	AccountCredit        int64                   `firestore:"accountCredit"`
	CreatedAt            time.Time               `firestore:"createdAt"`
	ExpiresAt            time.Time               `firestore:"expiresAt"`
	Version              int64                   `firestore:"version"`

	id string
}

func orderToDocument(order domain.Order) orderDocument {
	items := make([]orderItemDocument, len(order.Items))
	for i, item := range order.Items {
		items[i] = orderItemDocument{
			ProductID: item.ProductID,
			Name:      item.Name,
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
			Variant:   item.Variant,
			ImageURL:  item.ImageURL,
		}
	}

	events := make([]trackingEventDocument, len(order.TrackingEvents))
	for i, event := range order.TrackingEvents {
		events[i] = trackingEventDocument{
			Timestamp: event.Timestamp,
			Label:     event.Label,
			Location:  event.Location,
			Details:   event.Details,
		}
	}

	statusDoc := orderStatusDocument{
		State:               string(order.Status.State),
		UpdatedAt:           order.Status.UpdatedAt,
		Details:             order.Status.Details,
		EstimatedDeliveryAt: order.Status.EstimatedDeliveryAt,
		ExchangeOrderID:     order.Status.ExchangeOrderID,
	}
	if order.Status.Refund != nil {
		statusDoc.Refund = &refundDocument{
			Method: string(order.Status.Refund.Method),
			State:  string(order.Status.Refund.State),
			Amount: order.Status.Refund.Amount,
		}
	}

	return orderDocument{
		TrackingToken:      order.TrackingToken,
		CustomerEmail:      order.CustomerEmail,
		CustomerEmailLower: strings.ToLower(strings.TrimSpace(order.CustomerEmail)),
		CustomerPhone:      order.CustomerPhone,
		Items:              items,
		Amounts: orderAmountsDocument{
			Subtotal: order.Amounts.Subtotal,
			Shipping: order.Amounts.Shipping,
			Tax:      order.Amounts.Tax,
			Discount: order.Amounts.Discount,
			Total:    order.Amounts.Total,
		},
		ShippingAddress: addressDocument{
			Recipient:  order.ShippingAddress.Recipient,
			Line1:      order.ShippingAddress.Line1,
			Line2:      order.ShippingAddress.Line2,
			City:       order.ShippingAddress.City,
			State:      order.ShippingAddress.State,
			PostalCode: order.ShippingAddress.PostalCode,
			Country:    order.ShippingAddress.Country,
			Phone:      order.ShippingAddress.Phone,
		},
		PaymentMethodLabel:   order.PaymentMethodLabel,
		ShippingMethod:       string(order.ShippingMethod),
		Status:               statusDoc,
		TrackingEvents:       events,
		TrackingNumber:       order.TrackingNumber,
		CancellationDeadline: order.CancellationDeadline,
		LinkedToAccount:      order.LinkedToAccount,
		AccountCredit:        order.AccountCredit,
		CreatedAt:            order.CreatedAt,
		ExpiresAt:            order.ExpiresAt,
		Version:              order.Version,
		id:                   order.ID,
	}
}

func (d orderDocument) toDomain() domain.Order {
	items := make([]domain.OrderItem, len(d.Items))
	for i, item := range d.Items {
		items[i] = domain.OrderItem{
			ProductID: item.ProductID,
			Name:      item.Name,
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
			Variant:   item.Variant,
			ImageURL:  item.ImageURL,
		}
	}

	events := make([]domain.TrackingEvent, len(d.TrackingEvents))
	for i, event := range d.TrackingEvents {
		events[i] = domain.TrackingEvent{
			Timestamp: event.Timestamp,
			Label:     event.Label,
			Location:  event.Location,
			Details:   event.Details,
		}
	}

	status := domain.OrderStatus{
		State:               domain.OrderState(d.Status.State),
		UpdatedAt:           d.Status.UpdatedAt,
		Details:             d.Status.Details,
		EstimatedDeliveryAt: d.Status.EstimatedDeliveryAt,
		ExchangeOrderID:     d.Status.ExchangeOrderID,
	}
	if d.Status.Refund != nil {
		status.Refund = &domain.Refund{
			Method: domain.RefundMethod(d.Status.Refund.Method),
			State:  domain.RefundState(d.Status.Refund.State),
			Amount: d.Status.Refund.Amount,
		}
	}

	return domain.Order{
		ID:            d.id,
		TrackingToken: d.TrackingToken,
		CustomerEmail: d.CustomerEmail,
		CustomerPhone: d.CustomerPhone,
		Items:         items,
		Amounts: domain.OrderAmounts{
			Subtotal: d.Amounts.Subtotal,
			Shipping: d.Amounts.Shipping,
			Tax:      d.Amounts.Tax,
			Discount: d.Amounts.Discount,
			Total:    d.Amounts.Total,
		},
		ShippingAddress: domain.Address{
			Recipient:  d.ShippingAddress.Recipient,
			Line1:      d.ShippingAddress.Line1,
			Line2:      d.ShippingAddress.Line2,
			City:       d.ShippingAddress.City,
			State:      d.ShippingAddress.State,
			PostalCode: d.ShippingAddress.PostalCode,
			Country:    d.ShippingAddress.Country,
			Phone:      d.ShippingAddress.Phone,
		},
		PaymentMethodLabel:   d.PaymentMethodLabel,
		ShippingMethod:       domain.ShippingMethod(d.ShippingMethod),
		Status:               status,
		TrackingEvents:       events,
		TrackingNumber:       d.TrackingNumber,
		CancellationDeadline: d.CancellationDeadline,
		LinkedToAccount:      d.LinkedToAccount,
		AccountCredit:        d.AccountCredit,
		CreatedAt:            d.CreatedAt,
		ExpiresAt:            d.ExpiresAt,
		Version:              d.Version,
	}
}
