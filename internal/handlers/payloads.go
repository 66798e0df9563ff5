package handlers

import (
	"strings"

	"github.com/stitchfield/orders-api/internal/domain"
)

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderListResponse struct {
	Items []orderSummaryPayload `json:"items"`
}

type orderSummaryPayload struct {
	ID             string `json:"id"`
	State          string `json:"state"`
	Total          int64  `json:"total"`
	ShippingMethod string `json:"shipping_method"`
	CreatedAt      string `json:"created_at"`
}

type orderPayload struct {
	ID                   string                 `json:"id"`
	TrackingNumber       string                 `json:"tracking_number,omitempty"`
	CustomerEmail        string                 `json:"customer_email"`
	CustomerPhone        string                 `json:"customer_phone,omitempty"`
	Items                []orderItemPayload     `json:"items"`
	Amounts              orderAmountsPayload    `json:"amounts"`
	ShippingAddress      addressPayload         `json:"shipping_address"`
	PaymentMethodLabel   string                 `json:"payment_method_label,omitempty"`
	ShippingMethod       string                 `json:"shipping_method"`
	Status               orderStatusPayload     `json:"status"`
	Timeline             []trackingEventPayload `json:"timeline"`
	CancellationDeadline string                 `json:"cancellation_deadline,omitempty"`
	LinkedToAccount      bool                   `json:"linked_to_account"`
	AccountCredit        int64                  `json:"account_credit,omitempty"`
	CreatedAt            string                 `json:"created_at"`
	ExpiresAt            string                 `json:"expires_at,omitempty"`
}

type orderItemPayload struct {
	ProductID string            `json:"product_id"`
	Name      string            `json:"name"`
	UnitPrice int64             `json:"unit_price"`
	Quantity  int               `json:"quantity"`
	Variant   map[string]string `json:"variant,omitempty"`
	ImageURL  string            `json:"image_url,omitempty"`
}

type orderAmountsPayload struct {
	Subtotal int64 `json:"subtotal"`
	Shipping int64 `json:"shipping"`
	Tax      int64 `json:"tax"`
	Discount int64 `json:"discount"`
	Total    int64 `json:"total"`
}

type addressPayload struct {
	Recipient  string `json:"recipient"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

type orderStatusPayload struct {
	State               string         `json:"state"`
	UpdatedAt           string         `json:"updated_at"`
	Details             string         `json:"details,omitempty"`
	EstimatedDeliveryAt string         `json:"estimated_delivery_at,omitempty"`
	Refund              *refundPayload `json:"refund,omitempty"`
	ExchangeOrderID     string         `json:"exchange_order_id,omitempty"`
}

type refundPayload struct {
	Method string `json:"method"`
	State  string `json:"state"`
	Amount int64  `json:"amount"`
}

type trackingEventPayload struct {
	Timestamp string `json:"timestamp"`
	Label     string `json:"label"`
	Location  string `json:"location,omitempty"`
	Details   string `json:"details,omitempty"`
}

func buildOrderSummary(order domain.Order) orderSummaryPayload {
	return orderSummaryPayload{
		ID:             order.ID,
		State:          string(order.Status.State),
		Total:          order.Amounts.Total,
		ShippingMethod: string(order.ShippingMethod),
		CreatedAt:      formatTime(order.CreatedAt),
	}
}

func buildOrderPayload(order domain.Order) orderPayload {
	payload := orderPayload{
		ID:                 order.ID,
		TrackingNumber:     order.TrackingNumber,
		CustomerEmail:      order.CustomerEmail,
		CustomerPhone:      order.CustomerPhone,
		Items:              make([]orderItemPayload, 0, len(order.Items)),
		PaymentMethodLabel: order.PaymentMethodLabel,
		ShippingMethod:     string(order.ShippingMethod),
		Amounts: orderAmountsPayload{
			Subtotal: order.Amounts.Subtotal,
			Shipping: order.Amounts.Shipping,
			Tax:      order.Amounts.Tax,
			Discount: order.Amounts.Discount,
			Total:    order.Amounts.Total,
		},
		ShippingAddress:      buildAddressPayload(order.ShippingAddress),
		Status:               buildOrderStatusPayload(order.Status),
		Timeline:             make([]trackingEventPayload, 0, len(order.TrackingEvents)),
		CancellationDeadline: formatTime(order.CancellationDeadline),
		LinkedToAccount:      order.LinkedToAccount,
		AccountCredit:        order.AccountCredit,
		CreatedAt:            formatTime(order.CreatedAt),
		ExpiresAt:            formatTime(order.ExpiresAt),
	}

	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			ProductID: item.ProductID,
			Name:      item.Name,
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
			Variant:   item.Variant,
			ImageURL:  item.ImageURL,
		})
	}
	for _, event := range order.TrackingEvents {
		payload.Timeline = append(payload.Timeline, trackingEventPayload{
			Timestamp: formatTime(event.Timestamp),
			Label:     event.Label,
			Location:  event.Location,
			Details:   event.Details,
		})
	}
	return payload
}

func buildAddressPayload(addr domain.Address) addressPayload {
	payload := addressPayload{
		Recipient:  strings.TrimSpace(addr.Recipient),
		Line1:      strings.TrimSpace(addr.Line1),
		City:       strings.TrimSpace(addr.City),
		PostalCode: strings.TrimSpace(addr.PostalCode),
		Country:    strings.TrimSpace(addr.Country),
	}
	if addr.Line2 != nil {
		payload.Line2 = strings.TrimSpace(*addr.Line2)
	}
	if addr.State != nil {
		payload.State = strings.TrimSpace(*addr.State)
	}
	if addr.Phone != nil {
		payload.Phone = strings.TrimSpace(*addr.Phone)
	}
	return payload
}

func buildOrderStatusPayload(status domain.OrderStatus) orderStatusPayload {
	payload := orderStatusPayload{
		State:               string(status.State),
		UpdatedAt:           formatTime(status.UpdatedAt),
		Details:             status.Details,
		EstimatedDeliveryAt: formatTimePointer(status.EstimatedDeliveryAt),
	}
	if status.Refund != nil {
		payload.Refund = &refundPayload{
			Method: string(status.Refund.Method),
			State:  string(status.Refund.State),
			Amount: status.Refund.Amount,
		}
	}
	if status.ExchangeOrderID != nil {
		payload.ExchangeOrderID = *status.ExchangeOrderID
	}
	return payload
}
