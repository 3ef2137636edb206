package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

type rzpOrder struct {
	ID         string            `json:"id"`
	Entity     string            `json:"entity"`
	Amount     int64             `json:"amount"`
	AmountPaid int64             `json:"amount_paid"`
	Currency   string            `json:"currency"`
	Receipt    string            `json:"receipt"`
	Status     string            `json:"status"`
	Notes      map[string]string `json:"notes"`
	CreatedAt  int64             `json:"created_at"`
}

type rzpPayment struct {
	ID               string  `json:"id"`
	Entity           string  `json:"entity"`
	OrderID          string  `json:"order_id"`
	Amount           int64   `json:"amount"`
	AmountRefunded   int64   `json:"amount_refunded"`
	Currency         string  `json:"currency"`
	Status           string  `json:"status"`
	Method           string  `json:"method"`
	ErrorCode        *string `json:"error_code"`
	ErrorDescription *string `json:"error_description"`
	CreatedAt        int64   `json:"created_at"`
}

type rzpRefund struct {
	ID        string `json:"id"`
	Entity    string `json:"entity"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Receipt   string `json:"receipt,omitempty"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"created_at"`
}

type rzpCollection[T any] struct {
	Entity string `json:"entity"`
	Count  int    `json:"count"`
	Items  []T    `json:"items"`
}

func collectionOf[T any](items []T) rzpCollection[T] {
	if items == nil {
		items = []T{}
	}
	return rzpCollection[T]{Entity: "collection", Count: len(items), Items: items}
}

// razorpayAPI keeps orders, payments and refunds in memory. Orders are paid
// through the mock-only checkout endpoint, which stands in for the customer.
type razorpayAPI struct {
	mu       sync.Mutex
	seq      int
	orders   map[string]*rzpOrder
	payments map[string]*rzpPayment
	refunds  map[string][]rzpRefund
	notifier *notifier
}

func newRazorpay(n *notifier) *razorpayAPI {
	return &razorpayAPI{
		orders:   make(map[string]*rzpOrder),
		payments: make(map[string]*rzpPayment),
		refunds:  make(map[string][]rzpRefund),
		notifier: n,
	}
}

func (a *razorpayAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /razorpay/v1/orders", a.createOrder)
	mux.HandleFunc("GET /razorpay/v1/orders/{id}", a.getOrder)
	mux.HandleFunc("GET /razorpay/v1/orders/{id}/payments", a.orderPayments)
	mux.HandleFunc("POST /razorpay/checkout/{id}", a.checkout)
	mux.HandleFunc("GET /razorpay/v1/payments/{id}", a.getPayment)
	mux.HandleFunc("POST /razorpay/v1/payments/{id}/capture", a.capture)
	mux.HandleFunc("POST /razorpay/v1/payments/{id}/refund", a.refund)
	mux.HandleFunc("GET /razorpay/v1/payments/{id}/refunds", a.listRefunds)
	mux.HandleFunc("POST /razorpay/v1/customers", a.createCustomer)
	mux.HandleFunc("POST /razorpay/v1/subscriptions", a.createSubscription)
	mux.HandleFunc("POST /razorpay/v1/subscriptions/{id}/cancel", a.cancelSubscription)
}

func (a *razorpayAPI) nextID(prefix string) string {
	a.seq++
	return fmt.Sprintf("%s%014d", prefix, a.seq)
}

func razorpayError(w http.ResponseWriter, status int, description string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": "BAD_REQUEST_ERROR", "description": description},
	})
}

func (a *razorpayAPI) createOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount   int64             `json:"amount"`
		Currency string            `json:"currency"`
		Receipt  string            `json:"receipt"`
		Notes    map[string]string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Amount <= 0 || req.Currency == "" {
		razorpayError(w, http.StatusBadRequest, "amount and currency are required")
		return
	}

	a.mu.Lock()
	o := &rzpOrder{
		ID:        a.nextID("order_"),
		Entity:    "order",
		Amount:    req.Amount,
		Currency:  req.Currency,
		Receipt:   req.Receipt,
		Status:    "created",
		Notes:     req.Notes,
		CreatedAt: time.Now().Unix(),
	}
	a.orders[o.ID] = o
	created := *o
	a.mu.Unlock()

	writeJSON(w, http.StatusOK, created)
}

func (a *razorpayAPI) getOrder(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	o, ok := a.orders[r.PathValue("id")]
	var found rzpOrder
	if ok {
		found = *o
	}
	a.mu.Unlock()

	if !ok {
		razorpayError(w, http.StatusNotFound, "The id provided does not exist")
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (a *razorpayAPI) orderPayments(w http.ResponseWriter, r *http.Request) {
	orderID := r.PathValue("id")
	a.mu.Lock()
	_, ok := a.orders[orderID]
	var items []rzpPayment
	for _, p := range a.payments {
		if p.OrderID == orderID {
			items = append(items, *p)
		}
	}
	a.mu.Unlock()

	if !ok {
		razorpayError(w, http.StatusNotFound, "The id provided does not exist")
		return
	}
	writeJSON(w, http.StatusOK, collectionOf(items))
}

// checkout pays an order: ?outcome=failed produces a failed payment, anything
// else an authorized one. The matching webhook follows.
func (a *razorpayAPI) checkout(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	o, ok := a.orders[r.PathValue("id")]
	if !ok {
		a.mu.Unlock()
		razorpayError(w, http.StatusNotFound, "The id provided does not exist")
		return
	}

	p := &rzpPayment{
		ID:        a.nextID("pay_"),
		Entity:    "payment",
		OrderID:   o.ID,
		Amount:    o.Amount,
		Currency:  o.Currency,
		Status:    "authorized",
		Method:    "card",
		CreatedAt: time.Now().Unix(),
	}
	event := "payment.authorized"
	if r.URL.Query().Get("outcome") == "failed" {
		code, description := "BAD_REQUEST_ERROR", "Payment declined by the issuing bank"
		p.Status = "failed"
		p.ErrorCode = &code
		p.ErrorDescription = &description
		event = "payment.failed"
	}
	o.Status = "attempted"
	a.payments[p.ID] = p
	paid := *p
	a.mu.Unlock()

	a.notify(event, paid, nil)
	writeJSON(w, http.StatusOK, paid)
}

func (a *razorpayAPI) getPayment(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	p, ok := a.payments[r.PathValue("id")]
	var found rzpPayment
	if ok {
		found = *p
	}
	a.mu.Unlock()

	if !ok {
		razorpayError(w, http.StatusNotFound, "The id provided does not exist")
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (a *razorpayAPI) capture(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	p, ok := a.payments[r.PathValue("id")]
	if !ok {
		a.mu.Unlock()
		razorpayError(w, http.StatusNotFound, "The id provided does not exist")
		return
	}
	if p.Status != "authorized" {
		a.mu.Unlock()
		razorpayError(w, http.StatusBadRequest, "This payment has already been captured")
		return
	}
	p.Status = "captured"
	if o, ok := a.orders[p.OrderID]; ok {
		o.Status = "paid"
		o.AmountPaid = p.Amount
	}
	captured := *p
	a.mu.Unlock()

	a.notify("payment.captured", captured, nil)
	writeJSON(w, http.StatusOK, captured)
}

func (a *razorpayAPI) refund(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount  int64  `json:"amount"`
		Receipt string `json:"receipt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		razorpayError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	a.mu.Lock()
	p, ok := a.payments[r.PathValue("id")]
	if !ok {
		a.mu.Unlock()
		razorpayError(w, http.StatusNotFound, "The id provided does not exist")
		return
	}
	remaining := p.Amount - p.AmountRefunded
	amount := req.Amount
	if amount <= 0 {
		amount = remaining
	}
	if p.Status != "captured" && p.Status != "refunded" {
		a.mu.Unlock()
		razorpayError(w, http.StatusBadRequest, "Only captured payments can be refunded")
		return
	}
	if amount > remaining {
		a.mu.Unlock()
		razorpayError(w, http.StatusBadRequest, "The refund amount provided is greater than amount captured")
		return
	}

	rf := rzpRefund{
		ID:        a.nextID("rfnd_"),
		Entity:    "refund",
		PaymentID: p.ID,
		Amount:    amount,
		Currency:  p.Currency,
		Receipt:   req.Receipt,
		Status:    "processed",
		CreatedAt: time.Now().Unix(),
	}
	a.refunds[p.ID] = append(a.refunds[p.ID], rf)
	p.AmountRefunded += amount
	if p.AmountRefunded == p.Amount {
		p.Status = "refunded"
	}
	refunded := *p
	a.mu.Unlock()

	a.notify("refund.processed", refunded, &rf)
	writeJSON(w, http.StatusOK, rf)
}

func (a *razorpayAPI) listRefunds(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	items := append([]rzpRefund(nil), a.refunds[r.PathValue("id")]...)
	a.mu.Unlock()
	writeJSON(w, http.StatusOK, collectionOf(items))
}

func (a *razorpayAPI) createCustomer(w http.ResponseWriter, _ *http.Request) {
	a.mu.Lock()
	id := a.nextID("cust_")
	a.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "entity": "customer"})
}

func (a *razorpayAPI) createSubscription(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PlanID string `json:"plan_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PlanID == "" {
		razorpayError(w, http.StatusBadRequest, "The plan id field is required")
		return
	}
	a.mu.Lock()
	id := a.nextID("sub_")
	a.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "entity": "subscription", "plan_id": req.PlanID, "status": "created"})
}

func (a *razorpayAPI) cancelSubscription(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"id": r.PathValue("id"), "entity": "subscription", "status": "cancelled"})
}

func (a *razorpayAPI) notify(event string, p rzpPayment, rf *rzpRefund) {
	payload := map[string]any{"payment": map[string]any{"entity": p}}
	if rf != nil {
		payload["refund"] = map[string]any{"entity": rf}
	}

	a.mu.Lock()
	eventID := a.nextID("evt_")
	a.mu.Unlock()

	a.notifier.razorpay(eventID, map[string]any{
		"entity":     "event",
		"event":      event,
		"contains":   []string{"payment"},
		"payload":    payload,
		"created_at": time.Now().Unix(),
	})
}
