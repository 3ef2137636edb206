package main

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// declinedMethod is the payment method that makes confirmation fail.
const declinedMethod = "pm_card_chargeDeclined"

type stripeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

type stripeIntent struct {
	ID               string            `json:"id"`
	Object           string            `json:"object"`
	Amount           int64             `json:"amount"`
	AmountReceived   int64             `json:"amount_received"`
	Currency         string            `json:"currency"`
	Status           string            `json:"status"`
	ClientSecret     string            `json:"client_secret"`
	Customer         string            `json:"customer,omitempty"`
	PaymentMethod    string            `json:"payment_method,omitempty"`
	LatestCharge     string            `json:"latest_charge,omitempty"`
	LastPaymentError *stripeError      `json:"last_payment_error"`
	Metadata         map[string]string `json:"metadata"`
	Created          int64             `json:"created"`
}

type stripeCharge struct {
	ID             string        `json:"id"`
	Object         string        `json:"object"`
	PaymentIntent  string        `json:"payment_intent"`
	Amount         int64         `json:"amount"`
	AmountCaptured int64         `json:"amount_captured"`
	AmountRefunded int64         `json:"amount_refunded"`
	Currency       string        `json:"currency"`
	Status         string        `json:"status"`
	Captured       bool          `json:"captured"`
	Refunded       bool          `json:"refunded"`
	Refunds        stripeRefunds `json:"refunds"`
}

type stripeRefund struct {
	ID            string            `json:"id"`
	Object        string            `json:"object"`
	PaymentIntent string            `json:"payment_intent"`
	Charge        string            `json:"charge"`
	Amount        int64             `json:"amount"`
	Currency      string            `json:"currency"`
	Status        string            `json:"status"`
	Metadata      map[string]string `json:"metadata"`
	Created       int64             `json:"created"`
}

type stripeRefunds struct {
	Object  string         `json:"object"`
	Data    []stripeRefund `json:"data"`
	HasMore bool           `json:"has_more"`
}

func refundList(items []stripeRefund) stripeRefunds {
	if items == nil {
		items = []stripeRefund{}
	}
	return stripeRefunds{Object: "list", Data: items}
}

// stripeAPI keeps payment intents, their charges and refunds in memory.
type stripeAPI struct {
	mu       sync.Mutex
	seq      int
	intents  map[string]*stripeIntent
	charges  map[string]*stripeCharge
	refunds  map[string][]stripeRefund
	notifier *notifier
}

func newStripe(n *notifier) *stripeAPI {
	return &stripeAPI{
		intents:  make(map[string]*stripeIntent),
		charges:  make(map[string]*stripeCharge),
		refunds:  make(map[string][]stripeRefund),
		notifier: n,
	}
}

func (a *stripeAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /stripe/v1/payment_intents", a.createIntent)
	mux.HandleFunc("GET /stripe/v1/payment_intents/{id}", a.getIntent)
	mux.HandleFunc("POST /stripe/v1/payment_intents/{id}/confirm", a.confirm)
	mux.HandleFunc("POST /stripe/v1/payment_intents/{id}/capture", a.capture)
	mux.HandleFunc("GET /stripe/v1/charges/{id}", a.getCharge)
	mux.HandleFunc("POST /stripe/v1/refunds", a.refund)
	mux.HandleFunc("GET /stripe/v1/refunds", a.listRefunds)
	mux.HandleFunc("POST /stripe/v1/customers", a.createCustomer)
	mux.HandleFunc("POST /stripe/v1/subscriptions", a.createSubscription)
	mux.HandleFunc("DELETE /stripe/v1/subscriptions/{id}", a.cancelSubscription)
}

func (a *stripeAPI) nextID(prefix string) string {
	a.seq++
	return fmt.Sprintf("%s%016d", prefix, a.seq)
}

func stripeFailure(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": stripeError{Code: code, Message: message, Type: "invalid_request_error"},
	})
}

func metadata(r *http.Request) map[string]string {
	md := map[string]string{}
	for key, values := range r.PostForm {
		if name, ok := strings.CutPrefix(key, "metadata["); ok && len(values) > 0 {
			md[strings.TrimSuffix(name, "]")] = values[0]
		}
	}
	return md
}

func (a *stripeAPI) createIntent(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		stripeFailure(w, http.StatusBadRequest, "parameter_invalid", "invalid form body")
		return
	}
	amount, err := strconv.ParseInt(r.PostForm.Get("amount"), 10, 64)
	if err != nil || amount <= 0 || r.PostForm.Get("currency") == "" {
		stripeFailure(w, http.StatusBadRequest, "parameter_missing", "amount and currency are required")
		return
	}

	a.mu.Lock()
	id := a.nextID("pi_")
	intent := &stripeIntent{
		ID:           id,
		Object:       "payment_intent",
		Amount:       amount,
		Currency:     r.PostForm.Get("currency"),
		Status:       "requires_payment_method",
		ClientSecret: id + "_secret_" + strconv.Itoa(a.seq),
		Customer:     r.PostForm.Get("customer"),
		Metadata:     metadata(r),
		Created:      time.Now().Unix(),
	}
	a.intents[id] = intent
	created := *intent
	a.mu.Unlock()

	writeJSON(w, http.StatusOK, created)
}

func (a *stripeAPI) getIntent(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	intent, ok := a.intents[r.PathValue("id")]
	var found stripeIntent
	if ok {
		found = *intent
	}
	a.mu.Unlock()

	if !ok {
		stripeFailure(w, http.StatusNotFound, "resource_missing", "No such payment_intent")
		return
	}
	writeJSON(w, http.StatusOK, found)
}

// confirm authorizes the intent for manual capture, or declines it when the
// payment method is declinedMethod.
func (a *stripeAPI) confirm(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		stripeFailure(w, http.StatusBadRequest, "parameter_invalid", "invalid form body")
		return
	}

	a.mu.Lock()
	intent, ok := a.intents[r.PathValue("id")]
	if !ok {
		a.mu.Unlock()
		stripeFailure(w, http.StatusNotFound, "resource_missing", "No such payment_intent")
		return
	}
	if intent.Status != "requires_payment_method" && intent.Status != "requires_confirmation" {
		a.mu.Unlock()
		stripeFailure(w, http.StatusBadRequest, "payment_intent_unexpected_state",
			"This PaymentIntent's status is "+intent.Status)
		return
	}

	method := r.PostForm.Get("payment_method")
	intent.PaymentMethod = method
	event := "payment_intent.amount_capturable_updated"
	if method == declinedMethod {
		intent.Status = "requires_payment_method"
		intent.LastPaymentError = &stripeError{Code: "card_declined", Message: "Your card was declined."}
		event = "payment_intent.payment_failed"
	} else {
		intent.Status = "requires_capture"
		intent.LastPaymentError = nil
	}
	confirmed := *intent
	a.mu.Unlock()

	a.notify(event, confirmed)
	writeJSON(w, http.StatusOK, confirmed)
}

func (a *stripeAPI) capture(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	intent, ok := a.intents[r.PathValue("id")]
	if !ok {
		a.mu.Unlock()
		stripeFailure(w, http.StatusNotFound, "resource_missing", "No such payment_intent")
		return
	}
	if intent.Status != "requires_capture" {
		a.mu.Unlock()
		stripeFailure(w, http.StatusBadRequest, "payment_intent_unexpected_state",
			"This PaymentIntent could not be captured because it has a status of "+intent.Status)
		return
	}

	c := &stripeCharge{
		ID:             a.nextID("ch_"),
		Object:         "charge",
		PaymentIntent:  intent.ID,
		Amount:         intent.Amount,
		AmountCaptured: intent.Amount,
		Currency:       intent.Currency,
		Status:         "succeeded",
		Captured:       true,
		Refunds:        refundList(nil),
	}
	a.charges[c.ID] = c
	intent.Status = "succeeded"
	intent.AmountReceived = intent.Amount
	intent.LatestCharge = c.ID
	captured := *intent
	a.mu.Unlock()

	a.notify("payment_intent.succeeded", captured)
	writeJSON(w, http.StatusOK, captured)
}

func (a *stripeAPI) getCharge(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	c, ok := a.charges[r.PathValue("id")]
	var found stripeCharge
	if ok {
		found = *c
	}
	a.mu.Unlock()

	if !ok {
		stripeFailure(w, http.StatusNotFound, "resource_missing", "No such charge")
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (a *stripeAPI) refund(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		stripeFailure(w, http.StatusBadRequest, "parameter_invalid", "invalid form body")
		return
	}

	a.mu.Lock()
	c, ok := a.chargeFor(r.PostForm.Get("payment_intent"), r.PostForm.Get("charge"))
	if !ok {
		a.mu.Unlock()
		stripeFailure(w, http.StatusBadRequest, "resource_missing", "No captured charge to refund")
		return
	}
	remaining := c.Amount - c.AmountRefunded
	amount := remaining
	if raw := r.PostForm.Get("amount"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			a.mu.Unlock()
			stripeFailure(w, http.StatusBadRequest, "parameter_invalid_integer", "Invalid amount")
			return
		}
		amount = parsed
	}
	if amount > remaining || remaining == 0 {
		a.mu.Unlock()
		stripeFailure(w, http.StatusBadRequest, "charge_already_refunded",
			"Refund amount is greater than the unrefunded amount on the charge")
		return
	}

	rf := stripeRefund{
		ID:            a.nextID("re_"),
		Object:        "refund",
		PaymentIntent: c.PaymentIntent,
		Charge:        c.ID,
		Amount:        amount,
		Currency:      c.Currency,
		Status:        "succeeded",
		Metadata:      metadata(r),
		Created:       time.Now().Unix(),
	}
	a.refunds[c.PaymentIntent] = append(a.refunds[c.PaymentIntent], rf)
	c.AmountRefunded += amount
	c.Refunded = c.AmountRefunded == c.Amount
	c.Refunds = refundList(append([]stripeRefund{rf}, c.Refunds.Data...))
	refunded := *c
	a.mu.Unlock()

	a.notify("charge.refunded", refunded)
	writeJSON(w, http.StatusOK, rf)
}

// chargeFor finds the captured charge of an intent, or the charge itself.
func (a *stripeAPI) chargeFor(intentID, chargeID string) (*stripeCharge, bool) {
	if chargeID != "" {
		c, ok := a.charges[chargeID]
		return c, ok
	}
	intent, ok := a.intents[intentID]
	if !ok || intent.LatestCharge == "" {
		return nil, false
	}
	c, ok := a.charges[intent.LatestCharge]
	return c, ok
}

func (a *stripeAPI) listRefunds(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	intentID := r.URL.Query().Get("payment_intent")
	if chargeID := r.URL.Query().Get("charge"); chargeID != "" {
		if c, ok := a.charges[chargeID]; ok {
			intentID = c.PaymentIntent
		}
	}
	items := append([]stripeRefund(nil), a.refunds[intentID]...)
	a.mu.Unlock()

	writeJSON(w, http.StatusOK, refundList(items))
}

func (a *stripeAPI) createCustomer(w http.ResponseWriter, _ *http.Request) {
	a.mu.Lock()
	id := a.nextID("cus_")
	a.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "object": "customer"})
}

func (a *stripeAPI) createSubscription(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil || r.PostForm.Get("customer") == "" {
		stripeFailure(w, http.StatusBadRequest, "parameter_missing", "Missing required param: customer")
		return
	}
	a.mu.Lock()
	id := a.nextID("sub_")
	a.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "object": "subscription", "status": "incomplete"})
}

func (a *stripeAPI) cancelSubscription(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"id": r.PathValue("id"), "object": "subscription", "status": "canceled"})
}

func (a *stripeAPI) notify(event string, object any) {
	a.mu.Lock()
	eventID := a.nextID("evt_")
	a.mu.Unlock()

	a.notifier.stripe(map[string]any{
		"id":      eventID,
		"object":  "event",
		"type":    event,
		"created": time.Now().Unix(),
		"data":    map[string]any{"object": object},
	})
}
