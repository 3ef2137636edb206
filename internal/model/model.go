package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Gateway string

const (
	GatewayRazorpay Gateway = "RAZORPAY"
	GatewayStripe   Gateway = "STRIPE"
)

func (g Gateway) String() string {
	return string(g)
}

// Transaction is the locally-held record of one payment attempt. Amount and
// Currency never change after creation and gateway ids are assigned at most once.
type Transaction struct {
	ID               uuid.UUID       `json:"id"`
	UserID           string          `json:"userId"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	Status           Status          `json:"status"`
	Gateway          Gateway         `json:"gateway"`
	PaymentMethod    string          `json:"paymentMethod"`
	GatewayOrderID   *string         `json:"gatewayOrderId,omitempty"`
	GatewayPaymentID *string         `json:"gatewayPaymentId,omitempty"`
	ReceiptNumber    string          `json:"receiptNumber"`
	SubscriptionID   *uuid.UUID      `json:"subscriptionId,omitempty"`
	FailureReason    *string         `json:"failureReason,omitempty"`
	FailureCode      *string         `json:"failureCode,omitempty"`
	Version          int             `json:"version"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
	ProcessedAt      *time.Time      `json:"processedAt,omitempty"`
}

// GatewayReference returns the id the gateway knows this transaction by,
// preferring the payment id over the order id.
func (t Transaction) GatewayReference() string {
	if t.GatewayPaymentID != nil && *t.GatewayPaymentID != "" {
		return *t.GatewayPaymentID
	}
	if t.GatewayOrderID != nil {
		return *t.GatewayOrderID
	}
	return ""
}

// WebhookRecord is the persisted trail of one inbound gateway notification.
// At most one record per (Gateway, DedupKey) is ever Processed.
type WebhookRecord struct {
	ID                uuid.UUID  `json:"id"`
	Gateway           Gateway    `json:"gateway"`
	WebhookID         *string    `json:"webhookId,omitempty"`
	DedupKey          string     `json:"dedupKey"`
	EventType         string     `json:"eventType"`
	Payload           []byte     `json:"payload"`
	Signature         string     `json:"-"`
	SignatureVerified bool       `json:"signatureVerified"`
	Processed         bool       `json:"processed"`
	ProcessingError   *string    `json:"processingError,omitempty"`
	Attempts          int        `json:"attempts"`
	ReceivedAt        time.Time  `json:"receivedAt"`
	ProcessedAt       *time.Time `json:"processedAt,omitempty"`
}

type RefundStatus string

const (
	RefundStatusPending   RefundStatus = "PENDING"
	RefundStatusProcessed RefundStatus = "PROCESSED"
	RefundStatusFailed    RefundStatus = "FAILED"
)

// Counts reports whether a refund in this status consumes refundable amount.
func (s RefundStatus) Counts() bool {
	return s == RefundStatusPending || s == RefundStatusProcessed
}

// RefundRecord is derived from gateway refund responses; it is not stored locally.
type RefundRecord struct {
	ID            string          `json:"id"`
	TransactionID uuid.UUID       `json:"transactionId"`
	Amount        decimal.Decimal `json:"amount"`
	Status        RefundStatus    `json:"status"`
	CreatedAt     time.Time       `json:"createdAt"`
}

type SubscriptionStatus string

const (
	SubscriptionPending   SubscriptionStatus = "PENDING"
	SubscriptionActive    SubscriptionStatus = "ACTIVE"
	SubscriptionCancelled SubscriptionStatus = "CANCELLED"
)

type BillingInterval string

const (
	IntervalMonthly BillingInterval = "MONTHLY"
	IntervalYearly  BillingInterval = "YEARLY"
)

func (i BillingInterval) Advance(from time.Time) time.Time {
	if i == IntervalYearly {
		return from.AddDate(1, 0, 0)
	}
	return from.AddDate(0, 1, 0)
}

type Subscription struct {
	ID                    uuid.UUID          `json:"id"`
	UserID                string             `json:"userId"`
	PlanID                string             `json:"planId"`
	Gateway               Gateway            `json:"gateway"`
	GatewayCustomerID     *string            `json:"gatewayCustomerId,omitempty"`
	GatewaySubscriptionID *string            `json:"gatewaySubscriptionId,omitempty"`
	Interval              BillingInterval    `json:"interval"`
	Status                SubscriptionStatus `json:"status"`
	CurrentPeriodStart    *time.Time         `json:"currentPeriodStart,omitempty"`
	CurrentPeriodEnd      *time.Time         `json:"currentPeriodEnd,omitempty"`
	LastTransactionID     *uuid.UUID         `json:"lastTransactionId,omitempty"`
	NeedsAttention        bool               `json:"needsAttention"`
	LastError             *string            `json:"lastError,omitempty"`
	CreatedAt             time.Time          `json:"createdAt"`
	UpdatedAt             time.Time          `json:"updatedAt"`
}

type AuditEntry struct {
	ID         uuid.UUID         `json:"id"`
	EntityType string            `json:"entityType"`
	EntityID   string            `json:"entityId"`
	Action     string            `json:"action"`
	Outcome    string            `json:"outcome"`
	Details    map[string]string `json:"details,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

const (
	EntityTransaction  = "transaction"
	EntityWebhook      = "webhook"
	EntitySubscription = "subscription"
)
