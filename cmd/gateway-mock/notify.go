package main

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"
)

// notifier posts gateway webhooks to the payment service, signed the way each
// provider signs them.
type notifier struct {
	url            string
	razorpaySecret string
	stripeSecret   string
	client         *http.Client
	now            func() time.Time
}

func newNotifier(url, razorpaySecret, stripeSecret string) *notifier {
	return &notifier{
		url:            url,
		razorpaySecret: razorpaySecret,
		stripeSecret:   stripeSecret,
		client:         &http.Client{Timeout: 5 * time.Second},
		now:            time.Now,
	}
}

func (n *notifier) razorpay(eventID string, payload map[string]any) {
	if n == nil || n.url == "" {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("Error encoding razorpay webhook: %v", err)
		return
	}
	headers := map[string]string{
		"X-Razorpay-Signature": sign(n.razorpaySecret, body),
		"X-Razorpay-Event-Id":  eventID,
	}
	go n.post(n.url+"/razorpay", body, headers)
}

func (n *notifier) stripe(payload map[string]any) {
	if n == nil || n.url == "" {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("Error encoding stripe webhook: %v", err)
		return
	}
	timestamp := strconv.FormatInt(n.now().Unix(), 10)
	signed := append([]byte(timestamp+"."), body...)
	headers := map[string]string{
		"Stripe-Signature": fmt.Sprintf("t=%s,v1=%s", timestamp, sign(n.stripeSecret, signed)),
	}
	go n.post(n.url+"/stripe", body, headers)
}

func (n *notifier) post(url string, body []byte, headers map[string]string) {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		log.Printf("Error building webhook request: %v", err)
		return
	}
	req.Header.Set("Content-Type", contentType)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		log.Printf("Error delivering webhook to %s: %v", url, err)
		return
	}
	defer resp.Body.Close()
	log.Printf("Webhook delivered to %s: %d", url, resp.StatusCode)
}

func sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
