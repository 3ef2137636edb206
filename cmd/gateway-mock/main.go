// Command gateway-mock serves in-memory stand-ins for the Razorpay and Stripe
// REST APIs under /razorpay and /stripe, and posts signed webhooks back to the
// payment service when payments and refunds change state.
package main

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"payment-service/internal/config"
)

const contentType = "application/json"

type settings struct {
	port           string
	errorRate      float64
	maxDelay       time.Duration
	webhookURL     string
	razorpaySecret string
	stripeSecret   string
}

func loadSettings() settings {
	errorRate, err := strconv.ParseFloat(config.GetString("MOCK_ERROR_RATE", "0"), 64)
	if err != nil {
		log.Printf("Invalid MOCK_ERROR_RATE, failures disabled: %v", err)
		errorRate = 0
	}
	return settings{
		port:           config.GetString("MOCK_PORT", "8085"),
		errorRate:      errorRate,
		maxDelay:       time.Duration(config.GetInt("MOCK_MAX_DELAY_MS", 0)) * time.Millisecond,
		webhookURL:     config.GetString("MOCK_WEBHOOK_URL", "http://localhost:8080/webhooks"),
		razorpaySecret: config.GetString("GATEWAYS_RAZORPAY_WEBHOOK_SECRET", "rzp_mock_secret"),
		stripeSecret:   config.GetString("GATEWAYS_STRIPE_WEBHOOK_SECRET", "whsec_mock_secret"),
	}
}

func newHandler(s settings, n *notifier) http.Handler {
	mux := http.NewServeMux()
	newRazorpay(n).register(mux)
	newStripe(n).register(mux)
	mux.HandleFunc("GET /liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return loggingMiddleware(countMiddleware(failureMiddleware(s.errorRate, s.maxDelay, idempotencyMiddleware(mux))))
}

func main() {
	s := loadSettings()
	n := newNotifier(s.webhookURL, s.razorpaySecret, s.stripeSecret)

	log.Printf("Gateway mock listening on :%s, error rate %.2f", s.port, s.errorRate)
	log.Fatal(http.ListenAndServe(":"+s.port, newHandler(s, n)))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}
