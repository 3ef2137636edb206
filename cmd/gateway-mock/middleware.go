package main

import (
	"bytes"
	"io"
	"log"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"
)

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	body   *bytes.Buffer
}

func (lrw *loggingResponseWriter) WriteHeader(status int) {
	lrw.status = status
	lrw.ResponseWriter.WriteHeader(status)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lrw.status == 0 {
		lrw.status = http.StatusOK
	}
	lrw.body.Write(b)
	return lrw.ResponseWriter.Write(b)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var requestBody bytes.Buffer
		tee := io.TeeReader(r.Body, &requestBody)
		body, err := io.ReadAll(tee)
		if err != nil {
			log.Printf("Error reading request body: %v", err)
		}
		r.Body = io.NopCloser(&requestBody)
		log.Printf("Request %s %s: %s", r.Method, r.URL.RequestURI(), body)

		lrw := &loggingResponseWriter{ResponseWriter: w, body: &bytes.Buffer{}}
		next.ServeHTTP(lrw, r)

		log.Printf("Response %d: %s", lrw.status, strings.TrimSpace(lrw.body.String()))
	})
}

var (
	mu             sync.Mutex
	endpointCounts = make(map[string]int)
)

func countMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		mu.Lock()
		endpointCounts[key]++
		count := endpointCounts[key]
		mu.Unlock()

		log.Printf("Endpoint %s has been called %d times", key, count)
		next.ServeHTTP(w, r)
	})
}

// failureMiddleware fails the given share of requests with a 500 and delays the
// rest by up to maxDelay. Liveness checks are left alone.
func failureMiddleware(errorRate float64, maxDelay time.Duration, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/liveness" {
			next.ServeHTTP(w, r)
			return
		}
		if maxDelay > 0 {
			time.Sleep(time.Duration(rand.Int64N(int64(maxDelay))))
		}
		if rand.Float64() < errorRate {
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"error": map[string]string{
					"code":        "SERVER_ERROR",
					"description": "Internal Server Error",
					"message":     "Internal Server Error",
				},
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type storedResponse struct {
	status int
	body   []byte
}

type idempotencyCache struct {
	mu        sync.Mutex
	responses map[string]storedResponse
}

// idempotencyMiddleware answers a repeated Idempotency-Key with the response the
// key first produced, logging the duplicate. Only successful responses are kept.
func idempotencyMiddleware(next http.Handler) http.Handler {
	cache := &idempotencyCache{responses: make(map[string]storedResponse)}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if key == "" || r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}
		key = r.URL.Path + "|" + key

		cache.mu.Lock()
		stored, ok := cache.responses[key]
		cache.mu.Unlock()
		if ok {
			log.Printf("Duplicate idempotency key: %s", key)
			w.Header().Set("Content-Type", contentType)
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(stored.status)
			w.Write(stored.body)
			return
		}

		lrw := &loggingResponseWriter{ResponseWriter: w, body: &bytes.Buffer{}}
		next.ServeHTTP(lrw, r)
		if lrw.status >= 200 && lrw.status < 300 {
			cache.mu.Lock()
			cache.responses[key] = storedResponse{status: lrw.status, body: lrw.body.Bytes()}
			cache.mu.Unlock()
		}
	})
}
