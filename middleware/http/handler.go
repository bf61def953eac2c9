// Package http provides a net/http webhook endpoint backed by a recon.Engine
package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/mihaimyh/payrecon/pkg/recon"
)

const (
	// DefaultSignatureHeader carries the hex HMAC-SHA256 of the raw body
	DefaultSignatureHeader = "X-Signature"

	// DefaultMaxBodyBytes bounds webhook payloads
	DefaultMaxBodyBytes int64 = 256 * 1024
)

// SignatureExtractor extracts the claimed payload signature from a request
type SignatureExtractor func(r *http.Request) string

// Config holds webhook handler configuration
type Config struct {
	// Engine reconciles verified events (required)
	Engine *recon.Engine

	// Verifier overrides the engine's configured verifier (optional)
	Verifier recon.Verifier

	// GetSignature extracts the signature (optional)
	// Default: FromHeader(DefaultSignatureHeader)
	GetSignature SignatureExtractor

	// MaxBodyBytes caps the request body. Default: 256 KiB
	MaxBodyBytes int64

	// OnResult is called before the acknowledgment is written.
	// It may set headers but must not write the body.
	OnResult func(w http.ResponseWriter, r *http.Request, res recon.Result)
}

// Handler creates an http.Handler that verifies, reconciles and acknowledges
// one webhook delivery per request.
func Handler(cfg Config) http.Handler {
	if cfg.Engine == nil {
		panic("payrecon/http: Config.Engine is required")
	}
	if cfg.GetSignature == nil {
		cfg.GetSignature = FromHeader(DefaultSignatureHeader)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeJSON(w, http.StatusMethodNotAllowed, recon.AckBody{Error: "method not allowed"})
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, cfg.MaxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeJSON(w, http.StatusRequestEntityTooLarge, recon.AckBody{Error: "payload too large"})
				return
			}
			writeJSON(w, http.StatusBadRequest, recon.AckBody{Error: "unreadable body"})
			return
		}

		res := process(r, cfg, body)
		if cfg.OnResult != nil {
			cfg.OnResult(w, r, res)
		}
		status, ack := recon.Acknowledge(res)
		writeJSON(w, status, ack)
	})
}

// HandlerFunc is Handler as an http.HandlerFunc
func HandlerFunc(cfg Config) http.HandlerFunc {
	return Handler(cfg).ServeHTTP
}

func process(r *http.Request, cfg Config, body []byte) recon.Result {
	sig := cfg.GetSignature(r)
	if cfg.Verifier != nil {
		return cfg.Engine.ProcessWith(r.Context(), cfg.Verifier, body, sig)
	}
	return cfg.Engine.Process(r.Context(), body, sig)
}

func writeJSON(w http.ResponseWriter, status int, body recon.AckBody) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// FromHeader returns a SignatureExtractor that reads a request header
func FromHeader(headerName string) SignatureExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}
