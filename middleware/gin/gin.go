// Package gin provides a Gin webhook endpoint backed by a recon.Engine
package gin

import (
	"errors"
	"io"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/payrecon/pkg/recon"
)

const (
	DefaultSignatureHeader       = "X-Signature"
	DefaultMaxBodyBytes    int64 = 256 * 1024
)

// SignatureExtractor extracts the claimed payload signature from a Gin context
type SignatureExtractor func(c *gongin.Context) string

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
	//
	// IMPORTANT: This function should ONLY set headers (c.Header) or log.
	// Do NOT write to the response body.
	OnResult func(c *gongin.Context, res recon.Result)
}

// Handler creates a Gin handler that verifies, reconciles and acknowledges
// one webhook delivery per request.
func Handler(cfg Config) gongin.HandlerFunc {
	if cfg.Engine == nil {
		panic("payrecon/gin: Config.Engine is required")
	}
	if cfg.GetSignature == nil {
		cfg.GetSignature = FromHeader(DefaultSignatureHeader)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}

	return func(c *gongin.Context) {
		c.Header("Cache-Control", "no-store")

		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, cfg.MaxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, recon.AckBody{Error: "payload too large"})
				return
			}
			c.AbortWithStatusJSON(http.StatusBadRequest, recon.AckBody{Error: "unreadable body"})
			return
		}

		ctx := c.Request.Context()
		sig := cfg.GetSignature(c)
		var res recon.Result
		if cfg.Verifier != nil {
			res = cfg.Engine.ProcessWith(ctx, cfg.Verifier, body, sig)
		} else {
			res = cfg.Engine.Process(ctx, body, sig)
		}

		if cfg.OnResult != nil {
			cfg.OnResult(c, res)
		}
		status, ack := recon.Acknowledge(res)
		c.JSON(status, ack)
	}
}

// FromHeader returns a SignatureExtractor that reads a request header
func FromHeader(headerName string) SignatureExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}
