// Package echo provides an Echo webhook endpoint backed by a recon.Engine
package echo

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/payrecon/pkg/recon"
)

const (
	DefaultSignatureHeader       = "X-Signature"
	DefaultMaxBodyBytes    int64 = 256 * 1024
)

// SignatureExtractor extracts the claimed payload signature from an Echo context
type SignatureExtractor func(c echo.Context) string

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
	// It should only set headers (c.Response().Header().Set) or log.
	OnResult func(c echo.Context, res recon.Result)
}

// Handler creates an Echo handler that verifies, reconciles and acknowledges
// one webhook delivery per request.
func Handler(cfg Config) echo.HandlerFunc {
	if cfg.Engine == nil {
		panic("payrecon/echo: Config.Engine is required")
	}
	if cfg.GetSignature == nil {
		cfg.GetSignature = FromHeader(DefaultSignatureHeader)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}

	return func(c echo.Context) error {
		c.Response().Header().Set("Cache-Control", "no-store")

		req := c.Request()
		body, err := io.ReadAll(http.MaxBytesReader(c.Response(), req.Body, cfg.MaxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return c.JSON(http.StatusRequestEntityTooLarge, recon.AckBody{Error: "payload too large"})
			}
			return c.JSON(http.StatusBadRequest, recon.AckBody{Error: "unreadable body"})
		}

		sig := cfg.GetSignature(c)
		var res recon.Result
		if cfg.Verifier != nil {
			res = cfg.Engine.ProcessWith(req.Context(), cfg.Verifier, body, sig)
		} else {
			res = cfg.Engine.Process(req.Context(), body, sig)
		}

		if cfg.OnResult != nil {
			cfg.OnResult(c, res)
		}
		status, ack := recon.Acknowledge(res)
		return c.JSON(status, ack)
	}
}

// FromHeader returns a SignatureExtractor that reads a request header
func FromHeader(headerName string) SignatureExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}
