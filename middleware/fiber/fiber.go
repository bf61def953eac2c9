// Package fiber provides a Fiber webhook endpoint backed by a recon.Engine
package fiber

import (
	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/payrecon/pkg/recon"
)

const (
	DefaultSignatureHeader       = "X-Signature"
	DefaultMaxBodyBytes    int64 = 256 * 1024
)

// SignatureExtractor extracts the claimed payload signature from a Fiber context
type SignatureExtractor func(c *fiber.Ctx) string

// Config holds webhook handler configuration
type Config struct {
	// Engine reconciles verified events (required)
	Engine *recon.Engine

	// Verifier overrides the engine's configured verifier (optional)
	Verifier recon.Verifier

	// GetSignature extracts the signature (optional)
	// Default: FromHeader(DefaultSignatureHeader)
	GetSignature SignatureExtractor

	// MaxBodyBytes caps the request body. Fiber's own BodyLimit applies first.
	// Default: 256 KiB
	MaxBodyBytes int64

	// OnResult is called before the acknowledgment is written.
	// It should only set headers (c.Set) or log.
	OnResult func(c *fiber.Ctx, res recon.Result)
}

// Handler creates a Fiber handler that verifies, reconciles and acknowledges
// one webhook delivery per request.
func Handler(cfg Config) fiber.Handler {
	if cfg.Engine == nil {
		panic("payrecon/fiber: Config.Engine is required")
	}
	if cfg.GetSignature == nil {
		cfg.GetSignature = FromHeader(DefaultSignatureHeader)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}

	return func(c *fiber.Ctx) error {
		c.Set(fiber.HeaderCacheControl, "no-store")

		body := c.Body()
		if int64(len(body)) > cfg.MaxBodyBytes {
			return c.Status(fiber.StatusRequestEntityTooLarge).JSON(recon.AckBody{Error: "payload too large"})
		}

		ctx := c.UserContext()
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
		return c.Status(status).JSON(ack)
	}
}

// FromHeader returns a SignatureExtractor that reads a request header
func FromHeader(headerName string) SignatureExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}
