package controllers

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/salespath/webhooklog/internal/pkg/env"
)

// ClientIP determines the client address for rate limiting. Proxy headers
// are only honoured with TRUST_PROXY_HEADERS=true, since any client can set them.
func ClientIP(c *fiber.Ctx) string {
	if env.GetEnv("TRUST_PROXY_HEADERS", "false") != "true" {
		return normalizeIP(c.IP())
	}

	// 1. Cloudflare provides the original client IP in this header
	if cfIP := strings.TrimSpace(c.Get("CF-Connecting-IP")); cfIP != "" {
		return normalizeIP(cfIP)
	}

	// 2. X-Forwarded-For can contain a list of IPs - the first one is the original client
	if xff := c.Get(fiber.HeaderXForwardedFor); xff != "" {
		if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
			return normalizeIP(first)
		}
	}

	if realIP := strings.TrimSpace(c.Get("X-Real-IP")); realIP != "" {
		return normalizeIP(realIP)
	}

	return normalizeIP(c.IP())
}

// normalizeIP unwraps IPv4-mapped IPv6 addresses (::ffff:192.168.1.1).
func normalizeIP(ip string) string {
	if strings.HasPrefix(ip, "::ffff:") && strings.Contains(ip, ".") {
		return strings.TrimPrefix(ip, "::ffff:")
	}
	return ip
}
