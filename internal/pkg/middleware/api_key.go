package middleware

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/keyauth"
	"golang.org/x/crypto/bcrypt"

	"github.com/salespath/webhooklog/internal/pkg/env"
)

// KeyAdmin is set in Locals once a request presented a valid admin key.
const KeyAdmin = "ADMIN_AUTHENTICATED"

// LoadAdminKeyHashes reads the bcrypt hashes of accepted admin keys from
// ADMIN_API_KEY_HASHES.
func LoadAdminKeyHashes() [][]byte {
	var hashes [][]byte
	for _, h := range env.GetList("ADMIN_API_KEY_HASHES") {
		if _, err := bcrypt.Cost([]byte(h)); err != nil {
			log.Warnf("[Auth] Ignoring malformed admin key hash: %v", err)
			continue
		}
		hashes = append(hashes, []byte(h))
	}
	if len(hashes) == 0 {
		log.Warn("[Auth] No admin API keys configured, admin routes will reject every request")
	}
	return hashes
}

// AdminAPIKeyAuth authenticates admin requests carrying
// "Authorization: Bearer <key>" against the configured bcrypt hashes.
func AdminAPIKeyAuth(hashes [][]byte) fiber.Handler {
	return keyauth.New(keyauth.Config{
		KeyLookup:  "header:" + fiber.HeaderAuthorization,
		AuthScheme: "Bearer",
		Validator: func(c *fiber.Ctx, key string) (bool, error) {
			if matchAdminKey(hashes, strings.TrimSpace(key)) {
				c.Locals(KeyAdmin, true)
				return true, nil
			}
			return false, keyauth.ErrMissingOrMalformedAPIKey
		},
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			message := "Invalid API key"
			if errors.Is(err, keyauth.ErrMissingOrMalformedAPIKey) && c.Get(fiber.HeaderAuthorization) == "" {
				message = "Missing API key"
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": message})
		},
	})
}

func matchAdminKey(hashes [][]byte, key string) bool {
	if key == "" {
		return false
	}
	for _, h := range hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(key)) == nil {
			return true
		}
	}
	return false
}
