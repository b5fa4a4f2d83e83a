package paymentsync

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/chainbillhq/chainbill/internal/pkg/env"
)

// WebhookSecret resolves the shared secret for a provider's webhook
// deliveries. Per-provider secrets override the generic one.
func WebhookSecret(provider string) string {
	provider = strings.ToUpper(strings.TrimSpace(provider))
	if provider != "" {
		if s := env.GetEnv("SYNC_WEBHOOK_SECRET_"+provider, ""); s != "" {
			return s
		}
	}
	return env.GetEnv("SYNC_WEBHOOK_SECRET", "")
}

// VerifyWebhookSignature checks a hex-encoded HMAC-SHA256 signature over
// the raw request body. Missing signature or secret fails verification;
// the event is still recorded, just never applied.
func VerifyWebhookSignature(payload []byte, signatureHeader, webhookSecret string) bool {
	sig := strings.TrimSpace(signatureHeader)
	secret := strings.TrimSpace(webhookSecret)
	if sig == "" || secret == "" {
		return false
	}

	decodedSig, err := hex.DecodeString(strings.ToLower(sig))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), decodedSig)
}
