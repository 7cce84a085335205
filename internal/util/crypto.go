package util

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

const secretBytes = 32

// SignaturePrefix precedes the hex HMAC in X-Webhook-Signature.
const SignaturePrefix = "sha256="

// GenerateSecret returns 256 bits of randomness, hex encoded.
func GenerateSecret() (string, error) {
	bytes := make([]byte, secretBytes)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// SignPayload returns the X-Webhook-Signature value for body.
func SignPayload(secret string, timestamp string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write([]byte("."))
	h.Write(body)
	return SignaturePrefix + hex.EncodeToString(h.Sum(nil))
}

func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// MaskSecret keeps the first four characters so owners can tell secrets apart.
func MaskSecret(secret string) string {
	if len(secret) <= 4 {
		return "****"
	}
	return secret[:4] + "-****"
}
