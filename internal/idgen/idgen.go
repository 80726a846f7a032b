// Package idgen provides cryptographically random ID generation.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

const orderNoAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// New generates a UUID-like random ID (32 hex chars with dashes).
func New() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:])
}

// WithPrefix generates a random ID with a prefix (e.g. "ent_", "qta_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}

// OrderNo generates a merchant order number: ORD + 14-digit timestamp +
// 6 random chars from an unambiguous alphabet. This is the business key
// sent to the payment gateway as out_trade_no.
func OrderNo(now time.Time) string {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	suffix := make([]byte, 6)
	for i, v := range b {
		suffix[i] = orderNoAlphabet[int(v)%len(orderNoAlphabet)]
	}
	return "ORD" + now.Format("20060102150405") + string(suffix)
}
