package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// fingerprint derives the stable transaction identity. It is computed over
// the NORMALIZED fields, so two fetches of the same economic event always
// collide regardless of source formatting. The sequence index disambiguates
// genuinely identical rows within one fetch window (same amount, same
// description, same day).
func fingerprint(accountID string, n normalized, seqIndex int) string {
	signed := n.deposit.Sub(n.withdrawal)

	h := sha256.New()
	fmt.Fprint(h, strings.Join([]string{
		accountID,
		n.bookedOn.Format("2006-01-02"),
		n.bookedAt,
		signed.StringFixed(2),
		n.description,
		fmt.Sprintf("%d", seqIndex),
	}, "\x1f"))
	return hex.EncodeToString(h.Sum(nil))
}
