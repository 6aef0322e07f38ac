package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"bq-gateway/internal/sqlguard"
)

// Fingerprint identifies a query by project, normalized SQL text and
// parameters. Queries differing only in whitespace, comments or keyword case
// share a fingerprint; parameter order never matters.
func Fingerprint(projectID, sql string, params map[string]interface{}) (string, error) {
	normalized, err := sqlguard.Normalize(sql)
	if err != nil {
		return "", err
	}
	// encoding/json writes map keys in sorted order.
	canonical, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("encode params: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(projectID))
	h.Write([]byte{0})
	h.Write([]byte(normalized))
	h.Write([]byte{0})
	if len(params) > 0 {
		h.Write(canonical)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
