package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/JakeFAU/site-audit-scheduler/internal/audit"
)

type keyMaterial struct {
	URL        string           `json:"url"`
	Categories []string         `json:"categories"`
	FormFactor audit.FormFactor `json:"formFactor"`
	Throttling audit.Throttling `json:"throttling"`
}

// Key returns the content hash identifying params. URL casing, surrounding
// whitespace and category order do not affect the result.
func Key(params audit.ScanParams) string {
	m := keyMaterial{
		URL:        strings.ToLower(strings.TrimSpace(params.URL)),
		Categories: audit.NormalizeCategories(params.Categories),
		FormFactor: params.FormFactor,
		Throttling: params.Throttling,
	}
	if m.Categories == nil {
		m.Categories = []string{}
	}
	if m.FormFactor == "" {
		m.FormFactor = audit.DefaultFormFactor
	}
	if m.Throttling == "" {
		m.Throttling = audit.DefaultThrottling
	}
	// Marshalling a struct of strings cannot fail.
	raw, _ := json.Marshal(m)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
