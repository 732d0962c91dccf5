// Package audit defines core types shared across the scan orchestration subsystems.
package audit

import "time"

// FormFactor selects the emulated device class.
type FormFactor string

// Supported form factors.
const (
	FormFactorMobile  FormFactor = "mobile"
	FormFactorDesktop FormFactor = "desktop"
)

// Throttling selects the emulated network/CPU profile.
type Throttling string

// Supported throttling profiles.
const (
	ThrottlingMobile3G Throttling = "mobile3G"
	ThrottlingMobile4G Throttling = "mobile4G"
	ThrottlingDesktop  Throttling = "desktopDense4G"
	ThrottlingNone     Throttling = "none"
)

// Audit categories understood by the scanners.
const (
	CategoryPerformance   = "performance"
	CategoryAccessibility = "accessibility"
	CategoryBestPractices = "best-practices"
	CategorySEO           = "seo"
)

// DefaultCategories is applied when a request names no categories.
var DefaultCategories = []string{
	CategoryPerformance,
	CategoryAccessibility,
	CategoryBestPractices,
	CategorySEO,
}

// Mode selects which execution path a scan takes.
type Mode string

// Scan modes.
const (
	// ModeLocal runs the scan in a pooled local browser.
	ModeLocal Mode = "local"
	// ModeRemote delegates the scan to the hosted scanning API.
	ModeRemote Mode = "remote"
)

// Status is the lifecycle state shared by queue jobs and admission tickets.
type Status string

// Lifecycle states. Completed and failed are terminal.
const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ScanParams captures what the client asked to audit.
type ScanParams struct {
	URL        string     `json:"url"`
	Categories []string   `json:"categories,omitempty"`
	FormFactor FormFactor `json:"form_factor,omitempty"`
	Throttling Throttling `json:"throttling,omitempty"`
}

// Report is the scanner output for a single page.
type Report struct {
	URL        string                   `json:"url"`
	FetchTime  time.Time                `json:"fetch_time"`
	Categories map[string]CategoryScore `json:"categories"`
	Audits     map[string]AuditResult   `json:"audits"`
}

// CategoryScore is the aggregate score of one category in [0,1].
type CategoryScore struct {
	ID    string  `json:"id"`
	Title string  `json:"title"`
	Score float64 `json:"score"`
}

// AuditResult is a single check inside a category.
type AuditResult struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	Score        *float64 `json:"score"`
	DisplayValue string   `json:"display_value,omitempty"`
	NumericValue *float64 `json:"numeric_value,omitempty"`
}
