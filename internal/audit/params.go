package audit

import (
	"net/url"
	"slices"
	"strings"
)

// DefaultFormFactor and DefaultThrottling apply when a request leaves them empty.
const (
	DefaultFormFactor = FormFactorMobile
	DefaultThrottling = ThrottlingMobile4G
)

var knownCategories = map[string]struct{}{
	CategoryPerformance:   {},
	CategoryAccessibility: {},
	CategoryBestPractices: {},
	CategorySEO:           {},
}

// WithDefaults returns a copy with trimmed URL, deduplicated sorted categories,
// and default form factor/throttling. An empty category list becomes DefaultCategories.
func (p ScanParams) WithDefaults() ScanParams {
	out := ScanParams{
		URL:        strings.TrimSpace(p.URL),
		FormFactor: p.FormFactor,
		Throttling: p.Throttling,
	}
	out.Categories = NormalizeCategories(p.Categories)
	if len(out.Categories) == 0 {
		out.Categories = slices.Clone(DefaultCategories)
		slices.Sort(out.Categories)
	}
	if out.FormFactor == "" {
		out.FormFactor = DefaultFormFactor
	}
	if out.Throttling == "" {
		out.Throttling = DefaultThrottling
	}
	return out
}

// NormalizeCategories lower-cases, trims, deduplicates and sorts category ids.
func NormalizeCategories(categories []string) []string {
	if len(categories) == 0 {
		return nil
	}
	out := make([]string, 0, len(categories))
	for _, c := range categories {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		out = append(out, c)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Validate rejects parameters no scanner could run.
func (p ScanParams) Validate() error {
	raw := strings.TrimSpace(p.URL)
	if raw == "" {
		return &ValidationError{Field: "url", Reason: "required"}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return &ValidationError{Field: "url", Reason: "unparseable"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ValidationError{Field: "url", Reason: "scheme must be http or https"}
	}
	if u.Hostname() == "" {
		return &ValidationError{Field: "url", Reason: "host required"}
	}
	for _, c := range NormalizeCategories(p.Categories) {
		if _, ok := knownCategories[c]; !ok {
			return &ValidationError{Field: "categories", Reason: "unknown category " + c}
		}
	}
	switch p.FormFactor {
	case "", FormFactorMobile, FormFactorDesktop:
	default:
		return &ValidationError{Field: "form_factor", Reason: "must be mobile or desktop"}
	}
	switch p.Throttling {
	case "", ThrottlingMobile3G, ThrottlingMobile4G, ThrottlingDesktop, ThrottlingNone:
	default:
		return &ValidationError{Field: "throttling", Reason: "unknown profile " + string(p.Throttling)}
	}
	return nil
}

// ParseMode maps a request string onto a Mode, defaulting to local.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ModeLocal:
		return ModeLocal, nil
	case ModeRemote:
		return ModeRemote, nil
	default:
		return "", &ValidationError{Field: "mode", Reason: "must be local or remote"}
	}
}
