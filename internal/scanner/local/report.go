package local

import (
	"fmt"
	"time"

	"github.com/JakeFAU/site-audit-scheduler/internal/audit"
)

// pageMetrics is collected in the page by metricsScript.
type pageMetrics struct {
	Title            string  `json:"title"`
	MetaDescription  string  `json:"metaDescription"`
	Lang             string  `json:"lang"`
	HasViewport      bool    `json:"hasViewport"`
	HasDoctype       bool    `json:"hasDoctype"`
	Protocol         string  `json:"protocol"`
	Images           int     `json:"images"`
	ImagesWithoutAlt int     `json:"imagesWithoutAlt"`
	Links            int     `json:"links"`
	LinksWithoutText int     `json:"linksWithoutText"`
	TTFBMs           float64 `json:"ttfb"`
	FCPMs            float64 `json:"fcp"`
	DOMContentMs     float64 `json:"domContentLoaded"`
	LoadMs           float64 `json:"load"`
}

const metricsScript = `(() => {
  const nav = performance.getEntriesByType('navigation')[0] || {};
  const paint = performance.getEntriesByName('first-contentful-paint')[0];
  const imgs = Array.from(document.images);
  const links = Array.from(document.querySelectorAll('a[href]'));
  const desc = document.querySelector('meta[name="description"]');
  return {
    title: document.title || '',
    metaDescription: desc ? (desc.getAttribute('content') || '') : '',
    lang: document.documentElement.getAttribute('lang') || '',
    hasViewport: !!document.querySelector('meta[name="viewport"]'),
    hasDoctype: !!document.doctype,
    protocol: location.protocol,
    images: imgs.length,
    imagesWithoutAlt: imgs.filter(i => !i.hasAttribute('alt')).length,
    links: links.length,
    linksWithoutText: links.filter(a => !(a.textContent || '').trim() && !a.getAttribute('aria-label')).length,
    ttfb: nav.responseStart || 0,
    fcp: paint ? paint.startTime : 0,
    domContentLoaded: nav.domContentLoadedEventEnd || 0,
    load: nav.loadEventEnd || 0,
  };
})()`

var categoryTitles = map[string]string{
	audit.CategoryPerformance:   "Performance",
	audit.CategoryAccessibility: "Accessibility",
	audit.CategoryBestPractices: "Best Practices",
	audit.CategorySEO:           "SEO",
}

// buildReport scores the collected metrics for each requested category.
// A category score is the mean of its audit scores.
func buildReport(params audit.ScanParams, status int, m pageMetrics, now time.Time) audit.Report {
	report := audit.Report{
		URL:        params.URL,
		FetchTime:  now,
		Categories: make(map[string]audit.CategoryScore, len(params.Categories)),
		Audits:     make(map[string]audit.AuditResult),
	}
	for _, category := range params.Categories {
		results := auditsFor(category, status, m)
		if len(results) == 0 {
			continue
		}
		var total float64
		for _, r := range results {
			report.Audits[r.ID] = r
			total += *r.Score
		}
		report.Categories[category] = audit.CategoryScore{
			ID:    category,
			Title: categoryTitles[category],
			Score: round(total / float64(len(results))),
		}
	}
	return report
}

func auditsFor(category string, status int, m pageMetrics) []audit.AuditResult {
	switch category {
	case audit.CategoryPerformance:
		return []audit.AuditResult{
			timing("first-contentful-paint", "First Contentful Paint", m.FCPMs, 1800, 3000),
			timing("server-response-time", "Initial server response time", m.TTFBMs, 600, 1800),
			timing("interactive", "DOM content loaded", m.DOMContentMs, 2500, 7300),
			timing("load-time", "Page load time", m.LoadMs, 3000, 9000),
		}
	case audit.CategoryAccessibility:
		return []audit.AuditResult{
			check("html-has-lang", "<html> element has a [lang] attribute", m.Lang != ""),
			ratio("image-alt", "Image elements have [alt] attributes", m.Images, m.ImagesWithoutAlt),
			ratio("link-name", "Links have a discernible name", m.Links, m.LinksWithoutText),
		}
	case audit.CategoryBestPractices:
		return []audit.AuditResult{
			check("is-on-https", "Uses HTTPS", m.Protocol == "https:"),
			check("doctype", "Page has the HTML doctype", m.HasDoctype),
			statusCheck(status),
		}
	case audit.CategorySEO:
		return []audit.AuditResult{
			check("document-title", "Document has a <title> element", m.Title != ""),
			check("meta-description", "Document has a meta description", m.MetaDescription != ""),
			check("viewport", "Has a <meta name=\"viewport\"> tag", m.HasViewport),
		}
	default:
		return nil
	}
}

func check(id, title string, pass bool) audit.AuditResult {
	score := 0.0
	if pass {
		score = 1
	}
	return audit.AuditResult{ID: id, Title: title, Score: &score}
}

func ratio(id, title string, total, failing int) audit.AuditResult {
	score := 1.0
	if total > 0 {
		score = round(float64(total-failing) / float64(total))
	}
	value := float64(failing)
	return audit.AuditResult{
		ID:           id,
		Title:        title,
		Score:        &score,
		NumericValue: &value,
		DisplayValue: fmt.Sprintf("%d of %d failing", failing, total),
	}
}

func statusCheck(status int) audit.AuditResult {
	r := check("http-status-code", "Page has a successful HTTP status code", status > 0 && status < 400)
	value := float64(status)
	r.NumericValue = &value
	r.DisplayValue = fmt.Sprintf("%d", status)
	return r
}

// timing scores 1 at or under good, 0 at or over poor, linearly between.
func timing(id, title string, ms, good, poor float64) audit.AuditResult {
	var score float64
	switch {
	case ms <= good:
		score = 1
	case ms >= poor:
		score = 0
	default:
		score = round((poor - ms) / (poor - good))
	}
	value := ms
	return audit.AuditResult{
		ID:           id,
		Title:        title,
		Score:        &score,
		NumericValue: &value,
		DisplayValue: fmt.Sprintf("%.1f s", ms/1000),
	}
}

func round(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}
