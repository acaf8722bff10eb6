// Package links extracts and resolves [[wiki links]] between documents.
package links

import (
	"html"
	"regexp"
	"strings"

	"collabdocs/api/internal/content"
	"collabdocs/api/internal/store"
)

var (
	linkPattern = regexp.MustCompile(`\[\[([^\]]+)\]\]`)
	tagPattern  = regexp.MustCompile(`<[^>]*>`)
)

// StripHTML removes markup and decodes entities so link targets typed
// inside rich text compare cleanly against titles.
func StripHTML(s string) string {
	return html.UnescapeString(tagPattern.ReplaceAllString(s, ""))
}

// Extract returns the link targets found in the document's text
// blocks, deduplicated in first-seen order.
func Extract(blocks []store.Block) []string {
	seen := make(map[string]bool)
	targets := make([]string, 0)
	for _, b := range blocks {
		if b.Type != string(content.KindText) {
			continue
		}
		for _, m := range linkPattern.FindAllStringSubmatch(b.Content, -1) {
			target := strings.TrimSpace(StripHTML(m[1]))
			if target == "" {
				continue
			}
			key := strings.ToLower(target)
			if seen[key] {
				continue
			}
			seen[key] = true
			targets = append(targets, target)
		}
	}
	return targets
}

// Link is a resolved or dangling wiki link.
type Link struct {
	Target string `json:"target"`
	DocID  int64  `json:"docId,omitempty"`
	Slug   string `json:"slug,omitempty"`
}

// Resolve matches a raw target against the documents by title first,
// then slug, both case-insensitively. DocID zero marks a dangling link.
func Resolve(target string, docs []store.Document) Link {
	lowered := strings.ToLower(strings.TrimSpace(target))
	for _, d := range docs {
		if strings.ToLower(d.Title) == lowered {
			return Link{Target: target, DocID: d.ID, Slug: d.Slug}
		}
	}
	for _, d := range docs {
		if strings.ToLower(d.Slug) == lowered {
			return Link{Target: target, DocID: d.ID, Slug: d.Slug}
		}
	}
	return Link{Target: target}
}
