package render

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Cleaner removes elements matching CSS selectors from rendered HTML, e.g.
// scripts that would re-run client side on top of the snapshot.
type Cleaner struct {
	selectors []string
}

// NewCleaner returns nil when there is nothing to strip.
func NewCleaner(selectors []string) *Cleaner {
	var kept []string
	for _, s := range selectors {
		if strings.TrimSpace(s) != "" {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return &Cleaner{selectors: kept}
}

// Clean parses html, drops matching nodes and serializes the document,
// doctype included.
func (c *Cleaner) Clean(html string) (string, error) {
	if c == nil {
		return html, nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("parse rendered html: %w", err)
	}
	for _, sel := range c.selectors {
		doc.Find(sel).Remove()
	}
	out, err := goquery.OuterHtml(doc.Selection)
	if err != nil {
		return "", fmt.Errorf("serialize rendered html: %w", err)
	}
	return out, nil
}
