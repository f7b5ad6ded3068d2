// Package bot decides whether an inbound request comes from a crawler.
package bot

import (
	"fmt"
	"net/http"

	"github.com/x-way/crawlerdetect"
)

// Mode selects how requests are classified.
type Mode string

// Classification modes.
const (
	ModeAuto   Mode = "auto"
	ModeAlways Mode = "true"
	ModeNever  Mode = "false"
)

// Classifier reports whether a request is from a bot.
type Classifier struct {
	mode Mode
}

// New builds a Classifier for mode.
func New(mode string) (*Classifier, error) {
	switch Mode(mode) {
	case ModeAuto, ModeAlways, ModeNever:
		return &Classifier{mode: Mode(mode)}, nil
	case "":
		return &Classifier{mode: ModeAuto}, nil
	default:
		return nil, fmt.Errorf("unknown bot mode %q", mode)
	}
}

// IsBot classifies r. In auto mode the User-Agent header is matched against
// known crawler signatures.
func (c *Classifier) IsBot(r *http.Request) bool {
	switch c.mode {
	case ModeAlways:
		return true
	case ModeNever:
		return false
	default:
		return IsCrawlerAgent(r.UserAgent())
	}
}

// IsCrawlerAgent reports whether userAgent belongs to a known crawler.
func IsCrawlerAgent(userAgent string) bool {
	if userAgent == "" {
		return false
	}
	return crawlerdetect.IsCrawler(userAgent)
}
