package publisher

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/araddon/dateparse"
	"github.com/pkg/errors"

	"github.com/Luismorlan/communitymux/protocol"
)

// ErrInvalidItem marks raw items that cannot be stored: no content at all, or
// nothing to identify them by.
var ErrInvalidItem = errors.New("invalid raw item")

const hashedIdPrefix = "sha256:"

// NormalizedItem is a raw item ready for the upsert.
type NormalizedItem struct {
	ExternalId        string
	ContentHash       string
	Title             string
	Body              string
	Author            string
	URL               string
	Upvotes           int
	CommentsCount     int
	ExternalCreatedAt *time.Time
}

func Normalize(raw protocol.RawItem) (NormalizedItem, error) {
	n := NormalizedItem{
		Title:         collapseSpaces(raw.Title),
		Body:          normalizeBody(raw.Body),
		Author:        strings.TrimSpace(raw.Author),
		URL:           strings.TrimSpace(raw.URL),
		Upvotes:       raw.Upvotes,
		CommentsCount: raw.CommentsCount,
	}
	if n.Title == "" && n.Body == "" {
		return n, errors.Wrap(ErrInvalidItem, "no title and no body")
	}
	platformId := strings.TrimSpace(raw.PlatformId)
	if platformId == "" && n.Title == "" {
		return n, errors.Wrap(ErrInvalidItem, "no platform id and no title")
	}

	timestampKey := ""
	if raw.CreatedAt != nil {
		t := raw.CreatedAt.UTC()
		n.ExternalCreatedAt = &t
	} else if raw.CreatedAtRaw != "" {
		if t, err := dateparse.ParseIn(strings.TrimSpace(raw.CreatedAtRaw), time.UTC); err == nil {
			t = t.UTC()
			n.ExternalCreatedAt = &t
		} else {
			// keep the unparsable text so the id still distinguishes items
			timestampKey = strings.TrimSpace(raw.CreatedAtRaw)
		}
	}
	if n.ExternalCreatedAt != nil {
		timestampKey = n.ExternalCreatedAt.Format(time.RFC3339)
	}

	if platformId != "" {
		n.ExternalId = platformId
	} else {
		n.ExternalId = hashedIdPrefix + sha256Hex(n.Title+"|"+n.Author+"|"+timestampKey)
	}
	n.ContentHash = ContentHash(n.Title, n.Body)
	return n, nil
}

// HashedIdentity reports whether the item had no platform id and is known by
// a hash of its title, author and timestamp.
func (n NormalizedItem) HashedIdentity() bool {
	return strings.HasPrefix(n.ExternalId, hashedIdPrefix)
}

// ContentHash fingerprints normalized title and body.
func ContentHash(title, body string) string {
	return sha256Hex(title + "\n" + body)
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// normalizeBody converts HTML bodies to text, then trims every line and
// collapses runs of blank lines.
func normalizeBody(body string) string {
	body = strings.TrimSpace(body)
	if looksLikeHTML(body) {
		if text, err := htmlToText(body); err == nil {
			body = text
		}
	}
	lines := strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n")
	out := []string{}
	blank := false
	for _, line := range lines {
		line = collapseSpaces(line)
		if line == "" {
			if len(out) > 0 {
				blank = true
			}
			continue
		}
		if blank {
			out = append(out, "")
			blank = false
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

func looksLikeHTML(s string) bool {
	return strings.HasPrefix(s, "<") && strings.Contains(s, ">")
}

func htmlToText(s string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return "", err
	}
	doc.Find("script, style").Remove()
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("p, div, li, h1, h2, h3, h4, h5, h6, pre, blockquote, tr").Each(func(_ int, sel *goquery.Selection) {
		sel.AppendHtml("\n\n")
	})
	return doc.Text(), nil
}
