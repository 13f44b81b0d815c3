package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/pkg/errors"
)

const DefaultSerpEndpoint = "https://api.brightdata.com/request"

var subredditLink = regexp.MustCompile(`(?i)reddit\.com/r/([a-z0-9_]{2,21})`)

// SerpClient searches Google through a Bright Data SERP zone and keeps the
// subreddits linked from the results.
type SerpClient struct {
	endpoint string
	apiKey   string
	zone     string
	http     *HttpClient
}

func NewSerpClient(endpoint, apiKey, zone string, client *HttpClient) *SerpClient {
	if endpoint == "" {
		endpoint = DefaultSerpEndpoint
	}
	if client == nil {
		client = NewDefaultHttpClient()
	}
	return &SerpClient{endpoint: endpoint, apiKey: apiKey, zone: zone, http: client}
}

type serpRequest struct {
	Zone   string `json:"zone"`
	URL    string `json:"url"`
	Format string `json:"format"`
}

type serpResponse struct {
	Organic []struct {
		Link  string `json:"link"`
		Title string `json:"title"`
	} `json:"organic"`
}

func googleSearchURL(term string) string {
	q := url.Values{}
	q.Set("q", "site:reddit.com/r "+term)
	q.Set("gl", "us")
	q.Set("hl", "en")
	// ask the proxy for parsed JSON results
	q.Set("brd_json", "1")
	return "https://www.google.com/search?" + q.Encode()
}

// Search returns "r/<name>" identifiers in result order. The proxy answers
// with parsed JSON, or with the raw result page when parsing is unavailable.
func (c *SerpClient) Search(ctx context.Context, term string) ([]string, error) {
	payload, err := json.Marshal(serpRequest{Zone: c.zone, URL: googleSearchURL(term), Format: "raw"})
	if err != nil {
		return nil, err
	}
	res, err := c.postAuthorized(ctx, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, errors.Wrapf(ErrUnavailable, "fail to read search results: %v", err)
	}

	links := []string{}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var parsed serpResponse
		if err := json.Unmarshal(trimmed, &parsed); err != nil {
			return nil, errors.Wrapf(ErrUnavailable, "fail to decode search results: %v", err)
		}
		for _, r := range parsed.Organic {
			links = append(links, r.Link)
		}
	} else {
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
		if err != nil {
			return nil, errors.Wrapf(ErrUnavailable, "fail to parse search page: %v", err)
		}
		doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
			href, _ := s.Attr("href")
			links = append(links, href)
		})
	}
	return SubredditsFromLinks(links), nil
}

func (c *SerpClient) postAuthorized(ctx context.Context, body io.Reader) (*http.Response, error) {
	header := c.http.header.Clone()
	header.Set("Authorization", "Bearer "+c.apiKey)
	authorized := &HttpClient{header: header, cookies: c.http.cookies, client: c.http.client}
	return authorized.Post(ctx, c.endpoint, "application/json", body)
}

// SubredditsFromLinks extracts distinct "r/<name>" identifiers, lower-cased,
// keeping the order of first appearance.
func SubredditsFromLinks(links []string) []string {
	seen := map[string]struct{}{}
	ids := []string{}
	for _, link := range links {
		m := subredditLink.FindStringSubmatch(link)
		if m == nil {
			continue
		}
		id := "r/" + strings.ToLower(m[1])
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}
