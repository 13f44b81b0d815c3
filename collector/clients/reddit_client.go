package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Luismorlan/communitymux/protocol"
	Logger "github.com/Luismorlan/communitymux/utils/log"
)

const (
	DefaultRedditBaseURL = "https://www.reddit.com"
	redditPageSize       = 100
	redditMaxPages       = 3
)

// PartialPageError is returned with the items of the pages fetched before a
// later page failed.
type PartialPageError struct {
	Pages int
	Err   error
}

func (e *PartialPageError) Error() string {
	return fmt.Sprintf("listing stopped after %d page(s): %v", e.Pages, e.Err)
}

func (e *PartialPageError) Unwrap() error {
	return e.Err
}

// RedditClient reads the public JSON listings of subreddits. It is the
// content source of the scrape loop and the profile source of the
// classifier.
type RedditClient struct {
	baseURL string
	http    *HttpClient
}

func NewRedditClient(baseURL string, client *HttpClient) *RedditClient {
	if baseURL == "" {
		baseURL = DefaultRedditBaseURL
	}
	if client == nil {
		client = NewDefaultHttpClient()
	}
	return &RedditClient{baseURL: strings.TrimSuffix(baseURL, "/"), http: client}
}

type redditListing struct {
	Kind string `json:"kind"`
	Data struct {
		After    string `json:"after"`
		Children []struct {
			Kind string     `json:"kind"`
			Data redditPost `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type redditPost struct {
	Id           string  `json:"id"`
	Title        string  `json:"title"`
	Selftext     string  `json:"selftext"`
	SelftextHTML string  `json:"selftext_html"`
	Author       string  `json:"author"`
	Permalink    string  `json:"permalink"`
	URL          string  `json:"url"`
	CreatedUTC   float64 `json:"created_utc"`
	Score        int     `json:"score"`
	NumComments  int     `json:"num_comments"`
}

type redditAbout struct {
	Kind string `json:"kind"`
	Data struct {
		DisplayName       string `json:"display_name"`
		Title             string `json:"title"`
		PublicDescription string `json:"public_description"`
		Subscribers       int    `json:"subscribers"`
		URL               string `json:"url"`
	} `json:"data"`
}

// subredditName turns "r/camping" into "camping".
func subredditName(platformId string) (string, error) {
	name := strings.TrimPrefix(strings.TrimSpace(platformId), "/")
	name = strings.TrimPrefix(name, "r/")
	if name == "" || strings.ContainsAny(name, "/?# ") {
		return "", errors.Wrapf(ErrNotFound, "invalid community identifier %q", platformId)
	}
	return name, nil
}

// FetchCommunityContent returns the newest posts of a community, newest
// first, stopping at the first post created before since. When a page after
// the first fails, the items read so far come back with a PartialPageError.
func (c *RedditClient) FetchCommunityContent(ctx context.Context, platformId string, since *time.Time) ([]protocol.RawItem, error) {
	name, err := subredditName(platformId)
	if err != nil {
		return nil, err
	}

	items := []protocol.RawItem{}
	after := ""
	for page := 0; page < redditMaxPages; page++ {
		params := map[string]string{"limit": fmt.Sprint(redditPageSize), "raw_json": "1"}
		if after != "" {
			params["after"] = after
		}
		var listing redditListing
		err := c.getJSON(ctx, fmt.Sprintf("%s/r/%s/new.json", c.baseURL, name), params, &listing)
		if err != nil {
			if page == 0 {
				return nil, err
			}
			return items, &PartialPageError{Pages: page, Err: err}
		}

		reachedSince := false
		for _, child := range listing.Data.Children {
			item := c.toRawItem(child.Data)
			if since != nil && item.CreatedAt != nil && item.CreatedAt.Before(*since) {
				reachedSince = true
				break
			}
			items = append(items, item)
		}
		if reachedSince || listing.Data.After == "" {
			break
		}
		after = listing.Data.After
	}

	Logger.Log.WithFields(logrus.Fields{"community": platformId, "items": len(items)}).Debug("fetched community content")
	return items, nil
}

// Describe returns the public profile of a community.
func (c *RedditClient) Describe(ctx context.Context, platformId string) (*protocol.CommunityProfile, error) {
	name, err := subredditName(platformId)
	if err != nil {
		return nil, err
	}
	var about redditAbout
	if err := c.getJSON(ctx, fmt.Sprintf("%s/r/%s/about.json", c.baseURL, name), map[string]string{"raw_json": "1"}, &about); err != nil {
		return nil, err
	}
	// unknown subreddits redirect to a search listing instead of a 404
	if about.Kind != "t5" {
		return nil, errors.Wrapf(ErrNotFound, "community %s", platformId)
	}
	displayName := about.Data.Title
	if displayName == "" {
		displayName = about.Data.DisplayName
	}
	return &protocol.CommunityProfile{
		PlatformId:   "r/" + strings.ToLower(about.Data.DisplayName),
		DisplayName:  displayName,
		Description:  about.Data.PublicDescription,
		URL:          c.baseURL + about.Data.URL,
		MembersCount: about.Data.Subscribers,
	}, nil
}

func (c *RedditClient) toRawItem(p redditPost) protocol.RawItem {
	item := protocol.RawItem{
		PlatformId:    p.Id,
		Title:         p.Title,
		Body:          p.Selftext,
		Author:        p.Author,
		URL:           p.URL,
		Upvotes:       p.Score,
		CommentsCount: p.NumComments,
	}
	if p.SelftextHTML != "" {
		item.Body = p.SelftextHTML
	}
	if p.Permalink != "" {
		item.URL = c.baseURL + p.Permalink
	}
	if p.Author == "[deleted]" {
		item.Author = ""
	}
	if p.CreatedUTC > 0 {
		sec, frac := math.Modf(p.CreatedUTC)
		t := time.Unix(int64(sec), int64(frac*1e9)).UTC()
		item.CreatedAt = &t
	}
	return item
}

func (c *RedditClient) getJSON(ctx context.Context, uri string, params map[string]string, out interface{}) error {
	res, err := c.http.GetWithQueryParams(ctx, uri, params)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if ct := res.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "json") {
		return errors.Wrapf(ErrUnavailable, "unexpected content type %q from %s", ct, uri)
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return errors.Wrapf(ErrUnavailable, "fail to decode %s: %v", uri, err)
	}
	return nil
}
