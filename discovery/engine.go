package discovery

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	. "github.com/Luismorlan/communitymux/utils/log"
)

const (
	DefaultMaxCandidatesPerTerm = 20
	DefaultSearchRetryDelay     = 500 * time.Millisecond
)

type Engine struct {
	proxy      SearchProxy
	maxPerTerm int
	retryDelay time.Duration
}

func NewEngine(proxy SearchProxy, maxPerTerm int, retryDelay time.Duration) *Engine {
	if maxPerTerm <= 0 {
		maxPerTerm = DefaultMaxCandidatesPerTerm
	}
	if retryDelay < 0 {
		retryDelay = DefaultSearchRetryDelay
	}
	return &Engine{proxy: proxy, maxPerTerm: maxPerTerm, retryDelay: retryDelay}
}

// TermCandidates lazily yields the candidates of one search term. The proxy
// is only called on the first Next, and Reset replays the same results
// without calling it again.
type TermCandidates struct {
	engine *Engine
	term   string

	fetched bool
	results []string
	err     error
	pos     int
}

func (e *Engine) Candidates(term string) *TermCandidates {
	return &TermCandidates{engine: e, term: term}
}

// Next returns the next canonical candidate id. ok is false once the term is
// exhausted or failed, in which case err reports the failure.
func (it *TermCandidates) Next(ctx context.Context) (id string, ok bool, err error) {
	if !it.fetched {
		it.results, it.err = it.engine.search(ctx, it.term)
		it.fetched = true
	}
	if it.err != nil {
		return "", false, it.err
	}
	if it.pos >= len(it.results) {
		return "", false, nil
	}
	id = it.results[it.pos]
	it.pos++
	return id, true, nil
}

func (it *TermCandidates) Reset() {
	it.pos = 0
}

func (it *TermCandidates) Term() string {
	return it.term
}

// search calls the proxy, retrying once after the fixed delay, and returns at
// most maxPerTerm distinct canonical ids.
func (e *Engine) search(ctx context.Context, term string) ([]string, error) {
	raw, err := e.proxy.Search(ctx, term)
	if err != nil {
		Log.WithField("term", term).Warnln("search failed, retrying once:", err)
		select {
		case <-ctx.Done():
			return nil, errors.Wrapf(ErrDiscoveryFailure, "term %q: %v", term, ctx.Err())
		case <-time.After(e.retryDelay):
		}
		raw, err = e.proxy.Search(ctx, term)
	}
	if err != nil {
		return nil, errors.Wrapf(ErrDiscoveryFailure, "term %q: %v", term, err)
	}

	seen := map[string]struct{}{}
	ids := []string{}
	for _, r := range raw {
		id := CanonicalCandidateId(r)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
		if len(ids) == e.maxPerTerm {
			break
		}
	}
	return ids, nil
}

// Discover runs every term and merges their candidates in term order,
// dropping ids already produced by an earlier term. Failed terms are returned
// in failures and never abort the other terms.
func (e *Engine) Discover(ctx context.Context, terms []string) (candidates []string, failures map[string]error) {
	seen := map[string]struct{}{}
	candidates = []string{}
	failures = map[string]error{}

	for _, term := range terms {
		if ctx.Err() != nil {
			failures[term] = errors.Wrap(ErrDiscoveryFailure, ctx.Err().Error())
			continue
		}
		it := e.Candidates(term)
		for {
			id, ok, err := it.Next(ctx)
			if err != nil {
				failures[term] = err
				Log.WithFields(logrus.Fields{"term": term}).Errorln("term skipped:", err)
				break
			}
			if !ok {
				break
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			candidates = append(candidates, id)
		}
	}
	return candidates, failures
}

// CanonicalCandidateId lower-cases an identifier and strips URL decoration so
// that "https://www.reddit.com/r/Camping/" and "r/camping" compare equal.
func CanonicalCandidateId(raw string) string {
	id := strings.ToLower(strings.TrimSpace(raw))
	for _, prefix := range []string{"https://", "http://"} {
		id = strings.TrimPrefix(id, prefix)
	}
	for _, host := range []string{"www.reddit.com/", "old.reddit.com/", "reddit.com/"} {
		id = strings.TrimPrefix(id, host)
	}
	id = strings.TrimPrefix(id, "/")
	if strings.HasPrefix(id, "r/") {
		// drop anything after the community name, like /comments/...
		parts := strings.SplitN(id, "/", 3)
		if len(parts) < 2 || parts[1] == "" {
			return ""
		}
		return "r/" + parts[1]
	}
	return strings.TrimSuffix(id, "/")
}
