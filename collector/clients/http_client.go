package clients

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	Logger "github.com/Luismorlan/communitymux/utils/log"
)

var (
	// ErrNotFound marks resources that are gone for good: deleted, banned or
	// private communities.
	ErrNotFound = errors.New("resource not found")
	// ErrUnavailable marks failures worth retrying: network errors, timeouts,
	// throttling and 5xx responses.
	ErrUnavailable = errors.New("upstream unavailable")
)

const (
	defaultUserAgent  = "communitymux/1.0"
	maxLoggedBodySize = 512
)

type HttpClient struct {
	header  http.Header
	cookies []http.Cookie

	client *http.Client
}

func NewDefaultHttpClient() *HttpClient {
	return NewHttpClient(http.Header{}, []http.Cookie{})
}

func NewHttpClient(header http.Header, cookies []http.Cookie) *HttpClient {
	if header.Get("User-Agent") == "" {
		header.Set("User-Agent", defaultUserAgent)
	}
	return &HttpClient{header: header, cookies: cookies, client: &http.Client{Timeout: 60 * time.Second}}
}

func (c *HttpClient) Post(ctx context.Context, uri string, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return c.do(req)
}

func (c *HttpClient) Get(ctx context.Context, uri string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

// This method takes in an additional map from query key to query value, which
// will be appended to query uri as ?${KEY}=${VALUE}
func (c *HttpClient) GetWithQueryParams(ctx context.Context, uri string, params map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}
	q := req.URL.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	req.URL.RawQuery = q.Encode()
	return c.do(req)
}

// do sends the request and classifies failures as ErrNotFound or
// ErrUnavailable. A nil error always comes with a 2XX response whose body the
// caller must close.
func (c *HttpClient) do(req *http.Request) (*http.Response, error) {
	for k, values := range c.header {
		if req.Header.Get(k) != "" {
			continue
		}
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	for i := range c.cookies {
		req.AddCookie(&c.cookies[i])
	}

	res, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(ErrUnavailable, "%s %s: %v", req.Method, req.URL.Redacted(), err)
	}
	if !IsNon200HttpResponse(res) {
		return res, nil
	}

	defer res.Body.Close()
	MaybeLogNon200HttpError(res)
	statusErr := fmt.Errorf("%s %s: http status %d", req.Method, req.URL.Redacted(), res.StatusCode)
	switch {
	case res.StatusCode == http.StatusNotFound, res.StatusCode == http.StatusForbidden, res.StatusCode == http.StatusGone:
		return nil, errors.Wrap(ErrNotFound, statusErr.Error())
	case res.StatusCode == http.StatusTooManyRequests, res.StatusCode == http.StatusRequestTimeout, res.StatusCode >= 500:
		return nil, errors.Wrap(ErrUnavailable, statusErr.Error())
	}
	return nil, statusErr
}

// Log http response if the error code is not 2XX
func MaybeLogNon200HttpError(res *http.Response) {
	if IsNon200HttpResponse(res) {
		Logger.Log.Warnf("non-200 http code: %d", res.StatusCode)
		LogHttpResponseBody(res)
	}
}

func IsNon200HttpResponse(res *http.Response) bool {
	return res.StatusCode >= 300
}

func LogHttpResponseBody(res *http.Response) {
	body, err := io.ReadAll(io.LimitReader(res.Body, maxLoggedBodySize))
	if err == nil {
		Logger.Log.Debugln("response body is: ", string(body))
	}
}
