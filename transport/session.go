// Package transport implements the crawler's outbound HTTP session: user
// agent rotation, proxy round-robin, jittered request delay, and retry with
// exponential backoff. Grounded on
// original_source/crawler/handlers/anti_crawler.py and session_manager.py,
// restructured around a real retrying http.RoundTripper
// (github.com/PuerkitoBio/rehttp) rather than a hand-rolled retry loop.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package transport

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/PuerkitoBio/rehttp"

	"github.com/NVIDIA/imgcrawld/cmn"
)

// defaultUserAgents mirrors anti_crawler.py's DEFAULT_USER_AGENTS: a small
// pool of current desktop browser strings, used when fake-useragent-style
// rotation is enabled but no custom list was configured.
var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:120.0) Gecko/20100101 Firefox/120.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Ubuntu; Linux x86_64; rv:120.0) Gecko/20100101 Firefox/120.0",
}

var acceptLanguages = []string{
	"en-US,en;q=0.9",
	"en-GB,en;q=0.9",
	"zh-CN,zh;q=0.9,en;q=0.8",
	"zh-CN,zh;q=0.8,en;q=0.7",
}

// Options configures a Session. Field names mirror cmn.AntiScraping so
// callers typically build one straight from cmn.Config.Crawler.AntiScraping.
type Options struct {
	UseRandomUserAgent bool
	CustomUserAgents   []string
	UseProxy           bool
	ProxyList          []string
	RandomDelay        bool
	MinDelay           time.Duration
	MaxDelay           time.Duration
	FixedDelay         time.Duration
	RandomizeHeaders   bool
	MaxRetries         int
	Timeout            time.Duration
}

func (o Options) withDefaults() Options {
	if o.MinDelay == 0 {
		o.MinDelay = 500 * time.Millisecond
	}
	if o.MaxDelay == 0 {
		o.MaxDelay = 3 * time.Second
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.Timeout == 0 {
		o.Timeout = 30 * time.Second
	}
	return o
}

// Session is a rotating-identity, rate-gated HTTP client. All requests
// issued through Get/Post/Head pass the delay gate and retry policy; nothing
// bypasses them, matching spec §4.2's "MUST each apply the delay gate".
type Session struct {
	opts Options

	client *http.Client

	mu              sync.Mutex
	lastRequestTime time.Time
	userAgents      []string
	proxyIdx        int
	rng             *rand.Rand
}

// New builds a Session. A closed or otherwise unusable underlying client is
// never reused across calls: the caller gets a fresh *http.Client each time
// New is invoked, matching the original's "recreate session if transport is
// closed" policy by construction rather than by runtime detection.
func New(opts Options) *Session {
	opts = opts.withDefaults()
	uas := opts.CustomUserAgents
	if len(uas) == 0 {
		uas = defaultUserAgents
	}

	base := &http.Transport{
		Proxy: perRequestProxy,
	}
	rt := rehttp.NewTransport(
		base,
		rehttp.RetryAll(
			rehttp.RetryMaxRetries(opts.MaxRetries),
			rehttp.RetryAny(
				rehttp.RetryTemporaryErr(),
				rehttp.RetryStatuses(429, 500, 502, 503, 504),
			),
		),
		rehttp.ExpJitterDelay(200*time.Millisecond, 10*time.Second),
	)

	return &Session{
		opts: opts,
		client: &http.Client{
			Transport: rt,
			Timeout:   opts.Timeout,
		},
		userAgents: uas,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *Session) pickUserAgent() string {
	if !s.opts.UseRandomUserAgent {
		return s.userAgents[0]
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userAgents[s.rng.Intn(len(s.userAgents))]
}

func (s *Session) pickProxy() string {
	if !s.opts.UseProxy || len(s.opts.ProxyList) == 0 {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.opts.ProxyList[s.proxyIdx%len(s.opts.ProxyList)]
	s.proxyIdx++
	return p
}

// gate enforces the min/max (or fixed) delay since the last request issued
// by this session, shared across every caller -- the same "last_request_time
// is session-global" semantics as anti_crawler.py's apply_delay.
func (s *Session) gate(ctx context.Context) error {
	s.mu.Lock()
	var wait time.Duration
	if !s.lastRequestTime.IsZero() {
		elapsed := time.Since(s.lastRequestTime)
		var delay time.Duration
		if s.opts.RandomDelay {
			span := s.opts.MaxDelay - s.opts.MinDelay
			if span < 0 {
				span = 0
			}
			delay = s.opts.MinDelay + time.Duration(s.rng.Int63n(int64(span)+1))
		} else if s.opts.FixedDelay > 0 {
			delay = s.opts.FixedDelay
		}
		if elapsed < delay {
			wait = delay - elapsed
		}
	}
	s.lastRequestTime = time.Now().Add(wait)
	s.mu.Unlock()

	if wait <= 0 {
		return nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) headers(target string) http.Header {
	h := http.Header{}
	h.Set("User-Agent", s.pickUserAgent())
	if u, err := url.Parse(target); err == nil && u.Scheme != "" && u.Host != "" {
		h.Set("Referer", fmt.Sprintf("%s://%s/", u.Scheme, u.Host))
	}
	if s.opts.RandomizeHeaders {
		h.Set("Accept-Language", acceptLanguages[s.rng.Intn(len(acceptLanguages))])
		if s.rng.Intn(2) == 0 {
			h.Set("DNT", "1")
		} else {
			h.Set("DNT", "0")
		}
	}
	return h
}

func (s *Session) do(ctx context.Context, method, target string) (*http.Response, error) {
	if err := s.gate(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", cmn.ErrTransport, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", cmn.ErrTransport, err)
	}
	req.Header = s.headers(target)

	if proxy := s.pickProxy(); proxy != "" {
		if proxyURL, perr := url.Parse(proxy); perr == nil {
			req = req.WithContext(context.WithValue(req.Context(), proxyContextKey{}, proxyURL))
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", cmn.ErrTransport, method, target, err)
	}
	return resp, nil
}

type proxyContextKey struct{}

// perRequestProxy reads a *url.URL previously stashed in the request
// context by do(), letting each request pick its own proxy from the
// session's round-robin list without mutating a shared *http.Transport.
func perRequestProxy(req *http.Request) (*url.URL, error) {
	if v := req.Context().Value(proxyContextKey{}); v != nil {
		if u, ok := v.(*url.URL); ok {
			return u, nil
		}
	}
	return nil, nil
}

// Get issues a GET request through the session's delay gate and retry
// policy.
func (s *Session) Get(ctx context.Context, target string) (*http.Response, error) {
	return s.do(ctx, http.MethodGet, target)
}

// Post issues a POST request through the session's delay gate and retry
// policy.
func (s *Session) Post(ctx context.Context, target string) (*http.Response, error) {
	return s.do(ctx, http.MethodPost, target)
}

// Head issues a HEAD request through the session's delay gate and retry
// policy. It is the primitive the downloader and urlx's deep classification
// use to resolve a Content-Type.
func (s *Session) Head(ctx context.Context, target string) (*http.Response, error) {
	return s.do(ctx, http.MethodHead, target)
}

// HeadContentType is a convenience wrapper matching the func(string)
// (string, error) shape urlx.IsImage expects for its deep-classification
// hook.
func (s *Session) HeadContentType(target string) (string, error) {
	resp, err := s.Head(context.Background(), target)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	return resp.Header.Get("Content-Type"), nil
}
