package probe

import (
	"context"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/hamed0406/devopsguardian/internal/domain"
)

const defaultMaxBody = 1 << 20 // 1 MiB

// HTTPChecker carries the HTTP client shared by all checker types. It holds
// no per-attempt state; scripted checks derive their own client with a
// fresh cookie jar.
type HTTPChecker struct {
	Client    *http.Client
	MaxBody   int64
	UserAgent string
}

func NewHTTPChecker(timeout time.Duration) *HTTPChecker {
	return &HTTPChecker{
		Client:    &http.Client{Timeout: timeout},
		MaxBody:   defaultMaxBody,
		UserAgent: "devopsguardian-synthetic/1.0",
	}
}

type page struct {
	URL    *url.URL
	Status int
	Line   string
	Body   string
}

func (h *HTTPChecker) withJar() *http.Client {
	jar, _ := cookiejar.New(nil)
	return &http.Client{
		Timeout:   h.Client.Timeout,
		Transport: h.Client.Transport,
		Jar:       jar,
	}
}

func (h *HTTPChecker) fetch(ctx context.Context, client *http.Client, method, target string, headers map[string]string, body io.Reader, contentType string) (page, error) {
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), target, body)
	if err != nil {
		return page{}, err
	}
	if h.UserAgent != "" {
		req.Header.Set("User-Agent", h.UserAgent)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return page{}, err
	}
	defer resp.Body.Close()

	limit := h.MaxBody
	if limit <= 0 {
		limit = defaultMaxBody
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return page{}, err
	}
	return page{URL: resp.Request.URL, Status: resp.StatusCode, Line: resp.Status, Body: string(b)}, nil
}

// APIChecker issues one request and asserts on status and body.
type APIChecker struct {
	HTTP *HTTPChecker
}

func (a *APIChecker) Check(ctx context.Context, tx domain.Transaction) CheckResult {
	const name = "api"
	s, err := ParseScript(tx.Target)
	if err != nil {
		return assertionFailed(name, 0, "%v", err)
	}
	return a.HTTP.single(ctx, name, s, s.Expect)
}

func (h *HTTPChecker) single(ctx context.Context, name string, s *Script, exp Expect) CheckResult {
	var body io.Reader
	if s.Body != "" {
		body = strings.NewReader(s.Body)
	}
	start := time.Now()
	p, err := h.fetch(ctx, h.Client, s.Method, s.URL, s.Headers, body, "")
	latency := time.Since(start).Seconds() * 1000 // ms
	if err != nil {
		r := fromError(ctx, name, err)
		r.LatencyMS = latency
		return r
	}
	if bad := exp.check(name, p.Status, p.Body); bad != nil {
		bad.LatencyMS = latency
		bad.FinalURL = p.URL.String()
		return *bad
	}
	return CheckResult{
		Name:       name,
		Outcome:    domain.OutcomeSuccess,
		StatusCode: p.Status,
		LatencyMS:  latency,
		Message:    p.Line,
		FinalURL:   p.URL.String(),
	}
}
