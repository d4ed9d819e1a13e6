package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/hamed0406/devopsguardian/internal/domain"
)

// FormChecker runs a scripted multi-step interaction. Success iff every step
// completes and passes its assertions.
type FormChecker struct {
	HTTP *HTTPChecker
}

func (f *FormChecker) Check(ctx context.Context, tx domain.Transaction) CheckResult {
	const name = "form"
	s, err := ParseScript(tx.Target)
	if err != nil {
		return assertionFailed(name, 0, "%v", err)
	}
	return f.HTTP.runSteps(ctx, name, s)
}

// NavigationChecker follows a scripted path. Success iff every step passes
// and the final page matches ExpectFinalURL and the top-level assertions.
type NavigationChecker struct {
	HTTP *HTTPChecker
}

func (n *NavigationChecker) Check(ctx context.Context, tx domain.Transaction) CheckResult {
	const name = "navigation"
	s, err := ParseScript(tx.Target)
	if err != nil {
		return assertionFailed(name, 0, "%v", err)
	}
	res := n.HTTP.runSteps(ctx, name, s)
	if !res.Success() || s.ExpectFinalURL == "" {
		return res
	}
	if !sameURL(res.FinalURL, s.ExpectFinalURL) {
		bad := assertionFailed(name, res.StatusCode, "final url %s, want %s", res.FinalURL, s.ExpectFinalURL)
		bad.LatencyMS = res.LatencyMS
		bad.FinalURL = res.FinalURL
		return bad
	}
	return res
}

// runSteps executes the script's steps with a shared cookie jar. When the
// script has explicit steps, its top-level assertions apply to the final page.
func (h *HTTPChecker) runSteps(ctx context.Context, name string, s *Script) CheckResult {
	client := h.withJar()
	start := time.Now()
	steps := s.steps()

	var prev page
	for i, st := range steps {
		label := st.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i+1)
		}
		fail := func(r CheckResult) CheckResult {
			r.Name = name
			r.Message = fmt.Sprintf("step %s: %s", label, r.Message)
			r.LatencyMS = time.Since(start).Seconds() * 1000
			return r
		}

		target, err := resolveStep(st, prev, s.URL)
		if err != nil {
			return fail(assertionFailed(name, prev.Status, "%v", err))
		}

		method := st.Method
		var body io.Reader
		contentType := ""
		if len(st.Form) > 0 || st.CarryHidden {
			fields := url.Values{}
			if st.CarryHidden && prev.URL != nil {
				for k, v := range hiddenInputs(prev.Body) {
					fields.Set(k, v)
				}
			}
			for k, v := range st.Form {
				fields.Set(k, v)
			}
			if method == "" {
				method = http.MethodPost
			}
			body = strings.NewReader(fields.Encode())
			contentType = "application/x-www-form-urlencoded"
		} else if st.Body != "" {
			body = strings.NewReader(st.Body)
		}

		p, err := h.fetch(ctx, client, method, target, st.Headers, body, contentType)
		if err != nil {
			return fail(fromError(ctx, name, err))
		}
		if bad := st.Expect.check(name, p.Status, p.Body); bad != nil {
			bad.FinalURL = p.URL.String()
			return fail(*bad)
		}
		prev = p
	}

	latency := time.Since(start).Seconds() * 1000
	if len(s.Steps) > 0 {
		if bad := s.Expect.check(name, prev.Status, prev.Body); bad != nil {
			bad.LatencyMS = latency
			bad.FinalURL = prev.URL.String()
			return *bad
		}
	}
	return CheckResult{
		Name:       name,
		Outcome:    domain.OutcomeSuccess,
		StatusCode: prev.Status,
		LatencyMS:  latency,
		Message:    fmt.Sprintf("%d steps ok, last %s", len(steps), prev.Line),
		FinalURL:   prev.URL.String(),
	}
}

func resolveStep(st Step, prev page, base string) (string, error) {
	ref := st.URL
	if st.Link != "" {
		if prev.URL == nil {
			return "", fmt.Errorf("link %q has no previous page", st.Link)
		}
		href, ok := findLink(prev.Body, st.Link)
		if !ok {
			return "", fmt.Errorf("link %q not found on %s", st.Link, prev.URL)
		}
		ref = href
	}
	var from *url.URL
	if prev.URL != nil {
		from = prev.URL
	} else if base != "" {
		u, err := url.Parse(base)
		if err != nil {
			return "", err
		}
		from = u
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	if from != nil {
		u = from.ResolveReference(u)
	}
	if !u.IsAbs() {
		return "", fmt.Errorf("step url %q is not absolute", ref)
	}
	return u.String(), nil
}

// findLink returns the href of the first anchor whose text contains text
// (case-insensitive).
func findLink(body, text string) (string, bool) {
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return "", false
	}
	want := strings.ToLower(strings.TrimSpace(text))
	var href string
	var walk func(*html.Node) bool
	walk = func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.Data == "a" {
			if strings.Contains(strings.ToLower(strings.TrimSpace(nodeText(n))), want) {
				if v, ok := attr(n, "href"); ok {
					href = v
					return true
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if walk(c) {
				return true
			}
		}
		return false
	}
	return href, walk(doc)
}

func hiddenInputs(body string) map[string]string {
	out := map[string]string{}
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return out
	}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "input" {
			if t, _ := attr(n, "type"); strings.EqualFold(t, "hidden") {
				if name, ok := attr(n, "name"); ok && name != "" {
					v, _ := attr(n, "value")
					out[name] = v
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return out
}

func nodeText(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(nodeText(c))
	}
	return b.String()
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func sameURL(got, want string) bool {
	g, err1 := url.Parse(got)
	w, err2 := url.Parse(want)
	if err1 != nil || err2 != nil {
		return got == want
	}
	norm := func(u *url.URL) string {
		p := strings.TrimSuffix(u.Path, "/")
		s := strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host) + p
		if u.RawQuery != "" {
			s += "?" + u.RawQuery
		}
		return s
	}
	if !w.IsAbs() {
		return strings.TrimSuffix(g.Path, "/") == strings.TrimSuffix(w.Path, "/")
	}
	return norm(g) == norm(w)
}
