package probe

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hamed0406/devopsguardian/internal/domain"
)

// Expect holds the assertions applied to a response.
type Expect struct {
	Status      []int    `yaml:"expect_status" json:"expect_status"`
	Contains    []string `yaml:"contains" json:"contains"`
	NotContains []string `yaml:"not_contains" json:"not_contains"`
}

// Step is one request of a form or navigation script. Either URL or Link is
// set; Link is the text of an anchor on the previous page.
type Step struct {
	Name        string            `yaml:"name" json:"name"`
	Method      string            `yaml:"method" json:"method"`
	URL         string            `yaml:"url" json:"url"`
	Link        string            `yaml:"link" json:"link"`
	Headers     map[string]string `yaml:"headers" json:"headers"`
	Body        string            `yaml:"body" json:"body"`
	Form        map[string]string `yaml:"form" json:"form"`
	CarryHidden bool              `yaml:"carry_hidden" json:"carry_hidden"`
	Expect      `yaml:",inline"`
}

// Script is the descriptor behind a transaction target. A bare URL target is
// a Script with only URL set.
type Script struct {
	URL            string            `yaml:"url" json:"url"`
	Method         string            `yaml:"method" json:"method"`
	Headers        map[string]string `yaml:"headers" json:"headers"`
	Body           string            `yaml:"body" json:"body"`
	Steps          []Step            `yaml:"steps" json:"steps"`
	ExpectFinalURL string            `yaml:"expect_final_url" json:"expect_final_url"`
	Expect         `yaml:",inline"`
}

// ParseScript interprets a target. YAML is a superset of JSON so both
// descriptor styles decode the same way.
func ParseScript(target string) (*Script, error) {
	raw := strings.TrimSpace(target)
	if raw == "" {
		return nil, errors.New("empty target")
	}
	if !strings.ContainsAny(raw, "\n{") && isHTTPURL(raw) {
		return &Script{URL: raw}, nil
	}
	var s Script
	if err := yaml.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	if s.URL == "" && len(s.Steps) == 0 {
		return nil, errors.New("script needs url or steps")
	}
	if s.URL != "" && !isHTTPURL(s.URL) {
		return nil, fmt.Errorf("script url %q is not http(s)", s.URL)
	}
	for i, st := range s.Steps {
		if st.URL == "" && st.Link == "" {
			return nil, fmt.Errorf("step %d needs url or link", i+1)
		}
		if i == 0 && st.URL == "" && s.URL == "" {
			return nil, errors.New("first step needs a url")
		}
	}
	return &s, nil
}

// steps returns the request sequence; a script without steps is one step.
func (s *Script) steps() []Step {
	if len(s.Steps) > 0 {
		return s.Steps
	}
	return []Step{{Name: "request", Method: s.Method, URL: s.URL, Headers: s.Headers, Body: s.Body, Expect: s.Expect}}
}

// ValidateTarget checks that a transaction's target can be interpreted for
// its type.
func ValidateTarget(tx domain.Transaction) error {
	s, err := ParseScript(tx.Target)
	if err != nil {
		return &domain.ConfigurationError{TransactionID: tx.ID, Field: "target", Msg: "unparseable", Err: err}
	}
	switch tx.Type {
	case domain.TypeContent:
		if !s.hasMarkers() {
			return &domain.ConfigurationError{TransactionID: tx.ID, Field: "target", Msg: "content check needs contains or not_contains markers"}
		}
	case domain.TypeAPI:
		if len(s.Steps) > 0 {
			return &domain.ConfigurationError{TransactionID: tx.ID, Field: "target", Msg: "api check takes a single request, not steps"}
		}
	}
	return nil
}

func (s *Script) hasMarkers() bool {
	if len(s.Contains) > 0 || len(s.NotContains) > 0 {
		return true
	}
	for _, st := range s.Steps {
		if len(st.Contains) > 0 || len(st.NotContains) > 0 {
			return true
		}
	}
	return false
}

func (e Expect) check(name string, status int, body string) *CheckResult {
	if !statusOK(e.Status, status) {
		r := assertionFailed(name, status, "unexpected status %d", status)
		return &r
	}
	for _, m := range e.Contains {
		if !strings.Contains(body, m) {
			r := assertionFailed(name, status, "missing marker %q", m)
			return &r
		}
	}
	for _, m := range e.NotContains {
		if strings.Contains(body, m) {
			r := assertionFailed(name, status, "unexpected marker %q", m)
			return &r
		}
	}
	return nil
}

func statusOK(want []int, got int) bool {
	if len(want) == 0 {
		return got >= 200 && got < 400
	}
	for _, w := range want {
		if w == got {
			return true
		}
	}
	return false
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
