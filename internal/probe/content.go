package probe

import (
	"context"

	"github.com/hamed0406/devopsguardian/internal/domain"
)

// ContentChecker fetches a page and validates the presence and absence of
// markers in its body.
type ContentChecker struct {
	HTTP *HTTPChecker
}

func (c *ContentChecker) Check(ctx context.Context, tx domain.Transaction) CheckResult {
	const name = "content"
	s, err := ParseScript(tx.Target)
	if err != nil {
		return assertionFailed(name, 0, "%v", err)
	}
	if !s.hasMarkers() {
		return assertionFailed(name, 0, "no content markers configured")
	}
	if len(s.Steps) > 0 {
		return c.HTTP.runSteps(ctx, name, s)
	}
	return c.HTTP.single(ctx, name, s, s.Expect)
}
