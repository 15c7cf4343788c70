package orchestrator

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/tjfontaine/casegen-gateway/internal/core/domain"
)

var errNoTestCases = errors.New("generation result contains no test cases")

// parseTestCases reads a generation answer. It accepts a bare JSON array or an
// object with a test_cases field, optionally inside a markdown code fence.
func parseTestCases(answer string) ([]domain.TestCase, error) {
	body := []byte(stripFence(answer))

	var cases []domain.TestCase
	if err := json.Unmarshal(body, &cases); err != nil {
		var wrapped struct {
			TestCases []domain.TestCase `json:"test_cases"`
		}
		if werr := json.Unmarshal(body, &wrapped); werr != nil {
			return nil, err
		}
		cases = wrapped.TestCases
	}
	if len(cases) == 0 {
		return nil, errNoTestCases
	}
	return cases, nil
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
