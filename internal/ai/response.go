package ai

import (
	"strings"

	"github.com/goccy/go-json"
	"github.com/m-mizutani/goerr/v2"
)

// ErrUnparseableResponse is returned when the model answer is not a valid response document.
var ErrUnparseableResponse = goerr.New("unparseable synthesis response")

// ParseResponse decodes a model answer. A missing type is inferred from the units;
// a no_units answer drops any units it carries.
func ParseResponse(text string) (*Response, error) {
	body := stripCodeFence(text)
	if body == "" {
		return nil, goerr.Wrap(ErrUnparseableResponse, "empty response")
	}

	var resp Response
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return nil, goerr.Wrap(ErrUnparseableResponse, err.Error(), goerr.V("response", truncate(body, 500)))
	}

	switch resp.Type {
	case "":
		if len(resp.Units) > 0 {
			resp.Type = ResponseUnits
		} else {
			resp.Type = ResponseNoUnits
		}
	case ResponseUnits:
	case ResponseNoUnits:
		resp.Units = nil
	default:
		return nil, goerr.Wrap(ErrUnparseableResponse, "unknown response type", goerr.V("type", resp.Type))
	}
	return &resp, nil
}

// stripCodeFence removes a surrounding ``` or ```json fence.
func stripCodeFence(s string) string {
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

// truncate keeps at most maxLen runes of s.
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "... (truncated)"
}
