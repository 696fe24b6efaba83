package tool

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"surfacebroker/internal/domain"
)

// entryPoints are the functions every definition must declare. A match is
// a whole word, so getStateX does not count.
var entryPoints = []struct {
	name string
	word *regexp.Regexp
}{
	{domain.EntryGetState, wholeWord(domain.EntryGetState)},
	{domain.EntrySetState, wholeWord(domain.EntrySetState)},
}

func wholeWord(s string) *regexp.Regexp {
	return regexp.MustCompile(`\b` + regexp.QuoteMeta(s) + `\b`)
}

// ValidateSource rejects a definition that lacks a state entry point.
func ValidateSource(source string) error {
	var missing []string
	for _, ep := range entryPoints {
		if !ep.word.MatchString(source) {
			missing = append(missing, ep.name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("%w: source must define %s() and %s(); missing %s",
		domain.ErrValidation, domain.EntryGetState, domain.EntrySetState, strings.Join(missing, ", "))
}

// ValidatePayload checks the state text handed to set.
func ValidatePayload(payload string) error {
	if strings.TrimSpace(payload) == "" {
		return fmt.Errorf("%w: 'payload' is required", domain.ErrValidation)
	}
	if !json.Valid([]byte(payload)) {
		return fmt.Errorf("%w: 'payload' is not valid JSON", domain.ErrValidation)
	}
	return nil
}
