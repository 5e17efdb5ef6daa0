package secretredact_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/MoonLadderStudios/MoonMind-sub000/internal/secretredact"
)

// TestScrubIsIdempotent verifies that re-scrubbing already-scrubbed text
// never changes it further, for arbitrary surrounding text around an
// injected OpenAI-shaped secret.
func TestScrubIsIdempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	redactor := secretredact.New("[REDACTED]")

	properties.Property("scrubbing a scrubbed string is a no-op", prop.ForAll(
		func(prefix, suffix string) bool {
			text := fmt.Sprintf("%s sk-%s %s", prefix, strings.Repeat("a", 20), suffix)
			once := redactor.Scrub(text)
			twice := redactor.Scrub(once)
			return once == twice
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// TestScrubRemovesInjectedToken verifies that an injected bearer token is
// never present verbatim in the scrubbed output, regardless of the
// surrounding free text it is embedded in.
func TestScrubRemovesInjectedToken(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	redactor := secretredact.New("[REDACTED]")

	properties.Property("an embedded bearer token never survives scrubbing", prop.ForAll(
		func(prefix, suffix string) bool {
			token := "Bearer " + strings.Repeat("x", 24)
			text := prefix + " " + token + " " + suffix
			scrubbed := redactor.Scrub(text)
			return !strings.Contains(scrubbed, token)
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
