package engine

import (
	"strings"

	"github.com/jglowsoap/jimini/internal/rules"
)

// redactedPlaceholder replaces secret material inside the audit excerpt. The
// hashed payload is never rewritten; only the viewable projection is.
const redactedPlaceholder = "[REDACTED]"

// secretFamilies are the rule-id prefixes that identify a specific secret.
// They drive both suppression of the generic API-* family and excerpt
// redaction.
var secretFamilies = []string{
	"OPENAI-KEY-",
	"GITHUB-TOKEN-",
	"AWS-KEY-",
	"JWT-",
	"SSH-PRIVATE-",
	"PGP-PRIVATE-",
}

const genericFamily = "API-"

func isSecretSpecific(id string) bool {
	for _, prefix := range secretFamilies {
		if strings.HasPrefix(id, prefix) {
			return true
		}
	}
	return false
}

func isGeneric(id string) bool {
	return strings.HasPrefix(id, genericFamily)
}

// redact substitutes every match of a redact-eligible firing rule with the
// placeholder. Applying it twice is a no-op: the placeholder matches none of
// the secret patterns.
func redact(text string, fired []*rules.CompiledRule) string {
	redacted := text
	for _, rule := range fired {
		if rule.Regex == nil || !isSecretSpecific(rule.ID) {
			continue
		}
		redacted = rule.Regex.ReplaceAllString(redacted, redactedPlaceholder)
	}
	return redacted
}
