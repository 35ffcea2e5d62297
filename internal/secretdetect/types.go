// Package secretdetect finds and masks credentials in text before it is
// handed to a model.
package secretdetect

import "regexp"

// Severity ranks how damaging a leaked match would be.
type Severity string

const (
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Pattern is one kind of secret. When Group is non-zero only that capture
// group is the secret; the rest of the match is context.
type Pattern struct {
	Name     string
	Regex    *regexp.Regexp
	Group    int
	Severity Severity
	// MinEntropy rejects low-entropy values such as placeholders.
	MinEntropy float64
}

// Match is a secret found in content, as byte offsets.
type Match struct {
	Pattern  string
	Severity Severity
	Start    int
	End      int
}
