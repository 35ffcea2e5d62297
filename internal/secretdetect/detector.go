package secretdetect

import (
	"sort"
	"strings"
)

// Placeholder replaces redacted secrets.
const Placeholder = "[REDACTED]"

// Detector scans text against a fixed pattern set. It is safe for
// concurrent use.
type Detector struct {
	patterns []Pattern
}

// NewDetector uses DefaultPatterns plus any extra patterns.
func NewDetector(extra ...Pattern) *Detector {
	return &Detector{patterns: append(DefaultPatterns(), extra...)}
}

// Scan returns non-overlapping matches ordered by offset. Where matches
// overlap the earlier, longer one wins.
func (d *Detector) Scan(content string) []Match {
	var found []Match
	for _, p := range d.patterns {
		for _, loc := range p.Regex.FindAllStringSubmatchIndex(content, -1) {
			start, end := loc[0], loc[1]
			if p.Group > 0 {
				if 2*p.Group+1 >= len(loc) || loc[2*p.Group] < 0 {
					continue
				}
				start, end = loc[2*p.Group], loc[2*p.Group+1]
			}
			if p.MinEntropy > 0 && Entropy(content[start:end]) < p.MinEntropy {
				continue
			}
			found = append(found, Match{Pattern: p.Name, Severity: p.Severity, Start: start, End: end})
		}
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].Start == found[j].Start {
			return found[i].End > found[j].End
		}
		return found[i].Start < found[j].Start
	})

	out := found[:0]
	lastEnd := -1
	for _, m := range found {
		if m.Start < lastEnd {
			continue
		}
		out = append(out, m)
		lastEnd = m.End
	}
	return out
}

// Redact masks every match and returns the masked text with the matches
// that were replaced.
func (d *Detector) Redact(content string) (string, []Match) {
	matches := d.Scan(content)
	if len(matches) == 0 {
		return content, nil
	}
	var b strings.Builder
	b.Grow(len(content))
	prev := 0
	for _, m := range matches {
		b.WriteString(content[prev:m.Start])
		b.WriteString(Placeholder)
		prev = m.End
	}
	b.WriteString(content[prev:])
	return b.String(), matches
}
