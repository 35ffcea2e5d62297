package tools

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kir-gadjello/zier-alpha/internal/secretdetect"
)

// Delimiters around tool output handed to the model.
const (
	OutputStartFormat = "<<<TOOL_OUTPUT_START name=%s>>>"
	OutputEnd         = "<<<TOOL_OUTPUT_END>>>"
)

var injectionPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"instruction override", regexp.MustCompile(`(?i)\b(ignore|disregard|forget)\s+(all\s+)?(the\s+)?(previous|prior|above|earlier)\s+(instructions|prompts|rules)`)},
	{"role reassignment", regexp.MustCompile(`(?i)\byou\s+are\s+now\s+(a|an|the|in)\b`)},
	{"system prompt extraction", regexp.MustCompile(`(?i)\b(reveal|print|show|output)\s+(your\s+)?(system\s+prompt|hidden\s+instructions)`)},
	{"chat template token", regexp.MustCompile(`<\|(im_start|im_end|system|endoftext)\|>`)},
	{"fake role header", regexp.MustCompile(`(?im)^\s*(system|assistant)\s*:\s`)},
	{"delimiter spoofing", regexp.MustCompile(`<<<TOOL_OUTPUT_(START|END)`)},
}

// InjectionWarnings names the prompt-injection patterns found in text.
func InjectionWarnings(text string) []string {
	var found []string
	for _, p := range injectionPatterns {
		if p.re.MatchString(text) {
			found = append(found, p.name)
		}
	}
	return found
}

// OutputOptions configure how results are rendered for the model.
type OutputOptions struct {
	MaxChars      int
	UseDelimiters bool
	Redact        bool
}

// Rendered is tool output after sanitation.
type Rendered struct {
	Content    string
	Truncated  bool
	Redactions int
	Warnings   []string
}

// RenderValue turns a tool's result value into text.
func RenderValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

// Sanitize applies redaction, truncation and delimiters in that order.
// Delimiter markers inside the text are defused so output cannot close its
// own envelope.
func Sanitize(name, text string, opts OutputOptions, detector *secretdetect.Detector) Rendered {
	r := Rendered{Warnings: InjectionWarnings(text)}
	if opts.Redact && detector != nil {
		var matches []secretdetect.Match
		text, matches = detector.Redact(text)
		r.Redactions = len(matches)
	}
	text, r.Truncated = truncate(text, opts.MaxChars)
	if opts.UseDelimiters {
		text = strings.ReplaceAll(text, "<<<TOOL_OUTPUT_", "<<<TOOL_OUTPUT\u200b_")
		text = fmt.Sprintf(OutputStartFormat, name) + "\n" + text + "\n" + OutputEnd
	}
	r.Content = text
	return r
}

func truncate(text string, max int) (string, bool) {
	if max <= 0 {
		return text, false
	}
	runes := []rune(text)
	if len(runes) <= max {
		return text, false
	}
	return string(runes[:max]) + fmt.Sprintf("\n[... output truncated: showing %d of %d characters]", max, len(runes)), true
}
