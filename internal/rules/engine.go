package rules

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf16"
	"unicode/utf8"
)

// Rule rewrites a spoken trigger phrase into replacement text
type Rule struct {
	ID          string `json:"id" yaml:"id"`
	Category    string `json:"category" yaml:"category"`
	Trigger     string `json:"trigger" yaml:"trigger"`
	Replacement string `json:"replacement" yaml:"replacement"`
	Locale      string `json:"locale" yaml:"locale"`
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Priority    int    `json:"priority" yaml:"priority"`
	UpdatedAt   int64  `json:"updatedAt" yaml:"updatedAt"` // Unix milliseconds
	Deleted     bool   `json:"deleted" yaml:"-"`
}

const (
	DefaultLocale   = "*"
	DefaultPriority = 100
)

// DefaultRules are the built-in slash command rules used when no rules file exists yet
func DefaultRules(now int64) []Rule {
	return []Rule{
		{
			ID:          "builtin/slash-new-ko",
			Category:    "slash-command",
			Trigger:     "슬래시 뉴",
			Replacement: "/new",
			Locale:      "ko-KR",
			Enabled:     true,
			Priority:    1000,
			UpdatedAt:   now,
		},
		{
			ID:          "builtin/slash-new-en",
			Category:    "slash-command",
			Trigger:     "slash new",
			Replacement: "/new",
			Locale:      "en-US",
			Enabled:     true,
			Priority:    1000,
			UpdatedAt:   now,
		},
	}
}

type compiledRule struct {
	rule Rule
	body *regexp.Regexp // nil when the trigger has no tokens
}

// Ruleset is an ordered, compiled set of active rules. It is immutable and
// safe for concurrent use.
type Ruleset struct {
	rules []compiledRule
}

// Compile orders rules by priority (highest first), then trigger length in
// UTF-16 code units (longest first), then id, and drops disabled or deleted
// rules.
func Compile(rules []Rule) *Ruleset {
	active := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r.Enabled && !r.Deleted {
			active = append(active, r)
		}
	}

	sort.SliceStable(active, func(i, j int) bool {
		a, b := active[i], active[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if la, lb := utf16Len(a.Trigger), utf16Len(b.Trigger); la != lb {
			return la > lb
		}
		return a.ID < b.ID
	})

	rs := &Ruleset{rules: make([]compiledRule, len(active))}
	for i, r := range active {
		rs.rules[i] = compiledRule{rule: r, body: triggerRegexp(r.Trigger)}
	}
	return rs
}

// Len returns the number of active rules
func (rs *Ruleset) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.rules)
}

// Apply rewrites input with every rule in order. Each rule sees the output of
// the rules before it.
func (rs *Ruleset) Apply(input string) string {
	if rs == nil || len(rs.rules) == 0 || strings.TrimSpace(input) == "" {
		return input
	}

	output := input
	for _, cr := range rs.rules {
		if cr.body == nil {
			continue
		}
		output = replaceTokens(output, cr.body, cr.rule.Replacement)
	}
	return output
}

// Apply compiles rules and applies them to input
func Apply(input string, rules []Rule) string {
	return Compile(rules).Apply(input)
}

func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		if l := utf16.RuneLen(r); l > 0 {
			n += l
		} else {
			n++
		}
	}
	return n
}

// triggerRegexp builds an anchored matcher for the trigger tokens separated
// by any ASCII whitespace run. Only ASCII letters match case-insensitively.
func triggerRegexp(trigger string) *regexp.Regexp {
	tokens := strings.FieldsFunc(strings.TrimFunc(trigger, unicode.IsSpace), isASCIISpace)
	if len(tokens) == 0 {
		return nil
	}

	quoted := make([]string, len(tokens))
	for i, tok := range tokens {
		quoted[i] = foldASCII(tok)
	}
	return regexp.MustCompile(`\A` + strings.Join(quoted, `[\t\n\v\f\r ]+`))
}

// foldASCII quotes tok for a regexp, letting ASCII letters match either case
func foldASCII(tok string) string {
	var b strings.Builder
	for _, r := range tok {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteString("[" + string(r) + string(r-'a'+'A') + "]")
		case r >= 'A' && r <= 'Z':
			b.WriteString("[" + string(r-'A'+'a') + string(r) + "]")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	return b.String()
}

func isASCIISpace(r rune) bool {
	return r == ' ' || r >= '\t' && r <= '\r'
}

// replaceTokens replaces every occurrence of body that starts at the beginning
// of s or right after a separator and ends at the end of s or right before a
// separator. The separators themselves are kept.
func replaceTokens(s string, body *regexp.Regexp, replacement string) string {
	var b strings.Builder
	last := 0
	// The separator before a match cannot be shared with the previous match
	blocked := -1

	for i := 0; i < len(s); {
		if i != blocked && (i == 0 || isSeparatorBefore(s, i)) {
			if loc := body.FindStringIndex(s[i:]); loc != nil {
				end := i + loc[1]
				if end == len(s) || isSeparatorAt(s, end) {
					b.WriteString(s[last:i])
					b.WriteString(replacement)
					last = end
					blocked = end
					i = end
					continue
				}
			}
		}
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
	}

	if b.Len() == 0 && last == 0 {
		return s
	}
	b.WriteString(s[last:])
	return b.String()
}

func isSeparatorBefore(s string, i int) bool {
	r, _ := utf8.DecodeLastRuneInString(s[:i])
	return isSeparator(r)
}

func isSeparatorAt(s string, i int) bool {
	r, _ := utf8.DecodeRuneInString(s[i:])
	return isSeparator(r)
}

// isSeparator matches ASCII whitespace and ASCII punctuation
func isSeparator(r rune) bool {
	switch {
	case r == ' ', r >= '\t' && r <= '\r':
		return true
	case r >= '!' && r <= '/', r >= ':' && r <= '@', r >= '[' && r <= '`', r >= '{' && r <= '~':
		return true
	}
	return false
}
