package transcript

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// Rewriter applies deterministic substitutions to committed transcripts,
// loaded from a rules file. Two line formats are supported:
//
//	pull request => PR
//	s/\bear\s*shot\b/Earshot/g
//
// Literal rules match case-insensitively. Lines starting with # and blank
// lines are ignored. A missing or empty rules path yields a pass-through
// rewriter.
type Rewriter struct {
	rules     []rewriteRule
	loopLimit int
}

type rewriteRule struct {
	re          *regexp.Regexp
	replacement string
	firstOnly   bool
}

// NewRewriter loads and compiles rules from path.
func NewRewriter(path string, loopLimit int) (*Rewriter, error) {
	if loopLimit <= 0 {
		loopLimit = 30
	}
	r := &Rewriter{loopLimit: loopLimit}

	if strings.TrimSpace(path) == "" {
		return r, nil
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return r, nil
		}
		return nil, fmt.Errorf("reading rules file %q: %w", path, err)
	}

	for index, raw := range strings.Split(string(contents), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rule, err := parseRewriteRule(line)
		if err != nil {
			return nil, fmt.Errorf("rules file %q line %d: %w", path, index+1, err)
		}
		r.rules = append(r.rules, rule)
	}
	return r, nil
}

// Apply transforms text, re-running the rule set until no rule changes the
// text or the iteration limit is reached.
func (r *Rewriter) Apply(text string) (string, error) {
	if len(r.rules) == 0 {
		return text, nil
	}

	result := text
	for i := 0; i < r.loopLimit; i++ {
		changed := false
		for _, rule := range r.rules {
			next := rule.apply(result)
			if next != result {
				result = next
				changed = true
			}
		}
		if !changed {
			return result, nil
		}
	}
	return "", fmt.Errorf("rules did not stabilize within %d iterations", r.loopLimit)
}

func (u rewriteRule) apply(input string) string {
	if u.firstOnly {
		loc := u.re.FindStringIndex(input)
		if loc == nil {
			return input
		}
		head := u.re.ReplaceAllString(input[loc[0]:loc[1]], u.replacement)
		return input[:loc[0]] + head + input[loc[1]:]
	}
	return u.re.ReplaceAllString(input, u.replacement)
}

func parseRewriteRule(line string) (rewriteRule, error) {
	if strings.HasPrefix(line, "s") && len(line) > 1 && !isWordByte(line[1]) {
		return parseSedRule(line)
	}
	if strings.Contains(line, "=>") {
		return parseLiteralRewrite(line)
	}
	return rewriteRule{}, errors.New("unsupported rule format")
}

func parseLiteralRewrite(line string) (rewriteRule, error) {
	parts := strings.SplitN(line, "=>", 2)
	from := strings.TrimSpace(parts[0])
	to := strings.TrimSpace(parts[1])
	if from == "" {
		return rewriteRule{}, errors.New("literal rule source cannot be empty")
	}
	re, err := regexp.Compile("(?i)" + regexp.QuoteMeta(from))
	if err != nil {
		return rewriteRule{}, err
	}
	return rewriteRule{re: re, replacement: to}, nil
}

func parseSedRule(line string) (rewriteRule, error) {
	delim := line[1]
	pattern, pos, err := scanDelimited(line, 2, delim)
	if err != nil {
		return rewriteRule{}, err
	}
	replacement, pos, err := scanDelimited(line, pos, delim)
	if err != nil {
		return rewriteRule{}, err
	}

	global := false
	flags := "i"
	for _, flag := range strings.TrimSpace(line[pos:]) {
		switch flag {
		case 'i':
		case 'g':
			global = true
		case 'm', 's':
			flags += string(flag)
		default:
			return rewriteRule{}, fmt.Errorf("unsupported flag %q", flag)
		}
	}

	re, err := regexp.Compile("(?" + flags + ")" + pattern)
	if err != nil {
		return rewriteRule{}, err
	}
	return rewriteRule{re: re, replacement: replacement, firstOnly: !global}, nil
}

func scanDelimited(line string, start int, delim byte) (string, int, error) {
	var b strings.Builder
	escaped := false
	for i := start; i < len(line); i++ {
		c := line[i]
		if escaped {
			b.WriteByte(c)
			escaped = false
			continue
		}
		if c == '\\' {
			escaped = true
			b.WriteByte(c)
			continue
		}
		if c == delim {
			return b.String(), i + 1, nil
		}
		b.WriteByte(c)
	}
	return "", 0, errors.New("unterminated expression")
}

func isWordByte(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == ' ' || c == '\t'
}
