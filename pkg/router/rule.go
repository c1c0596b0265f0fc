package router

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/ajitpratap0/mcp-router/pkg/config"
)

// CatchAllPriority ranks the fallback rule below every other rule
const CatchAllPriority = math.MinInt

// Pattern matches method names. It is either exact text, matched by
// substring containment, or a compiled regular expression.
type Pattern struct {
	text string
	re   *regexp.Regexp
}

// Exact returns a pattern matching methods that contain text
func Exact(text string) Pattern {
	return Pattern{text: text}
}

// Regex compiles expr into a pattern
func Regex(expr string) (Pattern, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return Pattern{}, fmt.Errorf("invalid rule pattern %q: %w", expr, err)
	}
	return Pattern{text: expr, re: re}, nil
}

// MustRegex is Regex that panics on a bad expression
func MustRegex(expr string) Pattern {
	p, err := Regex(expr)
	if err != nil {
		panic(err)
	}
	return p
}

// Match reports whether method satisfies the pattern
func (p Pattern) Match(method string) bool {
	if p.re != nil {
		return p.re.MatchString(method)
	}
	return strings.Contains(method, p.text)
}

// IsRegex reports whether the pattern is a regular expression
func (p Pattern) IsRegex() bool { return p.re != nil }

// String returns the exact text or the regular expression source
func (p Pattern) String() string { return p.text }

// Conditions restrict which servers a rule may route to
type Conditions struct {
	RequiredCategory string
	MinPriority      *int
	RequiresAuth     bool
}

// allows reports whether desc satisfies every condition
func (c Conditions) allows(desc config.ServerDescriptor) bool {
	if c.RequiredCategory != "" && c.RequiredCategory != desc.Category {
		return false
	}
	if c.MinPriority != nil && desc.Priority < *c.MinPriority {
		return false
	}
	if c.RequiresAuth && !desc.HasAuth() {
		return false
	}
	return true
}

// Rule maps methods matching Pattern to ServerID
type Rule struct {
	Pattern    Pattern
	ServerID   string
	Priority   int
	Conditions Conditions
}

func (r Rule) String() string {
	kind := "exact"
	if r.Pattern.IsRegex() {
		kind = "regex"
	}
	priority := fmt.Sprint(r.Priority)
	if r.Priority == CatchAllPriority {
		priority = "min"
	}
	return fmt.Sprintf("%s %q -> %s (priority %s)", kind, r.Pattern.String(), r.ServerID, priority)
}

// DefaultRules returns the catch-all rule sending every method to fallbackID
func DefaultRules(fallbackID string) []Rule {
	return []Rule{{
		Pattern:  MustRegex(".*"),
		ServerID: fallbackID,
		Priority: CatchAllPriority,
	}}
}

// RuleFromConfig converts a configured rule
func RuleFromConfig(rc config.RuleConfig) (Rule, error) {
	pattern := Exact(rc.Pattern)
	if rc.Regex {
		var err error
		if pattern, err = Regex(rc.Pattern); err != nil {
			return Rule{}, err
		}
	}
	return Rule{
		Pattern:  pattern,
		ServerID: rc.ServerID,
		Priority: rc.Priority,
		Conditions: Conditions{
			RequiredCategory: rc.RequiredCategory,
			MinPriority:      rc.MinPriority,
			RequiresAuth:     rc.RequiresAuth,
		},
	}, nil
}

// RulesFromConfig converts the configured rules and, when a fallback server
// is set, appends the catch-all rule for it.
func RulesFromConfig(rc config.RoutingConfig) ([]Rule, error) {
	rules := make([]Rule, 0, len(rc.Rules)+1)
	for i, c := range rc.Rules {
		rule, err := RuleFromConfig(c)
		if err != nil {
			return nil, fmt.Errorf("routing rule %d: %w", i, err)
		}
		rules = append(rules, rule)
	}
	if rc.FallbackServer != "" {
		rules = append(rules, DefaultRules(rc.FallbackServer)...)
	}
	return rules, nil
}

// sortRules orders rules by priority, highest first, keeping the relative
// order of equal priorities.
func sortRules(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority > rules[j].Priority
	})
}
