package safety

import (
	"regexp"
	"strings"
)

type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// Issue is one finding from the rule classifier.
type Issue struct {
	Severity    Severity
	Description string
	Match       string
	// Suggested is the formal rewrite of the full utterance, set for
	// register issues only.
	Suggested string
}

type registerRule struct {
	re          *regexp.Regexp
	severity    Severity
	description string
	replacement string
}

// RuleSet is the fast, model-free classifier: banned-word matches are high
// severity, informal-register patterns carry a suggested formal rewrite.
type RuleSet struct {
	banned   []string
	register []registerRule
}

var defaultBannedWords = []string{
	"damn", "idiot", "stupid", "shut up", "moron",
	"멍청이", "바보", "꺼져", "닥쳐",
}

var defaultRegisterRules = []registerRule{
	{regexp.MustCompile(`(?i)\bgonna\b`), SeverityMedium, "informal contraction", "going to"},
	{regexp.MustCompile(`(?i)\bwanna\b`), SeverityMedium, "informal contraction", "want to"},
	{regexp.MustCompile(`(?i)\bgotta\b`), SeverityMedium, "informal contraction", "have to"},
	{regexp.MustCompile(`(?i)\byeah\b`), SeverityLow, "informal affirmation", "yes"},
	{regexp.MustCompile(`(?i)^hey\b`), SeverityLow, "informal opener", "Hello"},
	// Korean banmal sentence endings; formal speech uses -요/-습니다.
	{regexp.MustCompile(`야\s*[.!?]?$`), SeverityMedium, "informal register (banmal ending)", "예요"},
	{regexp.MustCompile(`해\s*[.!?]?$`), SeverityMedium, "informal register (banmal ending)", "해요"},
	{regexp.MustCompile(`\b너\b`), SeverityMedium, "informal pronoun", "당신"},
}

func NewRuleSet(bannedWords []string) *RuleSet {
	banned := bannedWords
	if len(banned) == 0 {
		banned = defaultBannedWords
	}
	return &RuleSet{banned: banned, register: defaultRegisterRules}
}

// Classify flags banned words and informal-register patterns. It never calls
// out of process; tier escalation happens in the pipeline.
func (r *RuleSet) Classify(text string) []Issue {
	var issues []Issue

	lower := strings.ToLower(text)
	for _, w := range r.banned {
		if strings.Contains(lower, strings.ToLower(w)) {
			issues = append(issues, Issue{
				Severity:    SeverityHigh,
				Description: "banned word: " + w,
				Match:       w,
			})
		}
	}

	rewritten := text
	var registerHits []Issue
	for _, rule := range r.register {
		if m := rule.re.FindString(rewritten); m != "" {
			rewritten = rule.re.ReplaceAllString(rewritten, rule.replacement)
			registerHits = append(registerHits, Issue{
				Severity:    rule.severity,
				Description: rule.description,
				Match:       m,
			})
		}
	}
	if len(registerHits) > 0 {
		// The cumulative rewrite rides on the first register issue.
		registerHits[0].Suggested = rewritten
		issues = append(issues, registerHits...)
	}
	return issues
}

func highestSeverity(issues []Issue) Severity {
	best := SeverityLow
	for _, i := range issues {
		switch i.Severity {
		case SeverityHigh:
			return SeverityHigh
		case SeverityMedium:
			best = SeverityMedium
		}
	}
	return best
}

func suggestedRewrite(issues []Issue) string {
	for _, i := range issues {
		if i.Suggested != "" {
			return i.Suggested
		}
	}
	return ""
}
