// Package matcher scores issue comments for claim intent.
//
// Rules are evaluated against a normalized copy of the comment. Progress
// phrasing is checked first and excludes the comment from claim detection;
// otherwise the first matching tier (direct, assignment, question) sets the
// base score and context modifiers are applied on top.
package matcher

import (
	"strings"
	"time"

	"github.com/dlclark/regexp2"
)

type Kind string

const (
	KindNone       Kind = "none"
	KindDirect     Kind = "direct"
	KindAssignment Kind = "assignment"
	KindQuestion   Kind = "question"
	KindProgress   Kind = "progress"
)

const (
	ScoreDirect     = 95
	ScoreAssignment = 90
	ScoreQuestion   = 70

	BoostMaintainerReply = 10
	BoostAlreadyAssigned = 5
)

// Context carries the signals that adjust a non-zero base score.
type Context struct {
	IsMaintainerReply     bool
	AuthorAlreadyAssigned bool
}

type Result struct {
	IsClaim          bool   `json:"is_claim"`
	IsProgressUpdate bool   `json:"is_progress_update"`
	IsQuestion       bool   `json:"is_question"`
	Confidence       int    `json:"confidence"`
	Base             int    `json:"base"`
	Kind             Kind   `json:"kind"`
	Rule             string `json:"rule,omitempty"`
}

// Actionable reports whether the result should become a claim.
func (r Result) Actionable(threshold int) bool {
	return r.IsClaim && !r.IsProgressUpdate && r.Confidence >= threshold
}

type rule struct {
	name string
	re   *regexp2.Regexp
}

type tier struct {
	kind  Kind
	score int
	rules []rule
}

// neg rejects a phrase preceded by a negation ("don't assign to me").
const neg = `(?<!\b(?:don't|dont|do not|can't|cant|cannot|won't|wont|will not|not|never|shouldn't)\s+)`

var progressRules = []rule{
	mustRule("fixed-in", `\b(fixed|resolved|closed|addressed|implemented|done)\s+(in|by|via|with)\s+(#\d+|pr\b|pull request)`),
	mustRule("pr-number", `\b(pr|pull request)\s+#?\d+`),
	mustRule("submitted-fix", `\b(submitted|opened|created|raised|sent|pushed)\s+(a\s+|an\s+|the\s+|my\s+)?(fix|pr|pull request|patch)\b`),
	mustRule("here-is-pr", `\bhere'?s\s+(my|the)\s+(pr|pull request|fix|patch)\b`),
	mustRule("done", `(^|[.!?]\s*|\b(i'm|i am|it's|it is|all|now|finally)\s+)(done|finished|complete)\b`),
	mustRule("almost-done", `\balmost\s+(done|finished)\b`),
	mustRule("made-progress", `\bmade\s+(some\s+|good\s+)?progress\b`),
	mustRule("status-update", `(^|[.!?]\s*)(update|status|progress)\s*:`),
	mustRule("ready-soon", `\bwill\s+have\s+(this|it)\s+(ready|done|finished)\s+(soon|by)\b`),
}

// weakProgressRules mark progress only when no claim phrasing matched:
// "I'll take this, same bug as in #12" is still a claim.
var weakProgressRules = []rule{
	mustRule("see-ref", `\b(see|in|via)\s+#\d+`),
}

var tiers = []tier{
	{kind: KindDirect, score: ScoreDirect, rules: []rule{
		mustRule("i-claim", `\bi\s+(claim|claimed)\s+(this|it)\b`),
		mustRule("claiming", neg+`\bclaiming\s+(this|it)\b`),
		mustRule("ill-take", `\bi'?ll\s+(take|work on|handle|do|fix|pick up)\s+(this|it)\b`),
		mustRule("i-will-take", `\bi\s+will\s+(take|work on|handle|do|fix|pick up)\s+(this|it)\b`),
		mustRule("i-can-take", `\bi\s+can\s+(take|handle|work on|fix|pick up)\s+(this|it)\b`),
		mustRule("im-working", `(?<!\b(?:anyone|someone|somebody|who|is|not)\s+)\b(i'm|im|i am|currently|now|already)\s+(working on|taking|handling)\s+(this|it)\b`),
		mustRule("working-on", `(^|[.!]\s*)working on (this|it)\b`),
		mustRule("let-me", `\blet\s+me\s+(take|handle|work on|fix)\s+(this|it)\b`),
		mustRule("got-this", `\bi\s+got\s+this\b`),
		mustRule("on-it", `\bi'?m\s+on\s+(this|it)\b`),
		mustRule("dibs", `\bdibs\b`),
		mustRule("i-pick", `\bi\s+(choose|pick)\s+(this|it)\b`),
	}},
	{kind: KindAssignment, score: ScoreAssignment, rules: []rule{
		mustRule("assign-to-me", neg+`\b(please\s+)?assign\s+(this\s+|it\s+)?(issue\s+)?to\s+me\b`),
		mustRule("assign-me", neg+`\bassign\s+me\b`),
		mustRule("want-to-work", `\bi\s+(want|would like|wanna)\s+to\s+(work on|take|fix)\s+(this|it)\b`),
		mustRule("id-like", `\bi'?d\s+(like|love)\s+to\s+(work on|take|fix)\s+(this|it)\b`),
		mustRule("be-assigned", `\b(can|could)\s+i\s+be\s+assigned\b`),
		mustRule("volunteer", `\bi\s+volunteer\b`),
		mustRule("put-me-down", `\bput\s+me\s+down\s+for\s+(this|it)\b`),
	}},
	{kind: KindQuestion, score: ScoreQuestion, rules: []rule{
		mustRule("can-i", `\b(can|could|may)\s+i\s+((maybe|perhaps|possibly|please)\s+)?(work on|take|do|help with|pick up|try)\s+(this|it)\b`),
		mustRule("is-available", `\bis\s+(this|it)\s+(still\s+)?(available|free|open|taken|up for grabs)\b`),
		mustRule("anyone-working", `\b(anyone|somebody|someone)\s+(already\s+)?working\s+on\s+(this|it)\b`),
		mustRule("mind-if", `\bmind\s+if\s+i\s+(take|work on|try)\b`),
		mustRule("ok-if-i", `\b(ok|okay|alright|fine)\s+if\s+i\s+(work on|take|try)\b`),
		mustRule("allowed-to", `\bam\s+i\s+allowed\s+to\s+(work on|take)\b`),
	}},
}

func mustRule(name, pattern string) rule {
	re := regexp2.MustCompile(pattern, regexp2.IgnoreCase)
	re.MatchTimeout = 250 * time.Millisecond
	return rule{name: name, re: re}
}

var (
	fencedCode = mustRegexp(`\x60\x60\x60.*?\x60\x60\x60`, regexp2.Singleline)
	inlineCode = mustRegexp("`[^`]*`", regexp2.None)
	urls       = mustRegexp(`https?://\S+`, regexp2.IgnoreCase)
	mentions   = mustRegexp(`@[\w-]+`, regexp2.None)
	stray      = mustRegexp(`[^\w\s'?#.!:]`, regexp2.None)
)

func mustRegexp(pattern string, opts regexp2.RegexOptions) *regexp2.Regexp {
	re := regexp2.MustCompile(pattern, opts)
	re.MatchTimeout = 250 * time.Millisecond
	return re
}

func replace(re *regexp2.Regexp, s, with string) string {
	out, err := re.Replace(s, with, -1, -1)
	if err != nil {
		return s
	}
	return out
}

// Normalize lowercases the comment and strips code, links and mentions.
// Issue references (#123) survive so progress rules can see them.
func Normalize(text string) string {
	if text == "" {
		return ""
	}
	text = strings.NewReplacer("’", "'", "‘", "'", "“", " ", "”", " ").Replace(text)
	text = replace(fencedCode, text, " ")
	text = replace(inlineCode, text, " ")
	text = replace(urls, text, " ")
	text = replace(mentions, text, " ")
	text = strings.ToLower(text)
	text = replace(stray, text, " ")
	return strings.Join(strings.Fields(text), " ")
}

func firstMatch(rules []rule, s string) (string, bool) {
	for _, r := range rules {
		ok, err := r.re.MatchString(s)
		if err == nil && ok {
			return r.name, true
		}
	}
	return "", false
}

// Match scores text. It is pure and deterministic.
func Match(text string, c Context) Result {
	s := Normalize(text)
	if s == "" {
		return Result{Kind: KindNone}
	}
	if name, ok := firstMatch(progressRules, s); ok {
		return Result{IsProgressUpdate: true, Kind: KindProgress, Rule: name}
	}
	for _, t := range tiers {
		name, ok := firstMatch(t.rules, s)
		if !ok {
			continue
		}
		res := Result{
			IsClaim:    true,
			IsQuestion: t.kind == KindQuestion,
			Base:       t.score,
			Kind:       t.kind,
			Rule:       name,
		}
		res.Confidence = clamp(t.score + boost(c))
		return res
	}
	if name, ok := firstMatch(weakProgressRules, s); ok {
		return Result{IsProgressUpdate: true, Kind: KindProgress, Rule: name}
	}
	return Result{Kind: KindNone}
}

func boost(c Context) int {
	b := 0
	if c.IsMaintainerReply {
		b += BoostMaintainerReply
	}
	if c.AuthorAlreadyAssigned {
		b += BoostAlreadyAssigned
	}
	return b
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
