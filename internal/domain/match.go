package domain

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/ext"
)

// DefaultMatchToken is the text a post must consist of to be matched by the
// shipped predicate.
const DefaultMatchToken = "으어어"

// Matcher decides whether an incoming post belongs in the feed.
type Matcher interface {
	Match(post *IncomingPost) bool
}

// MatcherFunc adapts a plain function to the Matcher interface.
type MatcherFunc func(post *IncomingPost) bool

// Match implements Matcher.
func (f MatcherFunc) Match(post *IncomingPost) bool { return f(post) }

// ExactTextMatcher matches posts whose whitespace-trimmed text equals Token.
type ExactTextMatcher struct {
	Token string
}

// NewExactTextMatcher returns a matcher for token, falling back to
// DefaultMatchToken when token is blank.
func NewExactTextMatcher(token string) ExactTextMatcher {
	token = strings.TrimSpace(token)
	if token == "" {
		token = DefaultMatchToken
	}
	return ExactTextMatcher{Token: token}
}

// Match implements Matcher.
func (m ExactTextMatcher) Match(post *IncomingPost) bool {
	return strings.TrimSpace(post.Text) == m.Token
}

// KeywordMatcher matches posts containing any keyword on word boundaries,
// optionally restricted to a set of language tags.
type KeywordMatcher struct {
	pattern *regexp.Regexp
	langs   map[string]struct{} // nil means no filter
}

// NewKeywordMatcher compiles a case-insensitive keyword matcher.
func NewKeywordMatcher(keywords, langs []string) (*KeywordMatcher, error) {
	if len(keywords) == 0 {
		return nil, fmt.Errorf("at least one keyword is required")
	}

	escaped := make([]string, len(keywords))
	for i, kw := range keywords {
		escaped[i] = regexp.QuoteMeta(kw)
	}

	expr := `(?i)\b(?:` + strings.Join(escaped, "|") + `)\b`
	pattern, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("compile keyword pattern: %w", err)
	}

	m := &KeywordMatcher{pattern: pattern}
	if len(langs) > 0 {
		m.langs = make(map[string]struct{}, len(langs))
		for _, l := range langs {
			m.langs[l] = struct{}{}
		}
	}
	return m, nil
}

// Match implements Matcher.
func (m *KeywordMatcher) Match(post *IncomingPost) bool {
	if m.langs != nil {
		matched := false
		for _, l := range post.Langs {
			if _, ok := m.langs[l]; ok {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return m.pattern.MatchString(post.Text)
}

// CELMatcher evaluates a boolean CEL expression against each post. The
// expression sees the variables text, langs, author and is_reply, plus the
// CEL strings extension (e.g. `text.trim() == "으어어"`).
type CELMatcher struct {
	expr    string
	program cel.Program
}

// NewCELMatcher compiles expr. The expression must evaluate to a bool.
func NewCELMatcher(expr string) (*CELMatcher, error) {
	env, err := cel.NewEnv(
		cel.Variable("text", cel.StringType),
		cel.Variable("langs", cel.ListType(cel.StringType)),
		cel.Variable("author", cel.StringType),
		cel.Variable("is_reply", cel.BoolType),
		ext.Strings(),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile match expression: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("match expression must return bool, got %s", ast.OutputType())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build match program: %w", err)
	}
	return &CELMatcher{expr: expr, program: program}, nil
}

// Match implements Matcher. Evaluation errors count as no match.
func (m *CELMatcher) Match(post *IncomingPost) bool {
	langs := post.Langs
	if langs == nil {
		langs = []string{}
	}
	out, _, err := m.program.Eval(map[string]any{
		"text":     post.Text,
		"langs":    langs,
		"author":   post.AuthorDID,
		"is_reply": post.IsReply(),
	})
	if err != nil {
		return false
	}
	matched, ok := out.Value().(bool)
	return ok && matched
}

// String returns the source expression.
func (m *CELMatcher) String() string { return m.expr }
