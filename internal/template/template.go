// Package template turns the command given on the command line into a
// reusable template in which every `{}` is replaced with an input line.
package template

import (
	"errors"
	"strings"
)

var (
	// ErrEmptyTemplate is returned by Parse when the arguments are blank.
	ErrEmptyTemplate = errors.New("command template is empty")

	// ErrMultiline is returned by Parse when the arguments contain a line
	// break, which the shell would read as more than one command.
	ErrMultiline = errors.New("command template cannot contain a newline")
)

type TokenKind int

const (
	// Literal is copied into the rendered command as-is.
	Literal TokenKind = iota

	// Substitute is replaced with the input line.
	Substitute
)

// Token is a single segment of a Template.
type Token struct {
	Kind TokenKind
	Text string
}

// Template is an ordered list of tokens. It is built once and is safe to share
// between goroutines since Render never mutates it.
type Template struct {
	tokens []Token
	quote  bool
}

// Option configures a Template.
type Option func(*Template)

// WithQuote makes Render pass each substituted line to the shell as a single
// word, so its spaces and metacharacters are taken literally.
func WithQuote() Option {
	return func(t *Template) {
		t.quote = true
	}
}

// Parse builds a Template from the command arguments, joined by single spaces.
//
// A `{}` is a substitution. `\{` produces a literal `{`, so `\{}` renders as a
// literal `{}`. Any other brace is literal. When the template contains no
// substitution the input line is appended, separated by a space.
func Parse(args []string, opts ...Option) (*Template, error) {
	input := strings.Join(args, " ")
	if strings.TrimSpace(input) == "" {
		return nil, ErrEmptyTemplate
	}

	if strings.ContainsAny(input, "\n\r") {
		return nil, ErrMultiline
	}

	tokens := lex(input)

	if !hasSubstitute(tokens) {
		tokens = append(tokens, Token{Kind: Literal, Text: " "}, Token{Kind: Substitute})
	}

	t := &Template{tokens: tokens}

	for _, opt := range opts {
		opt(t)
	}

	return t, nil
}

// Tokens returns a copy of the parsed tokens.
func (t *Template) Tokens() []Token {
	out := make([]Token, len(t.tokens))
	copy(out, t.tokens)

	return out
}

// Render returns the command for the given input line.
func (t *Template) Render(line string) string {
	var b strings.Builder

	for _, tok := range t.tokens {
		switch tok.Kind {
		case Literal:
			b.WriteString(tok.Text)
		case Substitute:
			if t.quote {
				writeQuoted(&b, line)
			} else {
				b.WriteString(line)
			}
		}
	}

	return b.String()
}

// writeQuoted writes s in single quotes. A single quote inside s closes the
// quoting, adds an escaped quote and reopens it.
func writeQuoted(b *strings.Builder, s string) {
	b.WriteByte('\'')
	b.WriteString(strings.ReplaceAll(s, "'", `'\''`))
	b.WriteByte('\'')
}

func hasSubstitute(tokens []Token) bool {
	for _, tok := range tokens {
		if tok.Kind == Substitute {
			return true
		}
	}

	return false
}

func lex(input string) []Token {
	var (
		tokens  []Token
		literal strings.Builder
	)

	flush := func() {
		if literal.Len() > 0 {
			tokens = append(tokens, Token{Kind: Literal, Text: literal.String()})
			literal.Reset()
		}
	}

	for i := 0; i < len(input); i++ {
		switch {
		case input[i] == '\\' && i+1 < len(input) && input[i+1] == '{':
			literal.WriteByte('{')
			i++
			// An escaped `{` also swallows its `}` so `\{}` stays literal.
			if i+1 < len(input) && input[i+1] == '}' {
				literal.WriteByte('}')
				i++
			}
		case input[i] == '{' && i+1 < len(input) && input[i+1] == '}':
			flush()
			tokens = append(tokens, Token{Kind: Substitute})
			i++
		default:
			literal.WriteByte(input[i])
		}
	}

	flush()

	return tokens
}
