// Package interp resolves `${...}` expression references in raw attribute
// values into concrete values at plan time. Resolution walks references
// depth-first, discovers dependency edges as a side effect, and detects
// reference cycles.
package interp

import (
	"fmt"
	"strings"

	"github.com/kolumn-data/kolumn/pkg/engine"
)

// TokenKind distinguishes literal text from reference tokens.
type TokenKind int

const (
	// TokenLiteral is plain text copied through unchanged.
	TokenLiteral TokenKind = iota

	// TokenRef is a `${scope.path}` reference awaiting resolution.
	TokenRef
)

// Token is one segment of a scanned expression.
type Token struct {
	// Kind is literal or reference.
	Kind TokenKind

	// Text is the literal text, for TokenLiteral.
	Text string

	// Ref is the parsed reference, for TokenRef.
	Ref *Reference
}

// Reference is a parsed `${scope.path...}` token.
type Reference struct {
	// Raw is the exact token as written, including the `${` `}` delimiters.
	Raw string

	// Scope is the leading path segment: "var", "input", "env", "discover",
	// "data_object", or a resource kind such as "postgres_table".
	Scope string

	// Path is the remaining dot-separated segments.
	Path []string
}

// Target returns the node ID a resource-scoped reference points at, or ""
// for non-resource scopes.
func (r *Reference) Target() string {
	switch r.Scope {
	case ScopeVar, ScopeInput, ScopeEnv, ScopeDataObject:
		return ""
	}
	if len(r.Path) == 0 {
		return ""
	}
	return r.Scope + "." + r.Path[0]
}

// Known non-resource scopes.
const (
	ScopeVar        = "var"
	ScopeInput      = "input"
	ScopeEnv        = "env"
	ScopeDiscover   = "discover"
	ScopeDataObject = "data_object"
)

// Scan splits an expression into literal and reference tokens. `${` opens a
// reference and the matching `}` closes it; braces nested inside single or
// double quoted string literals within the reference do not count. `$${` is
// the escape for a literal `${`.
func Scan(expr string) ([]Token, error) {
	var tokens []Token
	var lit strings.Builder

	i := 0
	for i < len(expr) {
		// Escaped interpolation start.
		if i+2 < len(expr) && expr[i] == '$' && expr[i+1] == '$' && expr[i+2] == '{' {
			lit.WriteString("${")
			i += 3
			continue
		}

		if i+1 < len(expr) && expr[i] == '$' && expr[i+1] == '{' {
			if lit.Len() > 0 {
				tokens = append(tokens, Token{Kind: TokenLiteral, Text: lit.String()})
				lit.Reset()
			}

			end, err := matchBrace(expr, i+2)
			if err != nil {
				return nil, err
			}

			raw := expr[i : end+1]
			ref, err := parseReference(raw, expr[i+2:end])
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, Token{Kind: TokenRef, Ref: ref})
			i = end + 1
			continue
		}

		lit.WriteByte(expr[i])
		i++
	}

	if lit.Len() > 0 {
		tokens = append(tokens, Token{Kind: TokenLiteral, Text: lit.String()})
	}
	return tokens, nil
}

// matchBrace returns the index of the `}` closing the reference whose body
// starts at position start. Nesting is tracked; quoted strings are skipped.
func matchBrace(expr string, start int) (int, error) {
	depth := 1
	i := start
	for i < len(expr) {
		switch expr[i] {
		case '\'', '"':
			quote := expr[i]
			i++
			for i < len(expr) && expr[i] != quote {
				if expr[i] == '\\' {
					i++
				}
				i++
			}
			if i >= len(expr) {
				return 0, engine.NewPermanentError(
					fmt.Sprintf("unterminated string literal in expression %q", expr), nil).
					WithCode(engine.ErrCodeSyntax)
			}
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, nil
			}
		}
		i++
	}
	return 0, engine.NewPermanentError(
		fmt.Sprintf("unbalanced ${ in expression %q", expr), nil).
		WithCode(engine.ErrCodeSyntax)
}

// parseReference parses the body of a `${...}` token into scope and path.
func parseReference(raw, body string) (*Reference, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("empty reference token %s", raw), nil).
			WithCode(engine.ErrCodeSyntax)
	}

	segs := strings.Split(body, ".")
	for _, s := range segs {
		if s == "" {
			return nil, engine.NewPermanentError(
				fmt.Sprintf("malformed reference token %s", raw), nil).
				WithCode(engine.ErrCodeSyntax)
		}
	}

	scope := segs[0]
	// kolumn_data_object is the fully qualified spelling of data_object.
	if scope == "kolumn_data_object" {
		scope = ScopeDataObject
	}

	return &Reference{
		Raw:   raw,
		Scope: scope,
		Path:  segs[1:],
	}, nil
}

// ScanRefs returns only the reference tokens of an expression, used for the
// static edge-discovery pass before full resolution.
func ScanRefs(expr string) ([]*Reference, error) {
	tokens, err := Scan(expr)
	if err != nil {
		return nil, err
	}
	var refs []*Reference
	for _, t := range tokens {
		if t.Kind == TokenRef {
			refs = append(refs, t.Ref)
		}
	}
	return refs, nil
}
