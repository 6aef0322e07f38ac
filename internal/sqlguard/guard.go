package sqlguard

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotReadOnly is wrapped by every Check rejection.
var ErrNotReadOnly = errors.New("only a single read-only SELECT or WITH query is allowed")

var keywords = map[string]bool{
	"select": true, "from": true, "where": true, "and": true, "or": true,
	"not": true, "in": true, "is": true, "null": true, "as": true,
	"on": true, "join": true, "left": true, "right": true, "inner": true,
	"outer": true, "full": true, "cross": true, "group": true, "by": true,
	"order": true, "having": true, "limit": true, "offset": true,
	"union": true, "intersect": true, "except": true, "all": true,
	"distinct": true, "with": true, "recursive": true, "case": true,
	"when": true, "then": true, "else": true, "end": true, "asc": true,
	"desc": true, "between": true, "like": true, "exists": true,
	"true": true, "false": true, "over": true, "partition": true,
	"window": true, "qualify": true, "unnest": true, "interval": true,
	"cast": true, "using": true, "lateral": true, "nulls": true,
	"first": true, "last": true, "rows": true, "range": true,
}

// forbidden lists statement keywords that can modify data, schema, session
// state or access control. They are rejected anywhere outside literals and
// quoted identifiers.
var forbidden = map[string]bool{
	"insert": true, "update": true, "delete": true, "merge": true,
	"truncate": true, "create": true, "alter": true, "drop": true,
	"rename": true, "grant": true, "revoke": true, "call": true,
	"execute": true, "export": true, "load": true, "declare": true,
	"set": true, "begin": true, "commit": true, "rollback": true,
	"transaction": true, "assert": true, "copy": true, "attach": true,
	"detach": true, "install": true, "pragma": true, "vacuum": true,
	"checkpoint": true, "import": true, "use": true,
}

func init() {
	for k := range forbidden {
		keywords[k] = true
	}
}

// Check returns nil when sql is exactly one SELECT or WITH statement without
// any data- or schema-modifying keyword. A single trailing semicolon is
// tolerated. Literals are read with BigQuery quoting rules.
func Check(sql string) error {
	return BigQuery.Check(sql)
}

// Check is the package-level Check under d's quoting rules. Text bound for a
// DuckDB connection must be checked with DuckDB, since a backslash there does
// not escape a quote.
func (d Dialect) Check(sql string) error {
	toks, err := d.statement(sql)
	if err != nil {
		return err
	}

	first := toks[0]
	for i := 0; first.Type == TokenPunct && first.Literal == "(" && i+1 < len(toks); i++ {
		first = toks[i+1]
	}
	if first.Type != TokenKeyword || (first.Literal != "select" && first.Literal != "with") {
		return fmt.Errorf("%w: statement starts with %q", ErrNotReadOnly, first.Raw)
	}

	for _, tok := range toks {
		switch {
		case tok.Type == TokenIllegal:
			return fmt.Errorf("%w: unexpected character %q", ErrNotReadOnly, tok.Raw)
		case tok.Type == TokenKeyword && forbidden[tok.Literal]:
			return fmt.Errorf("%w: %s is not allowed", ErrNotReadOnly, strings.ToUpper(tok.Literal))
		}
	}
	return nil
}

// Normalize re-joins the token stream of sql with single spaces. Keywords are
// lower-cased; comments and redundant whitespace are dropped; identifiers,
// literals and parameters are kept verbatim. Queries that differ only in
// formatting normalize to the same text.
func Normalize(sql string) (string, error) {
	toks, err := BigQuery.statement(sql)
	if err != nil {
		return "", err
	}
	parts := make([]string, len(toks))
	for i, tok := range toks {
		if tok.Type == TokenKeyword {
			parts[i] = tok.Literal
			continue
		}
		parts[i] = tok.Raw
	}
	return strings.Join(parts, " "), nil
}

// Rewrite splices fn's replacement for every token it accepts back into sql.
// Text between tokens, comments included, is kept as is.
func Rewrite(sql string, fn func(Token) (string, bool)) (string, error) {
	return BigQuery.Rewrite(sql, fn)
}

// Rewrite is the package-level Rewrite with tokens read under d's rules.
func (d Dialect) Rewrite(sql string, fn func(Token) (string, bool)) (string, error) {
	toks, err := d.Tokenize(sql)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	last := 0
	for _, tok := range toks {
		repl, ok := fn(tok)
		if !ok {
			continue
		}
		b.WriteString(sql[last:tok.Pos])
		b.WriteString(repl)
		last = tok.Pos + len(tok.Raw)
	}
	b.WriteString(sql[last:])
	return b.String(), nil
}

// RewriteParams replaces every @name parameter marker with prefix+name,
// leaving literals, comments and formatting untouched.
func RewriteParams(sql, prefix string) (string, error) {
	return Rewrite(sql, func(tok Token) (string, bool) {
		if tok.Type != TokenParam || !strings.HasPrefix(tok.Raw, "@") {
			return "", false
		}
		return prefix + tok.Literal, true
	})
}

// ParamNames returns the distinct named parameters referenced by sql, in
// order of first appearance.
func ParamNames(sql string) []string {
	toks, _ := Tokenize(sql)
	seen := make(map[string]bool)
	var names []string
	for _, tok := range toks {
		if tok.Type != TokenParam || tok.Literal == "?" || seen[tok.Literal] {
			continue
		}
		seen[tok.Literal] = true
		names = append(names, tok.Literal)
	}
	return names
}

// statement tokenizes sql and strips trailing semicolons, failing if more
// than one statement remains.
func (d Dialect) statement(sql string) ([]Token, error) {
	toks, err := d.Tokenize(sql)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotReadOnly, err)
	}
	for len(toks) > 0 && toks[len(toks)-1].Type == TokenSemicolon {
		toks = toks[:len(toks)-1]
	}
	if len(toks) == 0 {
		return nil, fmt.Errorf("%w: query is empty", ErrNotReadOnly)
	}
	for _, tok := range toks {
		if tok.Type == TokenSemicolon {
			return nil, fmt.Errorf("%w: multiple statements", ErrNotReadOnly)
		}
	}
	return toks, nil
}
