// Package sqlguard tokenizes analytical SQL, rejects anything that is not a
// single read-only query, and produces the normalized text used for result
// fingerprints.
package sqlguard

import (
	"fmt"
	"strings"
	"unicode"
)

// TokenType identifies the lexical class of a token.
type TokenType int

// Token types produced by the Lexer.
const (
	TokenEOF TokenType = iota
	TokenIdent
	TokenKeyword
	TokenQuotedIdent // `project.dataset.table`
	TokenString
	TokenNumber
	TokenParam // @name, $name or ?
	TokenSemicolon
	TokenPunct
	TokenIllegal
)

// Token is one lexeme. Raw is the exact source text starting at byte offset
// Pos; Literal is the unquoted value for strings and quoted identifiers, and
// the lower-cased word for keywords.
type Token struct {
	Type    TokenType
	Literal string
	Raw     string
	Pos     int
}

// Dialect selects the quoting and comment rules of the engine that will run
// the text.
type Dialect int

const (
	// BigQuery is GoogleSQL: a backslash escapes inside any quoted literal and
	// # starts a line comment.
	BigQuery Dialect = iota
	// DuckDB follows PostgreSQL: quotes are escaped only by doubling them,
	// except in E'...' strings, and $tag$...$tag$ is a dollar-quoted string.
	// # is not a comment.
	DuckDB
)

func (d Dialect) String() string {
	if d == DuckDB {
		return "duckdb"
	}
	return "bigquery"
}

// Lexer tokenizes SQL input for BigQuery and DuckDB dialects.
type Lexer struct {
	input   string
	dialect Dialect
	pos     int  // current position in input
	readPos int  // reading position (after current char)
	ch      byte // current char under examination
	err     error
}

// NewLexer creates a new BigQuery Lexer for the given input.
func NewLexer(input string) *Lexer {
	return NewDialectLexer(input, BigQuery)
}

// NewDialectLexer creates a Lexer that follows d's quoting rules.
func NewDialectLexer(input string, d Dialect) *Lexer {
	l := &Lexer{input: input, dialect: d}
	l.readChar()
	return l
}

// Err returns the first lexical error, such as an unterminated literal.
func (l *Lexer) Err() error { return l.err }

func (l *Lexer) readChar() {
	if l.readPos >= len(l.input) {
		l.ch = 0 // NUL = EOF
	} else {
		l.ch = l.input[l.readPos]
	}
	l.pos = l.readPos
	l.readPos++
}

func (l *Lexer) peekChar() byte {
	if l.readPos >= len(l.input) {
		return 0
	}
	return l.input[l.readPos]
}

// NextToken returns the next token from the input.
func (l *Lexer) NextToken() Token {
	l.skipWhitespaceAndComments()
	start := l.pos

	switch {
	case l.ch == 0:
		return Token{Type: TokenEOF}
	case l.ch == ';':
		l.readChar()
		return Token{Type: TokenSemicolon, Literal: ";", Raw: ";"}
	case l.dialect == DuckDB && (l.ch == 'E' || l.ch == 'e') && l.peekChar() == '\'':
		l.readChar()
		lit := l.readQuoted('\'', true)
		return Token{Type: TokenString, Literal: lit, Raw: l.input[start:l.pos]}
	case l.dialect == DuckDB && l.ch == '$' && l.dollarTag() != "":
		lit := l.readDollarQuoted(l.dollarTag())
		return Token{Type: TokenString, Literal: lit, Raw: l.input[start:l.pos]}
	case l.ch == '\'' || l.ch == '"':
		quote := l.ch
		lit := l.readQuoted(quote, l.dialect == BigQuery)
		// DuckDB treats double quotes as identifiers, BigQuery as strings.
		// Either way the content is never a keyword.
		return Token{Type: TokenString, Literal: lit, Raw: l.input[start:l.pos]}
	case l.ch == '`':
		lit := l.readQuoted('`', true)
		return Token{Type: TokenQuotedIdent, Literal: lit, Raw: l.input[start:l.pos]}
	case l.ch == '@' || l.ch == '$':
		l.readChar()
		for isLetter(l.ch) || isDigit(l.ch) || l.ch == '_' {
			l.readChar()
		}
		raw := l.input[start:l.pos]
		if len(raw) == 1 {
			return Token{Type: TokenIllegal, Literal: raw, Raw: raw}
		}
		return Token{Type: TokenParam, Literal: raw[1:], Raw: raw}
	case l.ch == '?':
		l.readChar()
		return Token{Type: TokenParam, Literal: "?", Raw: "?"}
	case isLetter(l.ch) || l.ch == '_':
		word := l.readIdentifier()
		lower := strings.ToLower(word)
		if keywords[lower] {
			return Token{Type: TokenKeyword, Literal: lower, Raw: word}
		}
		return Token{Type: TokenIdent, Literal: word, Raw: word}
	case isDigit(l.ch):
		num := l.readNumber()
		return Token{Type: TokenNumber, Literal: num, Raw: num}
	case strings.IndexByte("+-*/%=<>!|.,()[]{}:&^~", l.ch) >= 0:
		l.readChar()
		// Fold two-character operators into one token.
		if l.ch != 0 && twoCharOps[l.input[start:l.readPos]] {
			l.readChar()
		}
		raw := l.input[start:l.pos]
		return Token{Type: TokenPunct, Literal: raw, Raw: raw}
	default:
		raw := string(l.ch)
		l.readChar()
		return Token{Type: TokenIllegal, Literal: raw, Raw: raw}
	}
}

var twoCharOps = map[string]bool{
	"<=": true, ">=": true, "<>": true, "!=": true, "||": true,
	"::": true, "->": true, "<<": true, ">>": true, "==": true,
}

// skipWhitespaceAndComments skips whitespace and SQL comments.
func (l *Lexer) skipWhitespaceAndComments() {
	for {
		for l.ch == ' ' || l.ch == '\t' || l.ch == '\n' || l.ch == '\r' || l.ch == '\f' {
			l.readChar()
		}
		// Line comment (-- ..., and # ... in BigQuery)
		if (l.ch == '-' && l.peekChar() == '-') || (l.ch == '#' && l.dialect == BigQuery) {
			for l.ch != '\n' && l.ch != 0 {
				l.readChar()
			}
			continue
		}
		// Block comment (/* ... */)
		if l.ch == '/' && l.peekChar() == '*' {
			l.readChar() // skip /
			l.readChar() // skip *
			closed := false
			for l.ch != 0 {
				if l.ch == '*' && l.peekChar() == '/' {
					l.readChar()
					l.readChar()
					closed = true
					break
				}
				l.readChar()
			}
			if !closed {
				l.setErr(fmt.Errorf("unterminated block comment"))
			}
			continue
		}
		break
	}
}

// readQuoted reads a literal delimited by quote. A doubled quote always
// escapes the quote; with backslash set, a backslash escapes the next
// character too.
func (l *Lexer) readQuoted(quote byte, backslash bool) string {
	l.readChar() // skip opening quote
	var result strings.Builder
	for l.ch != 0 {
		switch {
		case backslash && l.ch == '\\' && l.peekChar() != 0:
			l.readChar()
			result.WriteByte(l.ch)
			l.readChar()
		case l.ch == quote && l.peekChar() == quote:
			result.WriteByte(quote)
			l.readChar()
			l.readChar()
		case l.ch == quote:
			l.readChar() // skip closing quote
			return result.String()
		default:
			result.WriteByte(l.ch)
			l.readChar()
		}
	}
	l.setErr(fmt.Errorf("unterminated quoted literal %q", string(quote)))
	return result.String()
}

// dollarTag returns the opening delimiter ($$ or $tag$) when the input at
// the current position starts a dollar-quoted string, and "" otherwise.
func (l *Lexer) dollarTag() string {
	rest := l.input[l.pos:]
	for i := 1; i < len(rest); i++ {
		c := rest[i]
		switch {
		case c == '$':
			return rest[:i+1]
		case isLetter(c) || c == '_' || (i > 1 && isDigit(c)):
		default:
			return ""
		}
	}
	return ""
}

// readDollarQuoted reads a literal that starts and ends with tag.
func (l *Lexer) readDollarQuoted(tag string) string {
	body := l.pos + len(tag)
	end := strings.Index(l.input[body:], tag)
	if end < 0 {
		l.setErr(fmt.Errorf("unterminated dollar-quoted literal %s", tag))
		l.readPos = len(l.input)
		l.readChar()
		return l.input[body:]
	}
	lit := l.input[body : body+end]
	l.readPos = body + end + len(tag)
	l.readChar()
	return lit
}

func (l *Lexer) readIdentifier() string {
	start := l.pos
	for isLetter(l.ch) || isDigit(l.ch) || l.ch == '_' {
		l.readChar()
	}
	return l.input[start:l.pos]
}

// readNumber reads a numeric literal (integer, decimal, or scientific).
func (l *Lexer) readNumber() string {
	start := l.pos
	for isDigit(l.ch) {
		l.readChar()
	}
	if l.ch == '.' && isDigit(l.peekChar()) {
		l.readChar()
		for isDigit(l.ch) {
			l.readChar()
		}
	}
	if l.ch == 'e' || l.ch == 'E' {
		l.readChar()
		if l.ch == '+' || l.ch == '-' {
			l.readChar()
		}
		for isDigit(l.ch) {
			l.readChar()
		}
	}
	return l.input[start:l.pos]
}

func (l *Lexer) setErr(err error) {
	if l.err == nil {
		l.err = err
	}
}

func isLetter(ch byte) bool {
	return ch >= 0x80 || unicode.IsLetter(rune(ch))
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}

// Tokenize returns every BigQuery token in input, excluding EOF.
func Tokenize(input string) ([]Token, error) {
	return BigQuery.Tokenize(input)
}

// Tokenize returns every token in input under d's rules, excluding EOF.
func (d Dialect) Tokenize(input string) ([]Token, error) {
	l := NewDialectLexer(input, d)
	var toks []Token
	for {
		l.skipWhitespaceAndComments()
		pos := l.pos
		tok := l.NextToken()
		tok.Pos = pos
		if tok.Type == TokenEOF {
			break
		}
		toks = append(toks, tok)
	}
	return toks, l.Err()
}
