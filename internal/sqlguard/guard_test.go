package sqlguard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLexer_Tokens(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantType TokenType
		wantLit  string
	}{
		{"keyword", "SELECT", TokenKeyword, "select"},
		{"ident", "customer_id", TokenIdent, "customer_id"},
		{"backtick", "`gama-454419.sales.orders`", TokenQuotedIdent, "gama-454419.sales.orders"},
		{"string", "'it''s'", TokenString, "it's"},
		{"string_backslash", `'it\'s'`, TokenString, "it's"},
		{"double_quoted", `"DROP"`, TokenString, "DROP"},
		{"named_param", "@customer", TokenParam, "customer"},
		{"dollar_param", "$1", TokenParam, "1"},
		{"positional_param", "?", TokenParam, "?"},
		{"number", "1.5e10", TokenNumber, "1.5e10"},
		{"le", "<=", TokenPunct, "<="},
		{"lt_at_end", "<", TokenPunct, "<"},
		{"semicolon", ";", TokenSemicolon, ";"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			l := NewLexer(tc.input)
			tok := l.NextToken()
			assert.Equal(t, tc.wantType, tok.Type, "token type")
			assert.Equal(t, tc.wantLit, tok.Literal, "token literal")
			assert.Equal(t, TokenEOF, l.NextToken().Type)
			assert.NoError(t, l.Err())
		})
	}
}

func TestTokenize_CommentsAndPositions(t *testing.T) {
	toks, err := Tokenize("-- leading\nSELECT /* inline */ a # trailing\n")
	require.NoError(t, err)
	require.Len(t, toks, 2)
	assert.Equal(t, "select", toks[0].Literal)
	assert.Equal(t, 11, toks[0].Pos)
	assert.Equal(t, "a", toks[1].Raw)
}

func TestTokenize_Unterminated(t *testing.T) {
	t.Parallel()

	for _, input := range []string{"SELECT 'abc", "SELECT `t", "SELECT 1 /* open"} {
		_, err := Tokenize(input)
		assert.Error(t, err, input)
	}
}

func TestCheck(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		sql     string
		wantErr string
	}{
		{name: "select", sql: "SELECT 1"},
		{name: "lower case", sql: "select * from `p.d.t` where x = @x"},
		{name: "with", sql: "WITH a AS (SELECT 1 AS n) SELECT n FROM a"},
		{name: "trailing semicolon", sql: "SELECT 1;"},
		{name: "parenthesized", sql: "(SELECT 1) UNION ALL (SELECT 2)"},
		{name: "keyword inside string", sql: "SELECT 'DROP TABLE x' AS msg"},
		{name: "keyword inside backticks", sql: "SELECT `update` FROM t"},
		{name: "keyword inside comment", sql: "SELECT 1 -- delete later"},
		{name: "empty", sql: "   ", wantErr: "query is empty"},
		{name: "only comment", sql: "-- nothing", wantErr: "query is empty"},
		{name: "insert", sql: "INSERT INTO t VALUES (1)", wantErr: `statement starts with "INSERT"`},
		{name: "drop", sql: "DROP TABLE t", wantErr: `statement starts with "DROP"`},
		{name: "multiple statements", sql: "SELECT 1; DROP TABLE t", wantErr: "multiple statements"},
		{name: "cte with dml", sql: "WITH a AS (SELECT 1) DELETE FROM t WHERE true", wantErr: "DELETE is not allowed"},
		{name: "set variable", sql: "SELECT 1 FROM t WHERE SET", wantErr: "SET is not allowed"},
		{name: "unterminated", sql: "SELECT 'x", wantErr: "unterminated"},
		{name: "illegal char", sql: "SELECT 1 \\", wantErr: "unexpected character"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := Check(tc.sql)
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrNotReadOnly)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	a, err := Normalize("SELECT  name\n  FROM `p.d.users` -- all users\nWHERE id = @id;")
	require.NoError(t, err)
	b, err := Normalize("select name from `p.d.users` where id = @id")
	require.NoError(t, err)

	assert.Equal(t, "select name from `p.d.users` where id = @id", a)
	assert.Equal(t, a, b)

	c, err := Normalize("select NAME from `p.d.users` where id = @id")
	require.NoError(t, err)
	assert.NotEqual(t, a, c, "identifiers keep their case")

	d, err := Normalize("select 'A' from t")
	require.NoError(t, err)
	e, err := Normalize("select 'a' from t")
	require.NoError(t, err)
	assert.NotEqual(t, d, e, "literals are preserved")
}

func TestRewriteParams(t *testing.T) {
	t.Parallel()

	got, err := RewriteParams("SELECT * FROM t WHERE a = @a AND b = '@b' -- @c\n AND d = @d", "$")
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM t WHERE a = $a AND b = '@b' -- @c\n AND d = $d", got)
}

func TestParamNames(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"a", "b"}, ParamNames("SELECT @a, @b, @a, '@c'"))
	assert.Empty(t, ParamNames("SELECT 1"))
}

func TestDialect_Quoting(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		dialect Dialect
		input   string
		want    []string // token literals
	}{
		{"bigquery backslash", BigQuery, `SELECT 'a\', 1'`, []string{"select", "a', 1"}},
		{"duckdb backslash is literal", DuckDB, `SELECT 'a\', 1`, []string{"select", `a\`, ",", "1"}},
		{"duckdb doubled quote", DuckDB, `SELECT 'it''s'`, []string{"select", "it's"}},
		{"duckdb escape string", DuckDB, `SELECT E'it\'s'`, []string{"select", "it's"}},
		{"duckdb dollar quoted", DuckDB, `SELECT $$it's; DROP$$`, []string{"select", "it's; DROP"}},
		{"duckdb tagged dollar quoted", DuckDB, `SELECT $q$a$$b$q$`, []string{"select", "a$$b"}},
		{"duckdb dollar param", DuckDB, `SELECT $min`, []string{"select", "min"}},
		{"duckdb hash is not a comment", DuckDB, `SELECT 1 # x`, []string{"select", "1", "#", "x"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			toks, err := tc.dialect.Tokenize(tc.input)
			require.NoError(t, err)
			got := make([]string, len(toks))
			for i, tok := range toks {
				got[i] = tok.Literal
			}
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDialect_CheckStackedStatementInLiteral(t *testing.T) {
	t.Parallel()

	const sql = `SELECT 'a\', 1; DROP TABLE sales.orders; --'`

	// GoogleSQL reads one string literal, so the text is a single SELECT.
	require.NoError(t, BigQuery.Check(sql))

	// DuckDB closes the literal at the backslash and sees a DROP.
	err := DuckDB.Check(sql)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotReadOnly)
	assert.Contains(t, err.Error(), "multiple statements")

	for _, ok := range []string{
		`SELECT E'a\', 1; DROP TABLE t; --'`,
		`SELECT 'a'';DROP TABLE t'`,
		`SELECT $$;DROP TABLE t$$`,
	} {
		assert.NoError(t, DuckDB.Check(ok), ok)
	}
	for _, bad := range []string{
		`SELECT 1 # ; DROP TABLE t`,
		`SELECT $$ open`,
		`SELECT "a\"; DROP TABLE t; --"`,
	} {
		assert.Error(t, DuckDB.Check(bad), bad)
	}
}
