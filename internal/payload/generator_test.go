package payload

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xf61/sqlhound/api/schemas"
)

var allContexts = []schemas.ReflectionContext{
	schemas.ContextHTMLText,
	schemas.ContextHTMLAttrSingle,
	schemas.ContextHTMLAttrDouble,
	schemas.ContextJSStringSingle,
	schemas.ContextJSStringDouble,
	schemas.ContextUnknown,
}

// evalLiteralCondition algebraically evaluates the boolean condition at the
// tail of a generated fragment, e.g. "AND 1=1" or "OR 'a' LIKE 'b'".
// It returns the truth value of the comparison itself.
func evalLiteralCondition(t *testing.T, wrapped string) bool {
	t.Helper()

	body := strings.TrimSuffix(wrapped, "-- ")
	body = strings.TrimPrefix(body, "'")
	body = strings.TrimPrefix(body, `"`)
	body = strings.TrimSpace(body)
	for _, op := range []string{"AND ", "OR "} {
		body = strings.TrimPrefix(body, op)
	}

	cmp := regexp.MustCompile(`^(?:')?([^'=\s]+)(?:')?\s*(?:=|LIKE)\s*(?:')?([^'=\s]+)(?:')?$`)
	m := cmp.FindStringSubmatch(strings.TrimSpace(body))
	require.NotNil(t, m, "unparseable condition: %q", wrapped)
	return m[1] == m[2]
}

func TestGenerate_BooleanTautologyProperty(t *testing.T) {
	for _, dialect := range schemas.AllDialects {
		for _, ctx := range allContexts {
			pairs := Generate(schemas.TechniqueBooleanBased, dialect, ctx, Options{})
			require.NotEmpty(t, pairs, "dialect=%s ctx=%s", dialect, ctx)
			for _, p := range pairs {
				assert.True(t, evalLiteralCondition(t, p.TrueBody),
					"TRUE member must be a tautology: %q", p.TrueBody)
				assert.False(t, evalLiteralCondition(t, p.FalseBody),
					"FALSE member must be a contradiction: %q", p.FalseBody)
			}
		}
	}
}

func TestContextualize_QuotePrefixes(t *testing.T) {
	frag := "AND 1=1"

	single := Contextualize(frag, schemas.ContextHTMLAttrSingle, schemas.DialectMySQL)
	assert.True(t, strings.HasPrefix(single, "'"), "got %q", single)
	assert.True(t, strings.HasSuffix(single, "-- "))

	double := Contextualize(frag, schemas.ContextJSStringDouble, schemas.DialectMySQL)
	assert.True(t, strings.HasPrefix(double, `"`))

	text := Contextualize(frag, schemas.ContextHTMLText, schemas.DialectMySQL)
	assert.False(t, strings.HasPrefix(text, "'"))
	assert.False(t, strings.HasPrefix(text, `"`))
}

func TestContextualize_Idempotent(t *testing.T) {
	for _, ctx := range allContexts {
		once := Contextualize("AND 1=1", ctx, schemas.DialectMySQL)
		twice := Contextualize(once, ctx, schemas.DialectMySQL)
		assert.Equal(t, once, twice, "double wrap in %s", ctx)
	}
}

func TestGenerate_TimeBasedPerDialect(t *testing.T) {
	cases := map[schemas.Dialect]string{
		schemas.DialectMySQL:      "SLEEP(7)",
		schemas.DialectPostgreSQL: "pg_sleep(7)",
		schemas.DialectMSSQL:      "WAITFOR DELAY",
		schemas.DialectOracle:     "DBMS_PIPE.RECEIVE_MESSAGE",
		schemas.DialectSQLite:     "RANDOMBLOB",
	}
	for dialect, want := range cases {
		payloads := Generate(schemas.TechniqueTimeBased, dialect, schemas.ContextHTMLText, Options{SleepSeconds: 7})
		require.NotEmpty(t, payloads, "dialect=%s", dialect)
		found := false
		for _, p := range payloads {
			if strings.Contains(p.Body, want) {
				found = true
			}
		}
		assert.True(t, found, "dialect %s expects %q in some payload", dialect, want)
	}

	// Unknown dialect has no sleep primitive to emit.
	assert.Empty(t, Generate(schemas.TechniqueTimeBased, schemas.DialectUnknown, schemas.ContextHTMLText, Options{}))
}

func TestGenerate_TimeBasedWrapsBothOperators(t *testing.T) {
	payloads := Generate(schemas.TechniqueTimeBased, schemas.DialectMySQL, schemas.ContextHTMLText, Options{})
	var sawAnd, sawOr bool
	for _, p := range payloads {
		if strings.Contains(p.Body, "AND ") {
			sawAnd = true
		}
		if strings.Contains(p.Body, "OR ") {
			sawOr = true
		}
	}
	assert.True(t, sawAnd && sawOr)
}

func TestGenerate_ErrorBased(t *testing.T) {
	generic := Generate(schemas.TechniqueErrorBased, schemas.DialectUnknown, schemas.ContextHTMLText, Options{})
	require.NotEmpty(t, generic)
	assert.Equal(t, "'", generic[0].Body)

	mssql := Generate(schemas.TechniqueErrorBased, schemas.DialectMSSQL, schemas.ContextHTMLText, Options{})
	assert.Greater(t, len(mssql), len(generic), "MSSQL adds coercion probes")
	var convert bool
	for _, p := range mssql {
		if strings.Contains(p.Body, "CONVERT(int,") {
			convert = true
		}
	}
	assert.True(t, convert)
}

func TestGenerate_OOB(t *testing.T) {
	// Without a collaborator nothing is emitted.
	assert.Empty(t, Generate(schemas.TechniqueOOB, schemas.DialectMySQL, schemas.ContextHTMLText, Options{}))

	opts := Options{Collaborator: "oast.example.net", Token: "abc123"}
	for _, dialect := range []schemas.Dialect{
		schemas.DialectMySQL, schemas.DialectOracle, schemas.DialectMSSQL, schemas.DialectPostgreSQL,
	} {
		payloads := Generate(schemas.TechniqueOOB, dialect, schemas.ContextHTMLText, opts)
		require.NotEmpty(t, payloads, "dialect=%s", dialect)
		for _, p := range payloads {
			assert.Contains(t, p.Body, "abc123.oast.example.net")
		}
	}

	// SQLite has no OOB primitive.
	assert.Empty(t, Generate(schemas.TechniqueOOB, schemas.DialectSQLite, schemas.ContextHTMLText, opts))
}

func TestGenerate_NeverPanicsOnAnyCombination(t *testing.T) {
	techniques := []schemas.Technique{
		schemas.TechniqueErrorBased, schemas.TechniqueBooleanBased,
		schemas.TechniqueTimeBased, schemas.TechniqueUnionBased, schemas.TechniqueOOB,
	}
	dialects := append([]schemas.Dialect{schemas.DialectUnknown}, schemas.AllDialects...)
	for _, tech := range techniques {
		for _, d := range dialects {
			for _, c := range allContexts {
				assert.NotPanics(t, func() {
					Generate(tech, d, c, Options{Mutate: true, Collaborator: "x.test", Token: "t"})
				})
			}
		}
	}
}

func TestExtractionProbes(t *testing.T) {
	probes := ExtractionProbes(schemas.DialectMySQL, schemas.ContextHTMLText)
	require.Len(t, probes, 3)
	assert.Contains(t, probes[0].Body, "EXTRACTVALUE")

	assert.Nil(t, ExtractionProbes(schemas.DialectPostgreSQL, schemas.ContextHTMLText))
}

func TestMatchError(t *testing.T) {
	cases := []struct {
		body    string
		dialect schemas.Dialect
	}{
		{"You have an error in your SQL syntax near '1'", schemas.DialectMySQL},
		{"Unclosed quotation mark after the character string 'x'", schemas.DialectMSSQL},
		{"ORA-00933: SQL command not properly ended", schemas.DialectOracle},
		{"ERROR: syntax error at or near \"'\"", schemas.DialectPostgreSQL},
		{"sqlite3.OperationalError: near \"'\"", schemas.DialectSQLite},
	}
	for _, tc := range cases {
		dialect, pattern, ok := MatchError([]byte(tc.body))
		require.True(t, ok, tc.body)
		assert.Equal(t, tc.dialect, dialect)
		assert.NotEmpty(t, pattern)
	}

	_, _, ok := MatchError([]byte("<html><body>All good</body></html>"))
	assert.False(t, ok)
}
