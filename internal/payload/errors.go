package payload

import (
	"regexp"

	"github.com/0xf61/sqlhound/api/schemas"
)

// dialectError couples a database error regex with the dialect it betrays.
type dialectError struct {
	dialect schemas.Dialect
	rx      *regexp.Regexp
}

// errorPatterns are checked in order against response bodies; the first
// match wins and its dialect is taken as the backend. Dialect-specific
// patterns come before the generic tail so inference stays meaningful.
var errorPatterns = []dialectError{
	// MySQL / MariaDB
	{schemas.DialectMySQL, regexp.MustCompile(`(?i)you have an error in your sql syntax`)},
	{schemas.DialectMySQL, regexp.MustCompile(`(?i)warning: mysql_fetch_array\(\)`)},
	{schemas.DialectMySQL, regexp.MustCompile(`(?i)supplied argument is not a valid mysql result resource`)},
	{schemas.DialectMySQL, regexp.MustCompile(`(?i)unknown column '[^']+' in 'where clause'`)},
	{schemas.DialectMySQL, regexp.MustCompile(`(?i)check the manual that corresponds to your (mysql|mariadb) server version`)},

	// SQL Server
	{schemas.DialectMSSQL, regexp.MustCompile(`(?i)unclosed quotation mark after the character string`)},
	{schemas.DialectMSSQL, regexp.MustCompile(`(?i)microsoft ole db provider for sql server`)},
	{schemas.DialectMSSQL, regexp.MustCompile(`(?i)conversion failed when converting the (n?varchar|varchar) value`)},
	{schemas.DialectMSSQL, regexp.MustCompile(`(?i)invalid column name`)},

	// Oracle
	{schemas.DialectOracle, regexp.MustCompile(`(?i)ora-00933: sql command not properly ended`)},
	{schemas.DialectOracle, regexp.MustCompile(`(?i)ora-01756: quoted string not properly terminated`)},
	{schemas.DialectOracle, regexp.MustCompile(`(?i)ora-00942: table or view does not exist`)},
	{schemas.DialectOracle, regexp.MustCompile(`(?i)ora-01400: cannot insert null into`)},

	// PostgreSQL
	{schemas.DialectPostgreSQL, regexp.MustCompile(`(?i)postgresql query failed`)},
	{schemas.DialectPostgreSQL, regexp.MustCompile(`(?i)unterminated quoted string`)},
	{schemas.DialectPostgreSQL, regexp.MustCompile(`(?i)syntax error at or near`)},
	{schemas.DialectPostgreSQL, regexp.MustCompile(`(?i)invalid input syntax for type`)},
	{schemas.DialectPostgreSQL, regexp.MustCompile(`(?i)pg_query\(\)[: ]`)},

	// SQLite
	{schemas.DialectSQLite, regexp.MustCompile(`(?i)sqlite3?\.(operational|database)error`)},
	{schemas.DialectSQLite, regexp.MustCompile(`(?i)no such column`)},
	{schemas.DialectSQLite, regexp.MustCompile(`(?i)sqlite error`)},

	// Generic fallbacks; dialect stays unknown.
	{schemas.DialectUnknown, regexp.MustCompile(`(?i)\bsql error\b`)},
	{schemas.DialectUnknown, regexp.MustCompile(`(?i)quoted string not properly terminated`)},
	{schemas.DialectUnknown, regexp.MustCompile(`(?i)incorrect syntax near`)},
	{schemas.DialectUnknown, regexp.MustCompile(`(?i)unclosed quote`)},
}

// MatchError scans a response body for known database error messages.
// It returns the inferred dialect, the pattern that matched, and whether
// anything matched at all.
func MatchError(body []byte) (schemas.Dialect, string, bool) {
	for _, p := range errorPatterns {
		if p.rx.Match(body) {
			return p.dialect, p.rx.String(), true
		}
	}
	return schemas.DialectUnknown, "", false
}

// leakedScalarRx pulls the value an EXTRACTVALUE/UPDATEXML probe smuggled
// into MySQL's XPath error message. The 0x7e tilde prefix in the probe
// marks where the scalar starts.
var leakedScalarRx = regexp.MustCompile(`(?i)xpath syntax error: '~([^']*)'`)

// ExtractLeakedScalar recovers a proof-of-concept value leaked through an
// error-based extraction probe.
func ExtractLeakedScalar(body []byte) (string, bool) {
	m := leakedScalarRx.FindSubmatch(body)
	if m == nil {
		return "", false
	}
	return string(m[1]), true
}
