package fingerprint

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHash_IdenticalBodies(t *testing.T) {
	body := []byte("<html><body><h1>Item 42</h1><p>In stock: 17 units</p></body></html>")
	assert.Equal(t, Hash(body), Hash(body))
	assert.Zero(t, Distance(Hash(body), Hash(body)))
}

func TestHash_SmallEditStaysClose(t *testing.T) {
	page := strings.Repeat("<tr><td>product row with description text</td></tr>", 40)
	a := Hash([]byte(page + "<p>generated at 10:00:01</p>"))
	b := Hash([]byte(page + "<p>generated at 10:00:02</p>"))

	assert.Less(t, Distance(a, b), 3, "timestamp churn must not flip the page identity")
	assert.True(t, Same(a, b, 3))
}

func TestHash_DistinctPagesAreFar(t *testing.T) {
	a := Hash([]byte(strings.Repeat("<tr><td>product listing row alpha beta gamma</td></tr>", 30)))
	b := Hash([]byte("<html><body>Internal Server Error: you have an error in your SQL syntax near '1'</body></html>"))

	assert.Greater(t, Distance(a, b), 3)
	assert.True(t, Different(a, b, 3))
	assert.False(t, Same(a, b, 3))
}

func TestHash_EmptyBody(t *testing.T) {
	assert.Equal(t, Simhash(0), Hash(nil))
	assert.Equal(t, Simhash(0), Hash([]byte("  \n\t ")))
}

func TestHash_TinyBody(t *testing.T) {
	// A single token still produces a stable non-zero fingerprint.
	a := Hash([]byte("ok"))
	assert.Equal(t, a, Hash([]byte("OK")))
	assert.NotZero(t, a)
}
