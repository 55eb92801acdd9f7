package errorsig

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeStripsLocationNoiseAndKeepsFirstLine(t *testing.T) {
	a := RawError{Type: "TypeError", Message: "x is undefined at /app/foo.js:12:5\nsecond line"}
	b := RawError{Type: "pkg.mod.TypeError", Message: "x is undefined (file.js:99:1)"}
	assert.Equal(t, Normalize(a), Normalize(b))
}

func TestNormalizeUnknownTypeFallsBack(t *testing.T) {
	assert.Equal(t, "UnknownError:boom", Normalize(RawError{Type: "", Message: "boom"}))
}

func TestNormalizeStripsInPathAndOnLineVariants(t *testing.T) {
	a := Normalize(RawError{Type: "Err", Message: "bad thing in /var/www/app.php"})
	b := Normalize(RawError{Type: "Err", Message: "bad thing on line 42"})
	assert.Equal(t, "Err:bad thing", a)
	assert.Equal(t, "Err:bad thing", b)
}

func TestAreSameComparesNormalizedForm(t *testing.T) {
	a := RawError{Type: "SyntaxError", Message: "unexpected token at foo.go:3:4"}
	b := RawError{Type: "SyntaxError", Message: "unexpected token at bar.go:99:1"}
	assert.True(t, AreSame(a, b))
}

func TestAreSameFalseWhenMessagesDiffer(t *testing.T) {
	a := RawError{Type: "SyntaxError", Message: "unexpected token"}
	b := RawError{Type: "SyntaxError", Message: "missing semicolon"}
	assert.False(t, AreSame(a, b))
}

func TestCreateProducesStableHashForEquivalentErrors(t *testing.T) {
	a := Create(RawError{Type: "TypeError", Message: "x is undefined at foo.js:1:1"})
	b := Create(RawError{Type: "TypeError", Message: "x is undefined at bar.js:99:9"})
	assert.Equal(t, a.Hash, b.Hash)
	assert.Len(t, a.Hash, 8)
}

func TestTrackerRecordsHistoryAndCounts(t *testing.T) {
	tr := NewTracker()
	sig1 := tr.Record(RawError{Type: "TypeError", Message: "boom"})
	assert.True(t, tr.Seen(sig1))

	tr.Record(RawError{Type: "TypeError", Message: "boom"})
	counts := tr.GetErrorCounts()
	assert.Equal(t, 2, counts[sig1.Hash])
	assert.Len(t, tr.History(), 2)
}
