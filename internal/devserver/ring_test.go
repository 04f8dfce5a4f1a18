package devserver

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingKeepsNewestLines(t *testing.T) {
	r := NewRing(3)
	assert.Empty(t, r.Lines(0))
	for _, l := range []string{"a", "b", "c", "d", "e"} {
		r.Add(l)
	}
	assert.Equal(t, []string{"c", "d", "e"}, r.Lines(0))
	assert.Equal(t, []string{"d", "e"}, r.Lines(2))
	assert.Equal(t, []string{"c", "d", "e"}, r.Lines(10))
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, int64(2), r.Dropped())
}

func TestRingPartiallyFilled(t *testing.T) {
	r := NewRing(5)
	r.Add("x")
	r.Add("y")
	assert.Equal(t, []string{"x", "y"}, r.Lines(0))
	assert.Equal(t, []string{"y"}, r.Lines(1))
	assert.Zero(t, r.Dropped())
}

func TestRingMinimumCapacity(t *testing.T) {
	r := NewRing(0)
	r.Add("1")
	r.Add("2")
	assert.Equal(t, []string{"2"}, r.Lines(0))
}

func TestParseListenAddress(t *testing.T) {
	cases := map[string]string{
		"  ➜  Local:   http://localhost:5173/":               "http://localhost:5173",
		"\x1b[32mready\x1b[0m - started server on 0.0.0.0:3000": "http://localhost:3000",
		"Listening on http://127.0.0.1:8080":                 "http://localhost:8080",
		"Server running at https://myapp.local:8443/path":    "https://myapp.local:8443",
		"Serving HTTP on [::]:8000":                          "http://localhost:8000",
		"server listening on port 4000":                      "http://localhost:4000",
		"compiled successfully in 200ms":                     "",
		"see docs at http://example.com:80":                  "",
	}
	for line, want := range cases {
		assert.Equal(t, want, ParseListenAddress(line), "line %q", line)
	}
}
