package worktree

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitize(t *testing.T) {
	cases := map[string]string{
		"feature/x":         "feature-x",
		"fix_bug-12":        "fix_bug-12",
		"release/v1.2":      "release-v1-2",
		"a b\tc":            "a-b-c",
		"ümlaut":            "-mlaut",
		"feat//double":      "feat--double",
		"":                  "",
		"already-sanitized": "already-sanitized",
	}
	for in, want := range cases {
		assert.Equal(t, want, Sanitize(in), "Sanitize(%q)", in)
	}
}

func TestSanitizeIdempotent(t *testing.T) {
	for _, b := range []string{"feature/x", "x.y.z", "weird name/with:colons", "日本/語", "--lead"} {
		once := Sanitize(b)
		assert.Equal(t, once, Sanitize(once), "branch %q", b)
		assert.Equal(t, once, Sanitize(b), "branch %q not deterministic", b)
	}
}

func TestPathFor(t *testing.T) {
	assert.Equal(t, "/repo/.worktrees/feature-x", PathFor("/repo", "", "feature/x"))
	assert.Equal(t, "/repo/trees/feature-x", PathFor("/repo", "trees", "feature/x"))
	assert.Equal(t, "/elsewhere/feature-x", PathFor("/repo", "/elsewhere", "feature/x"))
}

func TestErrorKinds(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", E(KindAlreadyExists, "create", `branch "a" already has a worktree`))
	assert.True(t, errors.Is(err, ErrAlreadyExists))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, KindAlreadyExists, KindOf(err))
	assert.Equal(t, "ALREADY_EXISTS", KindOf(err).Code())
	assert.Equal(t, KindBackend, KindOf(errors.New("boom")))
	assert.Contains(t, err.Error(), `create: branch "a" already has a worktree`)

	inner := errors.New("exit status 128")
	wrapped := Wrap(KindBackend, "remove", inner)
	assert.ErrorIs(t, wrapped, inner)
	assert.ErrorIs(t, wrapped, ErrBackend)
	assert.Nil(t, Wrap(KindBackend, "remove", nil))
}
