package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cmdgate/internal/domain"
)

func TestSamplesFollowPatternStructure(t *testing.T) {
	assert.Equal(t, []string{"git "}, Samples(`git\s+`))
	assert.Equal(t, []string{"mkfs."}, Samples(`mkfs\.`))
	assert.Contains(t, Samples(`^(ls|cat|pwd|echo)(\s|$)`), "pwd ")
	assert.Contains(t, Samples(`^(ls|cat|pwd|echo)(\s|$)`), "echo")
	assert.Nil(t, Samples(`(`))
}

func TestSamplesMatchTheirOwnPattern(t *testing.T) {
	for _, p := range []string{`git\s+`, `rm\s+-rf\s+/`, `:\(\)\{\s*:\|:&\s*\};:`, `^sudo\s+\w+`, `chmod [0-7]{3}`} {
		re, err := CompilePattern(p, true)
		require.NoError(t, err)
		samples := Samples(p)
		require.NotEmpty(t, samples, p)
		for _, s := range samples {
			assert.True(t, re.MatchString(s), "sample %q of %s", s, p)
		}
	}
}

func TestDetectConflictsDivergentActions(t *testing.T) {
	var c *Compiler
	set, _ := c.Compile([]domain.Rule{
		rule("reject-git", 1, `git\s+`, domain.ActionAutoReject),
		rule("accept-readonly", 2, `^(ls|cat|pwd|echo)(\s|$)`, domain.ActionAutoAccept),
	})
	conflicts := DetectConflicts(set)
	require.Len(t, conflicts, 1)
	got := conflicts[0]
	assert.Equal(t, "reject-git", got.First.ID)
	assert.Equal(t, "accept-readonly", got.Second.ID)
	assert.Equal(t, ConflictOverlap, got.Type)
	assert.Equal(t, SeverityHigh, got.Severity)

	for _, r := range []string{`git\s+`, `^(ls|cat|pwd|echo)(\s|$)`} {
		re, err := CompilePattern(r, true)
		require.NoError(t, err)
		assert.True(t, re.MatchString(got.TestCase), "witness %q vs %s", got.TestCase, r)
	}
}

func TestDetectConflictsShadow(t *testing.T) {
	var c *Compiler
	set, _ := c.Compile([]domain.Rule{
		rule("broad", 1, `rm`, domain.ActionNeedsApproval),
		rule("narrow", 2, `rm\s+-rf`, domain.ActionAutoReject),
	})
	conflicts := DetectConflicts(set)
	require.Len(t, conflicts, 1)
	assert.Equal(t, ConflictShadow, conflicts[0].Type)
	assert.Equal(t, "rm -rf", conflicts[0].TestCase)
}

func TestDetectConflictsIgnoresSameAction(t *testing.T) {
	var c *Compiler
	set, _ := c.Compile([]domain.Rule{
		rule("a", 1, `rm`, domain.ActionAutoReject),
		rule("b", 2, `rm\s+-rf`, domain.ActionAutoReject),
	})
	assert.Empty(t, DetectConflicts(set))
}

func TestDetectConflictsDisjointRules(t *testing.T) {
	var c *Compiler
	set, _ := c.Compile([]domain.Rule{
		rule("a", 1, `^ls$`, domain.ActionAutoAccept),
		rule("b", 2, `^pwd$`, domain.ActionAutoReject),
	})
	assert.Empty(t, DetectConflicts(set))
}
