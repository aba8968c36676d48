package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cmdgate/internal/domain"
)

func TestParseTierThresholds(t *testing.T) {
	base := domain.DefaultTierThresholds()

	got, err := parseTierThresholds("junior=5, lead=2", base)
	require.NoError(t, err)
	assert.Equal(t, domain.TierThresholds{Junior: 5, Mid: 2, Senior: 1, Lead: 2}, got)

	got, err = parseTierThresholds("", base)
	require.NoError(t, err)
	assert.Equal(t, base, got)

	_, err = parseTierThresholds("intern=1", base)
	assert.ErrorContains(t, err, "unknown tier")
	_, err = parseTierThresholds("mid", base)
	assert.ErrorContains(t, err, "expected tier=n")
	_, err = parseTierThresholds("mid=two", base)
	assert.Error(t, err)
}
