package network

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchKeyExpr(t *testing.T) {
	cases := []struct {
		expr, topic string
		want        bool
	}{
		{"bench/db/DBI_1", "bench/db/DBI_1", true},
		{"bench/db/DBI_1", "bench/db/DBI_2", false},
		{"bench/*/DBI_1", "bench/db/DBI_1", true},
		{"bench/*", "bench/db/DBI_1", false},
		{"bench/**", "bench/db/DBI_1", true},
		{"bench/**", "bench", true},
		{"**/DBI_7", "bench/db/DBI_7", true},
		{"bench/**/DBI_7", "bench/DBI_7", true},
		{"bench/**/DBI_7", "bench/db/x/DBI_8", false},
		{"other/**", "bench/db/DBI_1", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, MatchKeyExpr(tc.expr, tc.topic), "%s ~ %s", tc.expr, tc.topic)
	}
}

func TestValidateKeyExpr(t *testing.T) {
	require.NoError(t, ValidateKeyExpr("bench/db/**"))
	for _, bad := range []string{"", "bench//db", "bench/db*", "/bench"} {
		err := ValidateKeyExpr(bad)
		require.Error(t, err, bad)
		assert.True(t, errors.Is(err, ErrInvalidKeyExpr))
	}
}

func TestResolveKeyExpr(t *testing.T) {
	topics := []string{"bench/db/DBI_0", "bench/db/DBI_1", "other/x", "bench/db/DBI_0"}
	assert.Equal(t, []string{"bench/db/DBI_0", "bench/db/DBI_1"}, ResolveKeyExpr("bench/**", topics))
	assert.Equal(t, []string{"plain/topic"}, ResolveKeyExpr("plain/topic", nil))
	assert.Empty(t, ResolveKeyExpr("none/**", topics))
}

func TestNATSSubject(t *testing.T) {
	s, err := natsSubject("bench/db/**")
	require.NoError(t, err)
	assert.Equal(t, "bench.db.>", s)

	s, err = natsSubject("bench/*/DBI_3")
	require.NoError(t, err)
	assert.Equal(t, "bench.*.DBI_3", s)

	_, err = natsSubject("bench/**/DBI_3")
	assert.ErrorIs(t, err, ErrInvalidKeyExpr)

	_, err = natsSubject("bench/v1.2")
	assert.ErrorIs(t, err, ErrInvalidKeyExpr)

	assert.Equal(t, "bench/db/DBI_3", topicFromSubject("bench.db.DBI_3"))
}
