package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValidateJWT_HS256(t *testing.T) {
	token, err := IssueHS256("acc-1", "secret", time.Minute)
	require.NoError(t, err)

	claims, err := ValidateJWT(token, "secret")
	require.NoError(t, err)
	require.Equal(t, "acc-1", claims.Subject)
}

func TestValidateJWT_Rejects(t *testing.T) {
	valid, err := IssueHS256("acc-1", "secret", time.Minute)
	require.NoError(t, err)
	expired, err := IssueHS256("acc-1", "secret", -time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		key   string
	}{
		{"wrong secret", valid, "other"},
		{"expired", expired, "secret"},
		{"garbage", "not-a-token", "secret"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateJWT(tt.token, tt.key)
			require.Error(t, err)
		})
	}
}
