package auth_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tabi/internal/auth"
)

func TestParseOperators(t *testing.T) {
	hash, err := auth.HashAPIKey("s3cret")
	require.NoError(t, err)

	tests := []struct {
		name    string
		entries []string
		wantLen int
		wantErr string
	}{
		{name: "empty", wantLen: 0},
		{name: "default role", entries: []string{"ops-akiko:" + hash}, wantLen: 1},
		{name: "explicit role", entries: []string{"audit-1:auditor:" + hash}, wantLen: 1},
		{name: "missing hash", entries: []string{"ops-akiko"}, wantErr: "want id:hash"},
		{name: "empty id", entries: []string{":" + hash}, wantErr: "empty id"},
		{name: "unknown role", entries: []string{"ops-akiko:root:" + hash}, wantErr: "unknown role"},
		{name: "duplicate", entries: []string{"a:" + hash, "a:" + hash}, wantErr: "listed twice"},
		{name: "malformed hash", entries: []string{"ops-akiko:not-a-hash"}, wantErr: "invalid hash format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ops, err := auth.ParseOperators(tt.entries)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantLen, ops.Len())
		})
	}
}

func TestOperatorsAuthenticate(t *testing.T) {
	opHash, err := auth.HashAPIKey("operator-key")
	require.NoError(t, err)
	auditHash, err := auth.HashAPIKey("auditor-key")
	require.NoError(t, err)

	ops, err := auth.ParseOperators([]string{
		"ops-akiko:" + opHash,
		"audit-1:auditor:" + auditHash,
	})
	require.NoError(t, err)

	role, err := ops.Authenticate("ops-akiko", "operator-key")
	require.NoError(t, err)
	assert.Equal(t, auth.RoleOperator, role)

	role, err = ops.Authenticate("audit-1", "auditor-key")
	require.NoError(t, err)
	assert.Equal(t, auth.RoleAuditor, role)

	_, err = ops.Authenticate("ops-akiko", "auditor-key")
	require.ErrorIs(t, err, auth.ErrInvalidCredentials)

	_, err = ops.Authenticate("nobody", "operator-key")
	require.ErrorIs(t, err, auth.ErrInvalidCredentials)

	var none *auth.Operators
	_, err = none.Authenticate("ops-akiko", "operator-key")
	require.ErrorIs(t, err, auth.ErrInvalidCredentials)
}
