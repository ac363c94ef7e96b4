package cli

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sequencer/utils"
)

func TestRootCommand_Tree(t *testing.T) {
	cmd := NewRootCommand()
	var names []string
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	assert.Subset(t, names, []string{"serve", "pass", "sweep", "reconcile", "token"})
}

func TestRootCommand_RejectsFormat(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"--format", "yaml", "token", "1"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	assert.ErrorContains(t, cmd.Execute(), "invalid format")
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("DB_PASSWORD", "pw")
	t.Setenv("ENCRYPTION_KEY", "cli-secret")
	t.Setenv("JWT_SECRET", "cli-jwt")

	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--format", "json", "token", "12", "--name", "cron"})
	require.NoError(t, cmd.Execute())

	var resp struct {
		Success bool           `json:"success"`
		Message string         `json:"message"`
		Data    map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.True(t, resp.Success)
	_, err := utils.ParseJWTToken("cli-secret", resp.Message)
	assert.Error(t, err, "tokens are not signed with the encryption key")
	claims, err := utils.ParseJWTToken("cli-jwt", resp.Message)
	require.NoError(t, err)
	assert.Equal(t, uint(12), claims.WorkspaceID)
	assert.Equal(t, "cron", claims.Name)

	cmd = NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"token", "zero"})
	assert.ErrorContains(t, cmd.Execute(), "invalid workspace id")
}

func TestReport_Text(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, report(&out, &RootOptions{Format: "text"}, "Checked 3 enrollments, stopped 1", nil))
	assert.Equal(t, "Checked 3 enrollments, stopped 1\n", out.String())
}
