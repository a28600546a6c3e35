package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"onboarding-agent/internal/domain"
)

func execute(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func TestChat_Memory(t *testing.T) {
	out, errOut, err := execute(t, "hi\n\nEnglish\n/quit\nAna\n", "chat", "--memory", "--prefix", "> ")
	require.NoError(t, err)
	require.Empty(t, errOut)
	require.Contains(t, out, "> What's your name?")
	require.Equal(t, 2, strings.Count(out, "> "), out)
}

func TestChat_SQLiteThenHistoryAndProfile(t *testing.T) {
	db := filepath.Join(t.TempDir(), "onboarding.db")

	_, _, err := execute(t, "hi\nEnglish\nAna\n", "chat", "--db", db, "-c", "ana")
	require.NoError(t, err)

	out, _, err := execute(t, "", "history", "--db", db, "-c", "ana")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 6)
	require.Contains(t, lines[0], "user")
	require.Contains(t, lines[0], "hi")
	require.Contains(t, lines[3], "What's your name?")

	out, _, err = execute(t, "", "history", "--db", db, "-c", "ana", "-n", "2")
	require.NoError(t, err)
	require.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 2)

	out, _, err = execute(t, "", "profile", "--db", db, "-c", "ana")
	require.NoError(t, err)
	var p domain.ConversationProfile
	require.NoError(t, json.NewDecoder(strings.NewReader(out)).Decode(&p))
	require.Equal(t, "ana", p.ConversationID)
	require.Equal(t, "Ana", p.Name)
	require.Equal(t, "en", p.Language)
	require.Equal(t, domain.StepAskEntryMethod, p.Step)
	require.NotContains(t, out, "merged into")
}

func TestChat_ResumesConversation(t *testing.T) {
	db := filepath.Join(t.TempDir(), "onboarding.db")
	_, _, err := execute(t, "hi\nEnglish\n", "chat", "--db", db)
	require.NoError(t, err)

	_, _, err = execute(t, "Ana\n", "chat", "--db", db)
	require.NoError(t, err)

	out, _, err := execute(t, "", "profile", "--db", db)
	require.NoError(t, err)
	require.Contains(t, out, `"name": "Ana"`)
}

func TestProfile_Missing(t *testing.T) {
	_, _, err := execute(t, "", "profile", "--memory", "-c", "nobody")
	require.ErrorContains(t, err, `no profile for conversation "nobody"`)
}

func TestRoot_Validation(t *testing.T) {
	_, _, err := execute(t, "", "history", "--db", "")
	require.ErrorContains(t, err, "--db")

	_, _, err = execute(t, "", "chat", "--memory", "-c", " ")
	require.ErrorContains(t, err, "--conversation")
}

func TestChat_VerboseLogsToStderr(t *testing.T) {
	_, errOut, err := execute(t, "hi\n", "chat", "--memory", "-v")
	require.NoError(t, err)
	require.NotEmpty(t, errOut)
}
