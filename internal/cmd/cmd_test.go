package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rand/council/internal/council"
	"github.com/rand/council/internal/gateway"
	"github.com/rand/council/internal/store"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct{ model string }

func (b fakeBackend) Generate(_ context.Context, prompt []council.ChatMessage) (gateway.Completion, error) {
	last := prompt[len(prompt)-1].Content
	usage := council.Usage{InputTokens: 1, OutputTokens: 1, TotalTokens: 2}
	switch {
	case strings.HasPrefix(last, "You are reviewing anonymized answers"):
		return gateway.Completion{Text: "FINAL RANKING:\n1. Response A\n2. Response B\n3. Response C", Usage: usage}, nil
	case strings.HasPrefix(last, "Write a short title"):
		return gateway.Completion{Text: "Handover Practice Tips", Usage: usage}, nil
	case strings.HasPrefix(last, "Several council members answered"):
		return gateway.Completion{Text: "Chairman synthesis about handovers", Usage: usage}, nil
	}
	return gateway.Completion{Text: "answer from " + b.model, Usage: usage}, nil
}

func fakeFactory(_ context.Context, b council.Binding) (gateway.Backend, error) {
	return fakeBackend{model: b.Model}, nil
}

type testEnv struct {
	cwd     string
	dataDir string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	prev := backendFactory
	backendFactory = fakeFactory
	t.Cleanup(func() { backendFactory = prev })
	t.Setenv("OPENROUTER_API_KEY", "test-key")
	return testEnv{cwd: t.TempDir(), dataDir: t.TempDir()}
}

// execute runs the root command with fresh flag values and captured output.
func (e testEnv) execute(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	resetFlags(rootCmd)

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetIn(strings.NewReader(""))
	rootCmd.SetArgs(append([]string{"--cwd", e.cwd, "--data-dir", e.dataDir}, args...))
	err = rootCmd.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func TestAsk_NewConversation(t *testing.T) {
	env := newTestEnv(t)

	stdout, stderr, err := env.execute(t, "ask", "How should students practice handovers?")
	require.NoError(t, err)

	assert.Contains(t, stdout, "Aggregate ranking")
	assert.Contains(t, stdout, "Chairman synthesis about handovers")
	assert.Contains(t, stderr, "Stage 1")
	assert.Contains(t, stderr, "Handover Practice Tips")
	assert.Contains(t, stderr, "Calls: 8")

	st, err := store.NewFileStore(filepath.Join(env.dataDir, "conversations"))
	require.NoError(t, err)
	summaries, err := st.List(context.Background())
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "Handover Practice Tips", summaries[0].Title)
	assert.Equal(t, 2, summaries[0].MessageCount)
	assert.Contains(t, stderr, summaries[0].ID)
}

func TestAsk_QuietAndContinue(t *testing.T) {
	env := newTestEnv(t)

	stdout, _, err := env.execute(t, "ask", "--json", "first question")
	require.NoError(t, err)
	var first struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	}
	require.NoError(t, json.Unmarshal([]byte(strings.SplitN(stdout, "\n", 2)[0]), &first))
	require.Equal(t, "conversation", first.Type)

	stdout, stderr, err := env.execute(t, "ask", "-q", "-C", first.ID, "follow up")
	require.NoError(t, err)
	assert.Equal(t, "Chairman synthesis about handovers\n", stdout)
	assert.Empty(t, stderr)

	stdout, _, err = env.execute(t, "conversations", "show", first.ID, "--json")
	require.NoError(t, err)
	var conv council.Conversation
	require.NoError(t, json.Unmarshal([]byte(stdout), &conv))
	assert.Len(t, conv.Messages, 4)
}

func TestAsk_JSONEvents(t *testing.T) {
	env := newTestEnv(t)

	stdout, _, err := env.execute(t, "ask", "--json", "--role", "Pharmacist: medication safety", "q")
	require.NoError(t, err)

	var types []string
	for _, line := range strings.Split(strings.TrimSpace(stdout), "\n") {
		var ev struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		require.NoError(t, json.Unmarshal([]byte(line), &ev))
		types = append(types, ev.Type)
		if ev.Type == "stage1_complete" {
			var stage1 []council.ModelResponse
			require.NoError(t, json.Unmarshal(ev.Data, &stage1))
			require.Len(t, stage1, 4)
			assert.Equal(t, "custom_1", stage1[3].MemberID)
			assert.Equal(t, "Pharmacist", stage1[3].Name)
		}
	}
	assert.Equal(t, "conversation", types[0])
	assert.Equal(t, "complete", types[len(types)-1])
	assert.Contains(t, types, "title_complete")
}

func TestAsk_UnknownConversationFails(t *testing.T) {
	env := newTestEnv(t)

	_, _, err := env.execute(t, "ask", "-C", "does-not-exist", "q")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestAsk_InputErrors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "no question", args: []string{"ask"}, wantErr: "no question"},
		{name: "bad role", args: []string{"ask", "--role", "nameless", "q"}, wantErr: "Name: description"},
		{name: "model without provider", args: []string{"ask", "--model", "gpt-4o", "q"}, wantErr: "require --provider"},
		{name: "unknown provider", args: []string{"ask", "--provider", "bogus", "--model", "m", "q"}, wantErr: "unsupported provider"},
		{name: "compat without url", args: []string{"ask", "--provider", "openai-compat", "--model", "llama3", "q"}, wantErr: "base_url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := env.execute(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseRoles(t *testing.T) {
	roles, err := parseRoles([]string{"Pharmacist: medication safety", " Ethicist :consent: and capacity "})
	require.NoError(t, err)
	require.Len(t, roles, 2)
	assert.Equal(t, council.CustomRole{ID: "custom_1", Name: "Pharmacist", Description: "medication safety"}, roles[0])
	assert.Equal(t, council.CustomRole{ID: "custom_2", Name: "Ethicist", Description: "consent: and capacity"}, roles[1])

	_, err = parseRoles([]string{": no name"})
	assert.Error(t, err)
}

func TestMaybePrependStdin(t *testing.T) {
	got, err := MaybePrependStdin(strings.NewReader("piped notes\n"), "summarize")
	require.NoError(t, err)
	assert.Equal(t, "piped notes\n\nsummarize", got)

	got, err = MaybePrependStdin(strings.NewReader(""), "summarize")
	require.NoError(t, err)
	assert.Equal(t, "summarize", got)

	got, err = MaybePrependStdin(strings.NewReader("only stdin"), "")
	require.NoError(t, err)
	assert.Equal(t, "only stdin", got)
}

func TestConversations_ListShowDelete(t *testing.T) {
	env := newTestEnv(t)

	stdout, _, err := env.execute(t, "conversations", "list")
	require.NoError(t, err)
	assert.Contains(t, stdout, "No conversations yet")

	_, _, err = env.execute(t, "ask", "-q", "What is SBAR?")
	require.NoError(t, err)

	stdout, _, err = env.execute(t, "conversations", "list", "--json")
	require.NoError(t, err)
	var summaries []council.Summary
	require.NoError(t, json.Unmarshal([]byte(stdout), &summaries))
	require.Len(t, summaries, 1)
	id := summaries[0].ID

	stdout, _, err = env.execute(t, "conversations", "show", id)
	require.NoError(t, err)
	assert.Contains(t, stdout, "What is SBAR?")
	assert.Contains(t, stdout, "3/3 members answered")

	stdout, _, err = env.execute(t, "conv", "delete", id)
	require.NoError(t, err)
	assert.Contains(t, stdout, "Deleted "+id)

	_, _, err = env.execute(t, "conversations", "show", id)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, _, err = env.execute(t, "conversations", "delete", id)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestConfigShow(t *testing.T) {
	env := newTestEnv(t)
	yamlConfig := "council:\n  custom:\n    provider: openai\n    model: gpt-4o-mini\n    api_key: sk-proj-abcdefghijkl\n"
	require.NoError(t, os.WriteFile(filepath.Join(env.cwd, ".council.yaml"), []byte(yamlConfig), 0o600))

	stdout, _, err := env.execute(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Effective Configuration")
	assert.Contains(t, stdout, filepath.Join(env.cwd, ".council.yaml"))
	assert.Contains(t, stdout, "openai/gpt-4o-mini")
	assert.NotContains(t, stdout, "sk-proj-abcdefghijkl")

	stdout, _, err = env.execute(t, "config", "show", "--json")
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &doc))
	assert.Contains(t, doc, "council")
	assert.NotContains(t, stdout, "sk-proj-abcdefghijkl")

	stdout, _, err = env.execute(t, "config", "show", "--yaml")
	require.NoError(t, err)
	assert.Contains(t, stdout, "base_prompt:")
}

func TestConfigValidate(t *testing.T) {
	env := newTestEnv(t)

	stdout, _, err := env.execute(t, "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, stdout, "✓ Configuration is valid")

	t.Setenv("OPENROUTER_API_KEY", "")
	stdout, _, err = env.execute(t, "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, stdout, "OPENROUTER_API_KEY")
	assert.Contains(t, stdout, "valid with warnings")

	bad := filepath.Join(env.cwd, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("council:\n  members: []\n"), 0o600))
	_, stderr, err := env.execute(t, "config", "validate", "--config", bad)
	require.Error(t, err)
	assert.Contains(t, stderr, "✗ Configuration error")
}

func TestConfigPath(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(env.cwd, ".council.toml"), []byte(""), 0o600))

	stdout, _, err := env.execute(t, "config", "path")
	require.NoError(t, err)
	assert.Contains(t, stdout, "✓ "+filepath.Join(env.cwd, ".council.toml"))
	assert.Contains(t, stdout, "✗ "+filepath.Join(env.cwd, ".council.yaml"))
	assert.Contains(t, stdout, "Active config:  "+filepath.Join(env.cwd, ".council.toml"))
}

func TestConfigSchema(t *testing.T) {
	env := newTestEnv(t)

	stdout, _, err := env.execute(t, "config", "schema")
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &doc))
	assert.Contains(t, doc, "properties")
}

func TestConfigEditCreatesDefault(t *testing.T) {
	env := newTestEnv(t)
	t.Setenv("EDITOR", "true")

	stdout, _, err := env.execute(t, "config", "edit")
	require.NoError(t, err)
	path := filepath.Join(env.dataDir, "config.yaml")
	assert.Contains(t, stdout, "Created new config file: "+path)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "Council configuration")
	assert.Contains(t, string(content), "members:")

	stdout, _, err = env.execute(t, "config", "edit")
	require.NoError(t, err)
	assert.NotContains(t, stdout, "Created new config file")
}

func TestResolveCwd(t *testing.T) {
	dir := t.TempDir()
	cmd := &cobra.Command{}
	cmd.Flags().String("cwd", "", "")

	got, err := ResolveCwd(cmd)
	require.NoError(t, err)
	wd, _ := os.Getwd()
	assert.Equal(t, wd, got)

	require.NoError(t, cmd.Flags().Set("cwd", dir))
	got, err = ResolveCwd(cmd)
	require.NoError(t, err)
	assert.Equal(t, dir, got)

	require.NoError(t, cmd.Flags().Set("cwd", filepath.Join(dir, "missing")))
	_, err = ResolveCwd(cmd)
	assert.Error(t, err)
}
