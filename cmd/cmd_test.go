package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/snare/internal/bus"
	"github.com/xkilldash9x/snare/internal/config"
)

const validPlaybook = `
playbook_id: usdt_farm
url_pattern: 'usdt-farm\.example'
steps:
  - action: click
    selector: '#register'
    phase: FIND_REGISTER
  - action: type
    selector: '#email'
    value: '{email}'
    phase: REGISTER
`

func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	// Keep a config.yaml in the package directory from leaking in.
	t.Chdir(t.TempDir())

	root := NewRootCommand()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestVersion(t *testing.T) {
	out, err := executeCommand(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "snare version "+Version+"\n", out)

	out, err = executeCommand(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "snare version "+Version)
}

func TestRootCommandTree(t *testing.T) {
	root := NewRootCommand()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "investigate", "playbook", "version"} {
		assert.True(t, names[want], want)
	}
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func TestInvestigate_RequiresURL(t *testing.T) {
	_, err := executeCommand(t, "investigate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg(s)")
}

func TestPlaybookValidate(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, dir, "good.yaml", validPlaybook)
	bad := writeFile(t, dir, "nested/bad.json", `{"playbook_id": "Bad-ID", "url_pattern": "(", "steps": []}`)

	out, err := executeCommand(t, "playbook", "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, "OK    "+good+" (usdt_farm, 2 steps)")

	out, err = executeCommand(t, "playbook", "validate", dir)
	require.Error(t, err)
	assert.Equal(t, "1 of 2 playbook(s) invalid", err.Error())
	assert.Contains(t, out, "FAIL  "+bad)
	assert.Contains(t, out, "invalid regex in url_pattern")

	_, err = executeCommand(t, "playbook", "validate", filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestPlaybookList_UsesConfigFile(t *testing.T) {
	dir := t.TempDir()
	pbDir := filepath.Join(dir, "playbooks")
	writeFile(t, pbDir, "usdt.yaml", validPlaybook)
	cfgPath := writeFile(t, dir, "snare.yaml", "playbook:\n  dir: "+pbDir+"\n")

	out, err := executeCommand(t, "--config", cfgPath, "playbook", "list")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], "usdt_farm")
	assert.Contains(t, lines[1], "FIND_REGISTER,REGISTER")
	assert.Contains(t, lines[1], "true")
	assert.Equal(t, "1 playbook(s) in "+pbDir, lines[2])
}

func TestConfigFileMissing(t *testing.T) {
	_, err := executeCommand(t, "--config", filepath.Join(t.TempDir(), "nope.yaml"), "playbook", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to initialize configuration")
}

func TestInitializeConfig_EnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SNARE_INVESTIGATION_MAX_CONCURRENT", "7")
	t.Setenv("SNARE_STORE_BACKEND", "redis")
	t.Setenv("SNARE_LLM_API_KEY", "sk-test")

	c := &cobra.Command{}
	c.Flags().String("config", "", "")
	v := viper.New()
	config.SetDefaults(v)
	require.NoError(t, initializeConfig(c, v))

	cfg, err := config.NewConfigFromViper(v)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Investigation().MaxConcurrent)
	assert.Equal(t, "redis", cfg.Store().Backend)
	assert.Equal(t, "sk-test", cfg.LLM().APIKey)
}

func TestGetConfigFromContext(t *testing.T) {
	_, err := getConfigFromContext(context.Background())
	assert.Error(t, err)

	cfg := config.NewDefaultConfig()
	got, err := getConfigFromContext(context.WithValue(context.Background(), configKey, cfg))
	require.NoError(t, err)
	assert.Same(t, cfg, got)
}

func TestSinkFactory(t *testing.T) {
	dir := t.TempDir()

	sinks, err := sinkFactory(config.EventsConfig{}, nil)("inv1")
	require.NoError(t, err)
	assert.Empty(t, sinks)

	pub := &recordingPublisher{}
	sinks, err = sinkFactory(config.EventsConfig{JSONLDir: dir, NATSSubjectPrefix: "scam.events"}, pub)("inv1")
	require.NoError(t, err)
	require.Len(t, sinks, 2)

	b := bus.New("inv1", zaptest.NewLogger(t))
	for _, s := range sinks {
		b.AddSink(s)
	}
	b.Emit(context.Background(), bus.EventLog, bus.Data{"message": "hello"})
	require.NoError(t, b.Close())

	raw, err := os.ReadFile(filepath.Join(dir, "inv1.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"event_type":"log"`)
	assert.Equal(t, []string{"scam.events.inv1.log"}, pub.subjects)
}

type recordingPublisher struct {
	subjects []string
}

func (p *recordingPublisher) Publish(subject string, _ []byte) error {
	p.subjects = append(p.subjects, subject)
	return nil
}

func TestNewReconRunner(t *testing.T) {
	cfg := config.NewDefaultConfig()
	assert.NotNil(t, newReconRunner(cfg, zaptest.NewLogger(t)))

	cfg.ReconCfg.Enabled = false
	assert.Nil(t, newReconRunner(cfg, zaptest.NewLogger(t)))
}

func TestPipeGuidance(t *testing.T) {
	b := bus.New("inv1", zaptest.NewLogger(t))
	defer b.Close()

	input := strings.Join([]string{
		`{"action":"fly"}`,
		``,
		`not json`,
		`{"action":"scroll","value":"down"}`,
		`{"action":"STOP","reason":"enough"}`,
	}, "\n")
	pipeGuidance(context.Background(), strings.NewReader(input), b, zaptest.NewLogger(t))

	first, ok := b.CheckInterject()
	require.True(t, ok)
	assert.Equal(t, bus.GuidanceScroll, first.Action)
	second, ok := b.CheckInterject()
	require.True(t, ok)
	assert.Equal(t, bus.GuidanceStop, second.Action)
	assert.Equal(t, "enough", second.Reason)
	_, ok = b.CheckInterject()
	assert.False(t, ok)
}

func TestPipeGuidance_StopsWhenBusCloses(t *testing.T) {
	b := bus.New("inv1", zaptest.NewLogger(t))
	require.NoError(t, b.Close())

	pipeGuidance(context.Background(), strings.NewReader(`{"action":"skip"}`), b, zaptest.NewLogger(t))
	_, ok := b.CheckInterject()
	assert.False(t, ok)
}
