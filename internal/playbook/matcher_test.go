package playbook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestMatcherOrderIsStable(t *testing.T) {
	m := NewMatcher(zaptest.NewLogger(t))
	a := newTestPlaybook("a", `example\.com`, Step{Action: StepClick, Selector: "#a"})
	b := newTestPlaybook("b", `example`, Step{Action: StepClick, Selector: "#b"})
	require.Equal(t, 2, m.RegisterMany([]*Playbook{a, b}))

	for i := 0; i < 5; i++ {
		got := m.Match("https://www.example.com/signup")
		require.NotNil(t, got)
		assert.Equal(t, "a", got.ID)
	}

	require.True(t, m.SetEnabled("a", false))
	got := m.Match("https://www.example.com/signup")
	require.NotNil(t, got)
	assert.Equal(t, "b", got.ID)

	require.True(t, m.SetEnabled("a", true))
	assert.Equal(t, "a", m.Match("https://www.example.com/").ID, "re-enabling keeps registration order")
}

func TestMatcherSearchSemantics(t *testing.T) {
	m := NewMatcher(nil)
	require.NoError(t, m.Register(newTestPlaybook("okdc", `okdc\d+\.com`, Step{Action: StepWait})))

	assert.NotNil(t, m.Match("HTTPS://WWW.OKDC77.COM/register"), "case-insensitive")
	assert.NotNil(t, m.Match("https://x.okdc1.com"), "search, not anchored")
	assert.Nil(t, m.Match("https://okdc.com"))
}

func TestMatcherDisabledAtRegistration(t *testing.T) {
	m := NewMatcher(nil)
	pb := newTestPlaybook("off", ".", Step{Action: StepWait})
	pb.Enabled = boolPtr(false)
	require.NoError(t, m.Register(pb))
	assert.Nil(t, m.Match("https://anything"))
	assert.Equal(t, 1, m.Count())
}

func TestMatcherRejectsInvalid(t *testing.T) {
	m := NewMatcher(nil)
	err := m.Register(newTestPlaybook("bad", "(", Step{Action: StepWait}))
	require.Error(t, err)
	assert.Equal(t, 0, m.Count())

	n := m.RegisterMany([]*Playbook{
		newTestPlaybook("bad", "(", Step{Action: StepWait}),
		newTestPlaybook("good", "x", Step{Action: StepWait}),
	})
	assert.Equal(t, 1, n)
	assert.NotNil(t, m.Get("good"))
	assert.Nil(t, m.Get("bad"))
}

func TestMatcherRegistryOperations(t *testing.T) {
	m := NewMatcher(nil)
	for _, id := range []string{"one", "two", "three"} {
		require.NoError(t, m.Register(newTestPlaybook(id, id, Step{Action: StepWait})))
	}
	assert.Equal(t, 3, m.Count())

	assert.True(t, m.Remove("two"))
	assert.False(t, m.Remove("two"))
	ids := []string{}
	for _, pb := range m.Playbooks() {
		ids = append(ids, pb.ID)
	}
	assert.Equal(t, []string{"one", "three"}, ids)

	assert.False(t, m.SetEnabled("missing", false))

	m.Clear()
	assert.Equal(t, 0, m.Count())
	assert.Nil(t, m.Match("one"))
}
