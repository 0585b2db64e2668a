package playbook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/snare/internal/identity"
)

func TestResolve(t *testing.T) {
	fields := map[string]string{
		"email":                      "x@y",
		"first_name":                 "Ada",
		"password_variants.digits_8": "12345678",
	}

	tests := []struct {
		name     string
		template string
		want     string
	}{
		{"identity namespace", "{identity.email}", "x@y"},
		{"bare shorthand", "{first_name}", "Ada"},
		{"password variant", "{password_variants.digits_8}", "12345678"},
		{"embedded", "Hi {identity.first_name}, mail {email}", "Hi Ada, mail x@y"},
		{"unknown stays verbatim", "{identity.bogus}", "{identity.bogus}"},
		{"unknown variant stays verbatim", "{password_variants.nope}", "{password_variants.nope}"},
		{"no placeholders", "#submit", "#submit"},
		{"not a placeholder", "{not valid}", "{not valid}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Resolve(tt.template, fields, nil))
		})
	}
}

func TestResolveWarnsOnUnresolved(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	logger := zap.New(core)

	out := Resolve("{identity.email} {identity.bogus}", map[string]string{"email": "x@y"}, logger)
	assert.Equal(t, "x@y {identity.bogus}", out)

	entries := logs.FilterMessage("Unresolved template variable").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "identity.bogus", entries[0].ContextMap()["placeholder"])
}

func TestResolveAgainstGeneratedIdentity(t *testing.T) {
	id, err := identity.NewVault("probe.test", identity.WithSeed(7)).Generate()
	require.NoError(t, err)

	fields := id.Fields()
	assert.Equal(t, id.Email, Resolve("{identity.email}", fields, nil))
	assert.Equal(t, id.Password, Resolve("{identity.password}", fields, nil))
	assert.Equal(t, id.PasswordVariants["digits_8"], Resolve("{password_variants.digits_8}", fields, nil))
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, []string{"email", "password_variants.digits_8", "phone"},
		Placeholders("{identity.email} / {password_variants.digits_8} {phone}"))
	assert.Empty(t, Placeholders("#submit"))
}
