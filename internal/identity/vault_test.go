package identity

import (
	"regexp"
	"strings"
	"testing"
	"time"
	"unicode"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

func TestVault_Generate(t *testing.T) {
	v := NewVault("probe.test", WithSeed(42), WithClock(fixedClock))
	id, err := v.Generate()
	require.NoError(t, err)

	assert.Equal(t, id.FirstName+" "+id.LastName, id.FullName)
	assert.True(t, strings.HasSuffix(id.Email, "@probe.test"))
	assert.True(t, strings.HasPrefix(id.Email, id.Username+"@"))
	assert.Regexp(t, regexp.MustCompile(`^9\d{2}-\d{2}-\d{4}$`), id.SSN)
	assert.Regexp(t, regexp.MustCompile(`^\(\d{3}\) 555-01\d{2}$`), id.Phone)
	assert.Regexp(t, regexp.MustCompile(`^Cx_[a-z]+\d{2}$`), id.CryptoUsername)
	assert.Equal(t, TestCardNumber, id.CardNumber)
	assert.Equal(t, "US", id.Country)
	assert.Len(t, id.CardCVV, 3)

	dob, err := time.Parse("2006-01-02", id.DateOfBirth)
	require.NoError(t, err)
	age := fixedClock().Sub(dob).Hours() / 24 / 365.25
	assert.GreaterOrEqual(t, age, 21.0)
	assert.LessOrEqual(t, age, 72.0)
}

func TestVault_PlaceConsistency(t *testing.T) {
	v := NewVault("", WithSeed(7))
	for range 20 {
		id, err := v.Generate()
		require.NoError(t, err)
		var found bool
		for _, p := range places {
			if p.city == id.City {
				found = true
				assert.Equal(t, p.state, id.State)
				assert.Equal(t, p.zip, id.ZipCode)
				assert.True(t, strings.HasPrefix(id.Phone, "("+p.areaCode+")"))
			}
		}
		assert.True(t, found, "city %s should come from the place table", id.City)
		assert.True(t, strings.HasSuffix(id.Email, "@"+DefaultProbeDomain))
	}
}

func TestVault_PasswordVariants(t *testing.T) {
	id, err := NewVault("", WithSeed(1)).Generate()
	require.NoError(t, err)

	pv := id.PasswordVariants
	assert.Equal(t, id.Password, pv["default"])
	assert.Regexp(t, `^\d{8}$`, pv["digits_8"])
	assert.Regexp(t, `^\d{12}$`, pv["digits_12"])
	assert.Equal(t, "Ax"+pv["digits_8"][:6], pv["alphanumeric_8"])
	assert.Equal(t, "Pass"+pv["digits_8"][:6], pv["simple_10"])
	assert.Len(t, pv["simple_10"], 10)
}

func TestGenerateCompliantPassword(t *testing.T) {
	for range 25 {
		password, err := generateCompliantPassword()
		require.NoError(t, err)
		assert.Len(t, password, 16)

		var upper, lower, digit, symbol bool
		for _, r := range password {
			switch {
			case unicode.IsUpper(r):
				upper = true
			case unicode.IsLower(r):
				lower = true
			case unicode.IsDigit(r):
				digit = true
			default:
				symbol = true
			}
		}
		assert.True(t, upper && lower && digit && symbol, "password %q is missing a character class", password)
	}
}

func TestIdentity_Fields(t *testing.T) {
	id := &Identity{
		Email:            "x@y",
		FirstName:        "Ann",
		PasswordVariants: map[string]string{"digits_8": "12345678"},
	}
	fields := id.Fields()
	assert.Equal(t, "x@y", fields["email"])
	assert.Equal(t, "Ann", fields["first_name"])
	assert.Equal(t, "12345678", fields["password_variants.digits_8"])
	_, ok := fields["identity.email"]
	assert.False(t, ok)
}

func TestVault_SeedIsReproducible(t *testing.T) {
	a, err := NewVault("", WithSeed(99), WithClock(fixedClock)).Generate()
	require.NoError(t, err)
	b, err := NewVault("", WithSeed(99), WithClock(fixedClock)).Generate()
	require.NoError(t, err)

	assert.Equal(t, a.Username, b.Username)
	assert.Equal(t, a.SSN, b.SSN)
	assert.Equal(t, a.StreetAddress, b.StreetAddress)
	assert.NotEqual(t, a.ID, b.ID)
}
