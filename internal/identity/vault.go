// Package identity generates synthetic personas used to fill scam-site forms.
// Every value is drawn from a range that cannot belong to a real person: SSNs
// start with 9, the card number is a public test BIN, emails land on a probe
// domain the operator controls, and phone numbers use the 555-01xx block.
package identity

import (
	"crypto/rand"
	"fmt"
	"math/big"
	mrand "math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultProbeDomain receives any email a scam site sends to a synthetic identity.
const DefaultProbeDomain = "i4g-probe.net"

// TestCardNumber is the Stripe test Visa number, rejected by every real processor.
const TestCardNumber = "4242424242424242"

// Identity is a complete synthetic persona with internally-consistent fake PII.
type Identity struct {
	ID               uuid.UUID         `json:"identity_id"`
	FirstName        string            `json:"first_name"`
	LastName         string            `json:"last_name"`
	FullName         string            `json:"full_name"`
	Email            string            `json:"email"`
	Phone            string            `json:"phone"`
	StreetAddress    string            `json:"street_address"`
	City             string            `json:"city"`
	State            string            `json:"state"`
	ZipCode          string            `json:"zip_code"`
	Country          string            `json:"country"`
	DateOfBirth      string            `json:"date_of_birth"`
	SSN              string            `json:"ssn"`
	CardNumber       string            `json:"credit_card_number"`
	CardExpiry       string            `json:"credit_card_expiry"`
	CardCVV          string            `json:"credit_card_cvv"`
	Username         string            `json:"username"`
	CryptoUsername   string            `json:"crypto_username"`
	Password         string            `json:"password"`
	PasswordVariants map[string]string `json:"password_variants"`
}

// Fields flattens the identity into the map used for template resolution and
// model context. Password variants appear under "password_variants.<name>".
func (i *Identity) Fields() map[string]string {
	fields := map[string]string{
		"first_name":         i.FirstName,
		"last_name":          i.LastName,
		"full_name":          i.FullName,
		"email":              i.Email,
		"phone":              i.Phone,
		"street_address":     i.StreetAddress,
		"city":               i.City,
		"state":              i.State,
		"zip_code":           i.ZipCode,
		"country":            i.Country,
		"date_of_birth":      i.DateOfBirth,
		"ssn":                i.SSN,
		"credit_card_number": i.CardNumber,
		"credit_card_expiry": i.CardExpiry,
		"credit_card_cvv":    i.CardCVV,
		"username":           i.Username,
		"crypto_username":    i.CryptoUsername,
		"password":           i.Password,
	}
	for name, value := range i.PasswordVariants {
		fields["password_variants."+name] = value
	}
	return fields
}

// Provider produces identities.
type Provider interface {
	Generate() (*Identity, error)
}

// Vault is the default Provider. It is safe for use by a single goroutine;
// the coordinator creates one identity per investigation up front.
type Vault struct {
	probeDomain string
	rng         *mrand.Rand
	now         func() time.Time
}

// Option customizes a Vault.
type Option func(*Vault)

// WithSeed makes name, address and number choices reproducible.
// Passwords always come from crypto/rand.
func WithSeed(seed uint64) Option {
	return func(v *Vault) { v.rng = mrand.New(mrand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) }
}

// WithClock overrides the reference time for ages and card expiry.
func WithClock(now func() time.Time) Option {
	return func(v *Vault) { v.now = now }
}

// NewVault creates a Vault that issues emails on probeDomain.
func NewVault(probeDomain string, opts ...Option) *Vault {
	if probeDomain == "" {
		probeDomain = DefaultProbeDomain
	}
	v := &Vault{
		probeDomain: probeDomain,
		rng:         mrand.New(mrand.NewPCG(uint64(time.Now().UnixNano()), 0)),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Generate creates a new identity.
func (v *Vault) Generate() (*Identity, error) {
	first := firstNames[v.rng.IntN(len(firstNames))]
	last := lastNames[v.rng.IntN(len(lastNames))]
	loc := places[v.rng.IntN(len(places))]
	username := fmt.Sprintf("%s.%s%d", strings.ToLower(first), strings.ToLower(last), v.between(10, 99))

	password, err := generateCompliantPassword()
	if err != nil {
		return nil, fmt.Errorf("failed to generate password: %w", err)
	}
	digits8 := v.digits(8)

	now := v.now()
	age := v.between(21, 70)
	dob := now.AddDate(-age, -v.between(0, 11), -v.between(0, 27))
	expiry := now.AddDate(v.between(1, 3), v.between(0, 11), 0)

	return &Identity{
		ID:               uuid.New(),
		FirstName:        first,
		LastName:         last,
		FullName:         first + " " + last,
		Email:            username + "@" + v.probeDomain,
		Phone:            fmt.Sprintf("(%s) 555-01%02d", loc.areaCode, v.between(0, 99)),
		StreetAddress:    fmt.Sprintf("%d %s", v.between(100, 9899), streets[v.rng.IntN(len(streets))]),
		City:             loc.city,
		State:            loc.state,
		ZipCode:          loc.zip,
		Country:          "US",
		DateOfBirth:      dob.Format("2006-01-02"),
		SSN:              fmt.Sprintf("9%02d-%02d-%04d", v.between(10, 99), v.between(10, 99), v.between(1000, 9999)),
		CardNumber:       TestCardNumber,
		CardExpiry:       expiry.Format("01/06"),
		CardCVV:          fmt.Sprintf("%d", v.between(100, 999)),
		Username:         username,
		CryptoUsername:   fmt.Sprintf("Cx_%s%d", strings.ToLower(first), v.between(10, 99)),
		Password:         password,
		PasswordVariants: map[string]string{
			"default":        password,
			"digits_8":       digits8,
			"digits_12":      v.digits(12),
			"alphanumeric_8": "Ax" + digits8[:6],
			"simple_10":      "Pass" + digits8[:6],
		},
	}, nil
}

// between returns a value in [lo, hi].
func (v *Vault) between(lo, hi int) int {
	return lo + v.rng.IntN(hi-lo+1)
}

func (v *Vault) digits(n int) string {
	var b strings.Builder
	for range n {
		b.WriteByte(byte('0' + v.rng.IntN(10)))
	}
	return b.String()
}

// generateCompliantPassword creates a 16 character password containing every
// character class, using crypto/rand for selection and shuffling.
func generateCompliantPassword() (string, error) {
	const lowerChars = "abcdefghijkmnopqrstuvwxyz"
	const upperChars = "ABCDEFGHJKLMNPQRSTUVWXYZ"
	const numberChars = "23456789"
	const symbolChars = "!@#$%^&*()_+-="
	const minLength = 16

	cryptoRandChar := func(charset string) (byte, error) {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return 0, fmt.Errorf("crypto/rand failure: %w", err)
		}
		return charset[n.Int64()], nil
	}

	password := make([]byte, 0, minLength)
	for _, charset := range []string{upperChars, numberChars, symbolChars, lowerChars} {
		char, err := cryptoRandChar(charset)
		if err != nil {
			return "", err
		}
		password = append(password, char)
	}
	all := lowerChars + upperChars + numberChars + symbolChars
	for len(password) < minLength {
		char, err := cryptoRandChar(all)
		if err != nil {
			return "", err
		}
		password = append(password, char)
	}

	// Fisher-Yates so the mandatory characters are not at fixed positions.
	for i := len(password) - 1; i > 0; i-- {
		jBig, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return "", fmt.Errorf("crypto/rand failure during shuffle: %w", err)
		}
		j := jBig.Int64()
		password[i], password[j] = password[j], password[i]
	}
	return string(password), nil
}

type place struct {
	city, state, zip, areaCode string
}

// places keeps city, state, zip and area code consistent with each other.
var places = []place{
	{"Columbus", "OH", "43215", "614"},
	{"Austin", "TX", "78701", "512"},
	{"Denver", "CO", "80202", "303"},
	{"Portland", "OR", "97204", "503"},
	{"Raleigh", "NC", "27601", "919"},
	{"Madison", "WI", "53703", "608"},
	{"Tucson", "AZ", "85701", "520"},
	{"Richmond", "VA", "23219", "804"},
	{"Omaha", "NE", "68102", "402"},
	{"Albany", "NY", "12207", "518"},
}

var firstNames = []string{
	"James", "Mary", "Robert", "Patricia", "Michael", "Linda", "David", "Susan",
	"Daniel", "Karen", "Mark", "Nancy", "Paul", "Lisa", "Steven", "Donna",
}

var lastNames = []string{
	"Miller", "Davis", "Wilson", "Anderson", "Taylor", "Thomas", "Moore", "Martin",
	"Jackson", "Thompson", "White", "Harris", "Clark", "Lewis", "Walker", "Young",
}

var streets = []string{
	"Maple Ave", "Oak St", "Cedar Ln", "Pine Rd", "Elm St", "Lakeview Dr", "Hillcrest Blvd", "Park Pl",
}
