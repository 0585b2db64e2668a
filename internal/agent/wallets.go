package agent

import (
	"regexp"
	"strings"
)

// Wallet is a cryptocurrency address seen on a scam page.
type Wallet struct {
	Chain   string `json:"chain"`
	Address string `json:"address"`
	Source  string `json:"source,omitempty"`
}

type walletPattern struct {
	chain  string
	re     *regexp.Regexp
	minLen int
	maxLen int
}

// Order matters: the generic base58 SOL pattern also matches TRON and legacy
// BTC addresses, so it runs last and skips anything already claimed.
var walletPatterns = []walletPattern{
	{chain: "ETH", re: regexp.MustCompile(`\b0x[a-fA-F0-9]{40}\b`), minLen: 42, maxLen: 42},
	{chain: "TRON", re: regexp.MustCompile(`\bT[A-HJ-NP-Za-km-z1-9]{33}\b`), minLen: 34, maxLen: 34},
	{chain: "BTC", re: regexp.MustCompile(`\bbc1[a-z0-9]{39,59}\b`), minLen: 42, maxLen: 62},
	{chain: "BTC", re: regexp.MustCompile(`\b[13][a-km-zA-HJ-NP-Z1-9]{25,34}\b`), minLen: 26, maxLen: 35},
	{chain: "SOL", re: regexp.MustCompile(`\b[A-HJ-NP-Za-km-z1-9]{32,44}\b`), minLen: 32, maxLen: 44},
}

// FindWallets extracts distinct addresses from text in order of appearance
// within each chain.
func FindWallets(text, source string) []Wallet {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	claimed := make(map[string]bool)
	var out []Wallet
	for _, p := range walletPatterns {
		for _, addr := range p.re.FindAllString(text, -1) {
			if len(addr) < p.minLen || len(addr) > p.maxLen || claimed[addr] {
				continue
			}
			if p.chain == "SOL" && !hasDigitAndLetter(addr) {
				continue
			}
			claimed[addr] = true
			out = append(out, Wallet{Chain: p.chain, Address: addr, Source: source})
		}
	}
	return out
}

// hasDigitAndLetter filters long plain words out of the base58 match.
func hasDigitAndLetter(s string) bool {
	var digit, letter bool
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digit = true
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
			letter = true
		}
	}
	return digit && letter
}
