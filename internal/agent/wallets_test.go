package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFindWallets(t *testing.T) {
	text := `Send BTC to 1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa or bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq.
USDT ERC20: 0xde0B295669a9FD93d5F28D9Ec85E40f4cb697BAe
USDT TRC20: TJYqaPn323M2C7x7E5E3ypEGVgKYxxrWW1
SOL: 7Np41oeYqPefeNQEHSv1UDhYrehxin3NStELsSKCT4K2
Again: 0xde0B295669a9FD93d5F28D9Ec85E40f4cb697BAe`

	got := FindWallets(text, "page")
	byAddr := make(map[string]string)
	for _, w := range got {
		byAddr[w.Address] = w.Chain
		assert.Equal(t, "page", w.Source)
	}
	assert.Len(t, got, 5, "duplicates are reported once")
	assert.Equal(t, "ETH", byAddr["0xde0B295669a9FD93d5F28D9Ec85E40f4cb697BAe"])
	assert.Equal(t, "TRON", byAddr["TJYqaPn323M2C7x7E5E3ypEGVgKYxxrWW1"])
	assert.Equal(t, "BTC", byAddr["1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"])
	assert.Equal(t, "BTC", byAddr["bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq"])
	assert.Equal(t, "SOL", byAddr["7Np41oeYqPefeNQEHSv1UDhYrehxin3NStELsSKCT4K2"])
}

func TestFindWalletsIgnoresOrdinaryText(t *testing.T) {
	assert.Empty(t, FindWallets("", "x"))
	assert.Empty(t, FindWallets("Deposit now to unlock your 400% welcome bonus, limited time!", "x"))
	assert.Empty(t, FindWallets("0x1234 is too short", "x"))
}
