package chainMirror

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// EmailToVirtualAddress maps an email to a checksummed 20 byte address: the
// last 20 bytes of keccak256 of the normalized email. Anyone who knows the
// email can compute it, so it is only a join key for the chain mirror and
// never proof of access.
func EmailToVirtualAddress(email string) string {
	normalized := strings.ToLower(strings.TrimSpace(email))
	sum := crypto.Keccak256([]byte(normalized))
	return common.BytesToAddress(sum[12:]).Hex()
}

// IsAddress reports whether s is a hex encoded 20 byte address.
func IsAddress(s string) bool {
	return common.IsHexAddress(s)
}
