package walletconnect

import (
	"fmt"
	"strconv"
	"strings"
)

// FormatChainID renders an EVM chain id as a CAIP-2 reference.
func FormatChainID(chainID int) string {
	return fmt.Sprintf("eip155:%d", chainID)
}

// ParseChainID accepts "eip155:1" or a bare decimal id.
func ParseChainID(s string) (int, error) {
	ref := s
	if i := strings.LastIndex(s, ":"); i >= 0 {
		if s[:i] != "eip155" {
			return 0, fmt.Errorf("unsupported chain namespace %q", s[:i])
		}
		ref = s[i+1:]
	}
	id, err := strconv.Atoi(ref)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid chain id %q", s)
	}
	return id, nil
}

// ParseAccount splits "eip155:1:0xabc" into chain id and address. A bare
// address is returned with chain id 0.
func ParseAccount(account string) (chainID int, address string, err error) {
	parts := strings.Split(account, ":")
	switch len(parts) {
	case 1:
		return 0, parts[0], nil
	case 3:
		id, err := ParseChainID(parts[0] + ":" + parts[1])
		if err != nil {
			return 0, "", err
		}
		return id, parts[2], nil
	default:
		return 0, "", fmt.Errorf("invalid account %q", account)
	}
}
