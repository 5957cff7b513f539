package ledger

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Selector returns the 4-byte function selector for a canonical signature
// such as "balanceOf(address)".
func Selector(signature string) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(signature))
	return h.Sum(nil)[:4]
}

// EncodeCall builds calldata for a method whose arguments are all addresses.
func EncodeCall(signature string, args ...string) ([]byte, error) {
	open := strings.IndexByte(signature, '(')
	if open <= 0 || !strings.HasSuffix(signature, ")") {
		return nil, fmt.Errorf("malformed signature %q", signature)
	}
	params := signature[open+1 : len(signature)-1]
	var types []string
	if params != "" {
		types = strings.Split(params, ",")
	}
	if len(types) != len(args) {
		return nil, fmt.Errorf("%s takes %d arguments, got %d", signature, len(types), len(args))
	}

	data := make([]byte, 0, 4+32*len(args))
	data = append(data, Selector(signature)...)
	for i, typ := range types {
		if typ != "address" {
			return nil, fmt.Errorf("argument %d of %s: unsupported type %s", i, signature, typ)
		}
		word, err := encodeAddress(args[i])
		if err != nil {
			return nil, err
		}
		data = append(data, word...)
	}
	return data, nil
}

func encodeAddress(addr string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(addr, "0x"), "0X"))
	if err != nil || len(raw) != 20 {
		return nil, fmt.Errorf("invalid address %q", addr)
	}
	word := make([]byte, 32)
	copy(word[12:], raw)
	return word, nil
}

// DecodeUint256 parses the first 32-byte word of an eth_call result.
func DecodeUint256(result string) (*big.Int, error) {
	s := strings.TrimPrefix(result, "0x")
	if s == "" {
		return nil, errEmptyResult
	}
	if len(s) < 64 {
		return nil, fmt.Errorf("result too short: %d hex chars", len(s))
	}
	v, ok := new(big.Int).SetString(s[:64], 16)
	if !ok {
		return nil, fmt.Errorf("result is not hex: %q", s[:64])
	}
	return v, nil
}
