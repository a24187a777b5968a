package chain

import (
	"crypto/sha256"
	"fmt"

	"github.com/mr-tron/base58"
)

func doubleSha256(b []byte) []byte {
	h := sha256.Sum256(b)
	r := sha256.Sum256(h[:])
	return r[:]
}

// base58DecodeCheck returns the version byte and payload of a
// Base58Check string (https://en.bitcoin.it/Base58Check_encoding).
func base58DecodeCheck(str string) (byte, []byte, error) {
	data, err := base58.FastBase58Decoding(str)
	if err != nil {
		return 0, nil, err
	}
	if len(data) < 5 {
		return 0, nil, fmt.Errorf("base58check: too short")
	}
	split := len(data) - 4
	sum := doubleSha256(data[:split])
	check := data[split:]
	if check[0] != sum[0] || check[1] != sum[1] || check[2] != sum[2] || check[3] != sum[3] {
		return 0, nil, fmt.Errorf("base58check: wrong checksum")
	}
	// each leading '1' encodes exactly one leading zero byte
	i := 0
	for i < split && data[i] == 0 && str[i] == '1' {
		i++
	}
	if data[i] == 0 || str[i] == '1' {
		return 0, nil, fmt.Errorf("base58check: wrong padding")
	}
	return data[0], data[1:split], nil
}
