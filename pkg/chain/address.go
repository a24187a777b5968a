// Package chain sanity-checks receiving addresses handed out by the
// backend, so a payment is never shown with an address that cannot
// receive funds on its network.
package chain

import (
	"fmt"
	"regexp"

	pay "github.com/birdhouse-social/birdpay/pkg"
	"github.com/mr-tron/base58"
)

// address version bytes
const (
	bitcoinP2PKH byte = 0x00 // 1
	bitcoinP2SH  byte = 0x05 // 3
	dogeP2PKH    byte = 0x1e // D
	dogeP2SH     byte = 0x16 // 9 or A
	tronPrefix   byte = 0x41 // T
)

var evmAddress = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// ValidateAddress reports why address cannot be used on network, or nil.
// Checks are structural (encoding, version, checksum), not on-chain.
func ValidateAddress(network, address string) error {
	if address == "" {
		return pay.NewErr(pay.BadRequest, "empty %s address", network)
	}
	var err error
	switch network {
	case pay.NetworkBitcoin:
		err = validateBitcoin(address)
	case pay.NetworkEthereum, pay.NetworkPolygon:
		if !evmAddress.MatchString(address) {
			err = fmt.Errorf("not a 0x-prefixed 20 byte hex address")
		}
	case pay.NetworkSolana:
		err = validateSolana(address)
	case pay.NetworkTron:
		err = validateBase58Check(address, 20, tronPrefix)
	case pay.NetworkDogecoin:
		err = validateDogecoin(address)
	default:
		return pay.NewErr(pay.InvalidCurrencyNetwork, "unknown network: %s", network)
	}
	if err != nil {
		return pay.NewErr(pay.BadRequest, "invalid %s address %q: %v", network, address, err)
	}
	return nil
}

func validateBitcoin(address string) error {
	if len(address) > 3 && (address[:3] == "bc1" || address[:3] == "BC1") {
		_, err := bech32Check(address, "bc")
		return err
	}
	return validateBase58Check(address, 20, bitcoinP2PKH, bitcoinP2SH)
}

// solana addresses are bare ed25519 public keys
func validateSolana(address string) error {
	key, err := base58.FastBase58Decoding(address)
	if err != nil {
		return err
	}
	if len(key) != 32 {
		return fmt.Errorf("decodes to %d bytes, want 32", len(key))
	}
	return nil
}

func validateBase58Check(address string, size int, versions ...byte) error {
	version, payload, err := base58DecodeCheck(address)
	if err != nil {
		return err
	}
	if len(payload) != size {
		return fmt.Errorf("payload is %d bytes, want %d", len(payload), size)
	}
	for _, v := range versions {
		if version == v {
			return nil
		}
	}
	return fmt.Errorf("unexpected version byte 0x%02x", version)
}
