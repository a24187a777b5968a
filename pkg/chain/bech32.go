package chain

import (
	"fmt"
	"strings"
)

const bech32Charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

func bech32Polymod(values []byte) uint32 {
	gen := [5]uint32{0x3b6a57b2, 0x26508e6d, 0x1ea119fa, 0x3d4233dd, 0x2a1462b3}
	chk := uint32(1)
	for _, v := range values {
		top := chk >> 25
		chk = (chk&0x1ffffff)<<5 ^ uint32(v)
		for i := 0; i < 5; i++ {
			if (top>>i)&1 == 1 {
				chk ^= gen[i]
			}
		}
	}
	return chk
}

func bech32HRPExpand(hrp string) []byte {
	out := make([]byte, 0, len(hrp)*2+1)
	for i := 0; i < len(hrp); i++ {
		out = append(out, hrp[i]>>5)
	}
	out = append(out, 0)
	for i := 0; i < len(hrp); i++ {
		out = append(out, hrp[i]&31)
	}
	return out
}

// bech32Check verifies a segwit address checksum (BIP-173, and BIP-350
// for witness v1+). It returns the witness version.
func bech32Check(addr, hrp string) (int, error) {
	if strings.ToLower(addr) != addr && strings.ToUpper(addr) != addr {
		return 0, fmt.Errorf("bech32: mixed case")
	}
	addr = strings.ToLower(addr)
	pos := strings.LastIndexByte(addr, '1')
	if pos < 1 || pos+7 > len(addr) || len(addr) > 90 {
		return 0, fmt.Errorf("bech32: bad separator or length")
	}
	if addr[:pos] != hrp {
		return 0, fmt.Errorf("bech32: wrong prefix %q", addr[:pos])
	}
	data := make([]byte, 0, len(addr)-pos-1)
	for _, c := range addr[pos+1:] {
		d := strings.IndexRune(bech32Charset, c)
		if d < 0 {
			return 0, fmt.Errorf("bech32: invalid character %q", c)
		}
		data = append(data, byte(d))
	}
	version := int(data[0])
	if version > 16 {
		return 0, fmt.Errorf("bech32: bad witness version %d", version)
	}
	want := uint32(1) // bech32
	if version > 0 {
		want = 0x2bc830a3 // bech32m
	}
	if bech32Polymod(append(bech32HRPExpand(hrp), data...)) != want {
		return 0, fmt.Errorf("bech32: wrong checksum")
	}
	return version, nil
}
