//go:build libdogecoin

package chain

import (
	"fmt"
	"sync"

	"github.com/dogeorg/go-libdogecoin"
)

// libdogecoin keeps global context; calls are serialised.
var libdogecoinMu sync.Mutex

func validateDogecoin(address string) error {
	if err := validateBase58Check(address, 20, dogeP2PKH, dogeP2SH); err != nil {
		return err
	}
	version, _, _ := base58DecodeCheck(address)
	if version != dogeP2PKH {
		return nil
	}
	libdogecoinMu.Lock()
	defer libdogecoinMu.Unlock()
	libdogecoin.W_context_start()
	defer libdogecoin.W_context_stop()
	if !libdogecoin.W_verify_p2pkh_address(address) {
		return fmt.Errorf("rejected by libdogecoin")
	}
	return nil
}
