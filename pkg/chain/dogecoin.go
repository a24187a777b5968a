//go:build !libdogecoin

package chain

func validateDogecoin(address string) error {
	return validateBase58Check(address, 20, dogeP2PKH, dogeP2SH)
}
