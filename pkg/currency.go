package pay

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Networks a payment can settle on.
const (
	NetworkBitcoin  = "bitcoin"
	NetworkEthereum = "ethereum"
	NetworkSolana   = "solana"
	NetworkPolygon  = "polygon"
	NetworkTron     = "tron"
	NetworkDogecoin = "dogecoin"
)

// currencyNetworks is the allow-list: a currency is only valid on the
// networks listed for it.
var currencyNetworks = map[string][]string{
	"BTC":  {NetworkBitcoin},
	"ETH":  {NetworkEthereum},
	"SOL":  {NetworkSolana},
	"DOGE": {NetworkDogecoin},
	"USDC": {NetworkEthereum, NetworkSolana, NetworkPolygon},
	"USDT": {NetworkEthereum, NetworkTron, NetworkPolygon},
}

// confirmations the backend waits for before a payment is confirmed
var networkConfirmations = map[string]int{
	NetworkBitcoin:  2,
	NetworkEthereum: 12,
	NetworkSolana:   32,
	NetworkPolygon:  64,
	NetworkTron:     19,
	NetworkDogecoin: 6,
}

// Purposes a payment can be made for. A subscription must name its plan.
var PaymentPurposes []string = []string{
	"subscription",
	"donation",
	"tip",
}

var DefaultMinimumFiat = decimal.NewFromInt(1)

func normCurrency(c string) string { return strings.ToUpper(strings.TrimSpace(c)) }
func normNetwork(n string) string  { return strings.ToLower(strings.TrimSpace(n)) }

// IsValidCurrencyNetwork reports whether currency may be paid on network.
func IsValidCurrencyNetwork(currency, network string) bool {
	nets, ok := currencyNetworks[normCurrency(currency)]
	if !ok {
		return false
	}
	network = normNetwork(network)
	for _, n := range nets {
		if n == network {
			return true
		}
	}
	return false
}

// NetworksFor lists the networks a currency is accepted on.
func NetworksFor(currency string) []string {
	return append([]string(nil), currencyNetworks[normCurrency(currency)]...)
}

// SupportedCurrencies returns a copy of the allow-list.
func SupportedCurrencies() map[string][]string {
	out := make(map[string][]string, len(currencyNetworks))
	for c, nets := range currencyNetworks {
		out[c] = append([]string(nil), nets...)
	}
	return out
}

// RequiredConfirmations for a network, zero if unknown.
func RequiredConfirmations(network string) int {
	return networkConfirmations[normNetwork(network)]
}

// Validate checks a create request locally; nothing that fails here is
// ever sent to the backend. minimum may be zero to use DefaultMinimumFiat.
func (r *CreatePaymentRequest) Validate(minimum Money) error {
	if minimum.IsZero() {
		minimum = DefaultMinimumFiat
	}
	r.Currency = normCurrency(r.Currency)
	r.Network = normNetwork(r.Network)
	if r.Currency == "" || r.Network == "" {
		return NewErr(BadRequest, "currency and network are required")
	}
	if !IsValidCurrencyNetwork(r.Currency, r.Network) {
		nets := NetworksFor(r.Currency)
		if len(nets) == 0 {
			return NewErr(InvalidCurrencyNetwork, "unsupported currency: %s", r.Currency)
		}
		return NewErr(InvalidCurrencyNetwork, "%s is not supported on %s (supported: %s)",
			r.Currency, r.Network, strings.Join(nets, ", "))
	}
	if r.AmountFiat.LessThan(minimum) {
		return NewErr(AmountTooLow, "amount %s is below the minimum of %s", r.AmountFiat.String(), minimum.String())
	}

	validPurpose := false
	for _, p := range PaymentPurposes {
		if r.Purpose == p {
			validPurpose = true
			break
		}
	}
	if !validPurpose {
		return NewErr(BadRequest, "invalid payment purpose: %q", r.Purpose)
	}
	if r.Purpose == "subscription" && r.Plan == "" {
		return NewErr(BadRequest, "a subscription payment must name a plan")
	}
	return nil
}
