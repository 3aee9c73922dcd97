package app

import (
	"strings"
)

// stablecoins by normalized symbol. Trades into/out of these are treated as
// the cash leg, never as the acted-upon asset.
var stablecoins = map[string]bool{
	"USDT":  true,
	"USDC":  true,
	"DAI":   true,
	"BUSD":  true,
	"TUSD":  true,
	"USDP":  true,
	"GUSD":  true,
	"FRAX":  true,
	"LUSD":  true,
	"USDD":  true,
	"USDE":  true,
	"FDUSD": true,
	"PYUSD": true,
	"USDC.E": true,
	"USDT.E": true,
	"BRIDGED-USDC": true,
}

// wrappedVariants folds wrapped/staked tokens to their underlying so wallet
// activity in WETH maps to the ETH instrument.
var wrappedVariants = map[string]string{
	"WETH":   "ETH",
	"STETH":  "ETH",
	"WSTETH": "ETH",
	"RETH":   "ETH",
	"CBETH":  "ETH",
	"WBTC":   "BTC",
	"CBBTC":  "BTC",
	"TBTC":   "BTC",
	"WSOL":   "SOL",
	"JITOSOL": "SOL",
	"MSOL":   "SOL",
	"WBNB":   "BNB",
	"WMATIC": "MATIC",
	"WPOL":   "POL",
	"WAVAX":  "AVAX",
	"WFTM":   "FTM",
}

// ignoredTokens never produce signals or orders. Gas-token dust wrappers and
// common reward tokens that don't trade anywhere useful.
var ignoredTokens = map[string]bool{
	"GAS":    true,
	"POINTS": true,
	"XP":     true,
}

// knownCEXAddresses holds deposit addresses of large centralized exchanges.
// A send to one of these is the wallet moving funds off-chain, not a sale on
// its own; the synthetic pairing and signal filters both consult this.
var knownCEXAddresses = map[string]string{
	"0x28c6c06298d514db089934071355e5743bf21d60": "binance",
	"0x21a31ee1afc51d94c2efccaa2092ad1028285549": "binance",
	"0xdfd5293d8e347dfe59e90efd55b2956a1343963d": "binance",
	"0x56eddb7aa87536c09ccc2793473599fd21a8b17f": "binance",
	"0xa910f92acdaf488fa6ef02174fb86208ad7722ba": "poloniex",
	"0x6cc5f688a315f3dc28a7781717a9a798a59fda7b": "okx",
	"0x236f9f97e0e62388479bf9e5ba4889e46b0273c3": "okx",
	"0x5041ed759dd4afc3a72b8192c143f72f4724081a": "okx",
	"0x2910543af39aba0cd09dbb2d50200b3e800a63d2": "kraken",
	"0x0a869d79a7052c7f1b55a8ebabbea3420f0d1e13": "kraken",
	"0x503828976d22510aad0201ac7ec88293211d23da": "coinbase",
	"0x3cd751e6b0078be393132286c442345e5dc49699": "coinbase",
	"0xb5d85cbf7cb3ee0d56b3bb207d5fc4b82f43f511": "coinbase",
	"0xf89d7b9c864f589bbf53a82105107622b35eaa40": "bybit",
}

// scamNamePatterns flag zero-value airdrop/bonus receives that crypto wallets
// accumulate constantly. A receive matching one of these with no USD value is
// never eligible for synthetic pairing.
var scamNamePatterns = []string{
	"airdrop", "bonus", "claim", "reward", "giveaway", "free", "visit", ".com", ".io", ".xyz",
}

// NormalizeSymbol uppercases and folds wrapped variants to their underlying.
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if underlying, ok := wrappedVariants[s]; ok {
		return underlying
	}
	return s
}

// IsStablecoin reports whether a symbol normalizes to a recognized stablecoin.
func IsStablecoin(symbol string) bool {
	return stablecoins[NormalizeSymbol(symbol)]
}

// IsIgnoredToken reports whether a symbol is excluded from signals entirely.
func IsIgnoredToken(symbol string) bool {
	return ignoredTokens[NormalizeSymbol(symbol)]
}

// IsCEXAddress reports whether an address belongs to a known centralized
// exchange, and which one.
func IsCEXAddress(addr string) (string, bool) {
	name, ok := knownCEXAddresses[strings.ToLower(strings.TrimSpace(addr))]
	return name, ok
}

// LooksLikeScamToken flags airdrop/bonus-style token names with no value.
func LooksLikeScamToken(name string, valueUSD float64) bool {
	if valueUSD > 0 {
		return false
	}
	lower := strings.ToLower(name)
	for _, pat := range scamNamePatterns {
		if strings.Contains(lower, pat) {
			return true
		}
	}
	return false
}

// SwapInstID maps a normalized symbol to its USDT-margined perpetual
// instrument name.
func SwapInstID(symbol string) string {
	return NormalizeSymbol(symbol) + "-USDT-SWAP"
}

// SpotInstID maps a normalized symbol to its spot instrument name.
func SpotInstID(symbol string) string {
	return NormalizeSymbol(symbol) + "-USDT"
}
