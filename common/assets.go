package common

import "strings"

// assetIDs maps asset symbols to the platform's numeric instrument IDs.
// OTC variants trade around the clock and carry their own IDs.
var assetIDs = map[string]int{
	// Major forex pairs
	"EURUSD": 1,
	"GBPUSD": 56,
	"USDJPY": 63,
	"USDCHF": 62,
	"USDCAD": 61,
	"AUDUSD": 40,
	"NZDUSD": 90,

	// OTC forex pairs
	"EURUSD_otc": 66,
	"GBPUSD_otc": 86,
	"USDJPY_otc": 93,
	"USDCHF_otc": 92,
	"USDCAD_otc": 91,
	"AUDUSD_otc": 71,
	"AUDNZD_otc": 70,
	"AUDCAD_otc": 67,
	"AUDCHF_otc": 68,
	"AUDJPY_otc": 69,
	"CADCHF_otc": 72,
	"CADJPY_otc": 73,
	"CHFJPY_otc": 74,
	"EURCHF_otc": 77,
	"EURGBP_otc": 78,
	"EURJPY_otc": 79,
	"EURNZD_otc": 80,
	"GBPAUD_otc": 81,
	"GBPJPY_otc": 84,
	"NZDJPY_otc": 89,
	"NZDUSD_otc": 90,

	// Commodities
	"XAUUSD":     2,
	"XAUUSD_otc": 169,
	"XAGUSD":     65,
	"XAGUSD_otc": 167,
	"UKBrent":    50,
	"UKBrent_otc": 164,
	"USCrude":    64,
	"USCrude_otc": 165,
	"XNGUSD":     311,
	"XNGUSD_otc": 399,
	"XPTUSD":     312,
	"XPTUSD_otc": 400,
	"XPDUSD":     313,
	"XPDUSD_otc": 401,

	// Cryptocurrencies
	"BTCUSD":   197,
	"ETHUSD":   272,
	"DASH_USD": 209,
	"BTCGBP":   453,
	"BTCJPY":   454,
	"BCHEUR":   450,
	"BCHGBP":   451,
	"BCHJPY":   452,
	"DOTUSD":   458,
	"LNKUSD":   464,

	// Stock indices
	"SP500":      321,
	"SP500_otc":  408,
	"NASUSD":     323,
	"NASUSD_otc": 410,
	"DJI30":      322,
	"DJI30_otc":  409,
	"JPN225":     317,
	"JPN225_otc": 405,
	"D30EUR":     318,
	"D30EUR_otc": 406,
	"E50EUR":     319,
	"E50EUR_otc": 407,
	"F40EUR":     316,
	"F40EUR_otc": 404,
	"E35EUR":     314,
	"E35EUR_otc": 402,
	"100GBP":     315,
	"100GBP_otc": 403,
	"AUS200":     305,
	"AUS200_otc": 306,
	"CAC40":      455,
	"AEX25":      449,
	"SMI20":      466,
	"H33HKD":     463,

	// US stocks
	"#AAPL":        5,
	"#AAPL_otc":    170,
	"#MSFT":        24,
	"#MSFT_otc":    176,
	"#TSLA":        186,
	"#TSLA_otc":    196,
	"#FB":          177,
	"#FB_otc":      187,
	"#AMZN_otc":    412,
	"#NFLX":        182,
	"#NFLX_otc":    429,
	"#INTC":        180,
	"#INTC_otc":    190,
	"#BA":          8,
	"#BA_otc":      292,
	"#JPM":         20,
	"#JNJ":         144,
	"#JNJ_otc":     296,
	"#PFE":         147,
	"#PFE_otc":     297,
	"#XOM":         153,
	"#XOM_otc":     426,
	"#AXP":         140,
	"#AXP_otc":     291,
	"#MCD":         23,
	"#MCD_otc":     175,
	"#CSCO":        154,
	"#CSCO_otc":    427,
	"#VISA_otc":    416,
	"#CITI":        326,
	"#CITI_otc":    413,
	"#FDX_otc":     414,
	"#TWITTER":     330,
	"#TWITTER_otc": 415,
	"#BABA":        183,
	"#BABA_otc":    428,

	// Additional assets
	"EURRUB_otc":           200,
	"USDRUB_otc":           199,
	"EURHUF_otc":           460,
	"CHFNOK_otc":           457,
	"Microsoft_otc":        521,
	"Facebook_OTC":         522,
	"Tesla_otc":            523,
	"Boeing_OTC":           524,
	"American_Express_otc": 525,
}

// AssetID returns the platform's numeric ID for an asset symbol.
func AssetID(symbol string) (int, bool) {
	id, ok := assetIDs[symbol]
	return id, ok
}

// KnownAsset reports whether symbol is present in the asset catalogue.
func KnownAsset(symbol string) bool {
	_, ok := assetIDs[symbol]
	return ok
}

// KnownAssets returns all catalogued asset symbols. Order is unspecified.
func KnownAssets() []string {
	symbols := make([]string, 0, len(assetIDs))
	for s := range assetIDs {
		symbols = append(symbols, s)
	}
	return symbols
}

// IsOTC reports whether the symbol is an over-the-counter variant.
func IsOTC(symbol string) bool {
	return strings.HasSuffix(strings.ToLower(symbol), "_otc")
}
