// Package symbols normalizes raw user input into canonical security
// identifiers. Pure string classification; no store or network access.
package symbols

import (
	"fmt"
	"strings"

	"github.com/quantdb/quantdb/internal/domain"
)

// hkIndexAliases maps every accepted spelling of a Hong Kong index to its
// canonical code.
var hkIndexAliases = map[string]string{
	"HSI":       "HSI",
	"^HSI":      "HSI",
	"HK.HSI":    "HSI",
	"HANG SENG": "HSI",
	"HANGSENG":  "HSI",
	"HSCEI":     "HSCEI",
	"^HSCEI":    "HSCEI",
	"HSTECH":    "HSTECH",
	"^HSTECH":   "HSTECH",
}

// aShareIndexes is the closed set of recognized A-share index codes.
// Codes like 000300 collide with the Shenzhen stock code space, which is
// why index lookups go through NormalizeIndex instead of the stock rules.
var aShareIndexes = map[string]domain.Market{
	"000001": domain.MarketIndexSH, // SSE Composite
	"000016": domain.MarketIndexSH, // SSE 50
	"000300": domain.MarketIndexSH, // CSI 300
	"000688": domain.MarketIndexSH, // STAR 50
	"000852": domain.MarketIndexSH, // CSI 1000
	"000905": domain.MarketIndexSH, // CSI 500
	"399001": domain.MarketIndexSZ, // SZSE Component
	"399006": domain.MarketIndexSZ, // ChiNext Index
	"399106": domain.MarketIndexSZ, // SZSE Composite
}

// Normalize converts raw input to a canonical symbol. Rules apply in
// order; the first match wins:
//
//  1. Trim whitespace and uppercase.
//  2. Hong Kong index aliases (HSI, ^HSI, HANG SENG, ...).
//  3. Exactly 6 digits: A-share stock, market decided by prefix.
//  4. Exactly 5 digits: Hong Kong stock.
//  5. Recognized A-share index codes that no stock rule claims (399xxx).
//  6. Anything else is invalid.
func Normalize(raw string) (domain.Symbol, error) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if code == "" {
		return domain.Symbol{}, fmt.Errorf("%w: empty input", domain.ErrInvalidSymbol)
	}

	if canonical, ok := hkIndexAliases[code]; ok {
		return domain.Symbol{Code: canonical, Market: domain.MarketIndexHK, Kind: domain.KindIndex}, nil
	}

	if isDigits(code) {
		switch len(code) {
		case 6:
			market, ok := aShareMarketFor(code)
			if ok {
				return domain.Symbol{Code: code, Market: market, Kind: domain.KindStock}, nil
			}
			// 6-digit codes with no stock prefix may still be index codes
			// (399xxx never collides with a stock prefix).
			if idxMarket, ok := aShareIndexes[code]; ok {
				return domain.Symbol{Code: code, Market: idxMarket, Kind: domain.KindIndex}, nil
			}
			return domain.Symbol{}, fmt.Errorf("%w: unrecognized A-share prefix in %q", domain.ErrInvalidSymbol, raw)
		case 5:
			return domain.Symbol{Code: code, Market: domain.MarketHK, Kind: domain.KindStock}, nil
		}
	}

	return domain.Symbol{}, fmt.Errorf("%w: %q", domain.ErrInvalidSymbol, raw)
}

// NormalizeIndex resolves input on the index path. The closed index table
// takes precedence over the stock prefix rules because several SSE index
// codes (000001, 000300) are lexically valid Shenzhen stock codes.
func NormalizeIndex(raw string) (domain.Symbol, error) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if code == "" {
		return domain.Symbol{}, fmt.Errorf("%w: empty input", domain.ErrInvalidSymbol)
	}

	if canonical, ok := hkIndexAliases[code]; ok {
		return domain.Symbol{Code: canonical, Market: domain.MarketIndexHK, Kind: domain.KindIndex}, nil
	}
	if market, ok := aShareIndexes[code]; ok {
		return domain.Symbol{Code: code, Market: market, Kind: domain.KindIndex}, nil
	}

	return domain.Symbol{}, fmt.Errorf("%w: unknown index %q", domain.ErrInvalidSymbol, raw)
}

// aShareMarketFor classifies a 6-digit code by its listing prefix.
// More specific prefixes override: 688 beats 68, 30 beats the Shenzhen
// catch-all.
func aShareMarketFor(code string) (domain.Market, bool) {
	switch {
	case strings.HasPrefix(code, "688"):
		return domain.MarketASTAR, true
	case strings.HasPrefix(code, "60"), strings.HasPrefix(code, "68"),
		strings.HasPrefix(code, "51"), strings.HasPrefix(code, "58"):
		return domain.MarketASH, true
	case strings.HasPrefix(code, "30"):
		return domain.MarketAChiNext, true
	case strings.HasPrefix(code, "00"):
		return domain.MarketASZ, true
	}
	return "", false
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
