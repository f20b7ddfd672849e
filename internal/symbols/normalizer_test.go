package symbols

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantdb/quantdb/internal/domain"
)

func TestNormalize_AShareStocks(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		code   string
		market domain.Market
	}{
		{name: "shanghai main board", input: "600519", code: "600519", market: domain.MarketASH},
		{name: "shanghai 68 prefix", input: "689009", code: "689009", market: domain.MarketASH},
		{name: "shanghai fund 51", input: "510300", code: "510300", market: domain.MarketASH},
		{name: "shanghai fund 58", input: "588000", code: "588000", market: domain.MarketASH},
		{name: "star market overrides 68", input: "688001", code: "688001", market: domain.MarketASTAR},
		{name: "shenzhen main board", input: "000001", code: "000001", market: domain.MarketASZ},
		{name: "shenzhen 001", input: "001979", code: "001979", market: domain.MarketASZ},
		{name: "shenzhen 002", input: "002594", code: "002594", market: domain.MarketASZ},
		{name: "chinext overrides 00 catch-all", input: "300750", code: "300750", market: domain.MarketAChiNext},
		{name: "whitespace trimmed", input: "  600519  ", code: "600519", market: domain.MarketASH},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sym, err := Normalize(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.code, sym.Code)
			assert.Equal(t, tt.market, sym.Market)
			assert.Equal(t, domain.KindStock, sym.Kind)
		})
	}
}

func TestNormalize_HongKong(t *testing.T) {
	sym, err := Normalize("00700")
	require.NoError(t, err)
	assert.Equal(t, "00700", sym.Code)
	assert.Equal(t, domain.MarketHK, sym.Market)
	assert.Equal(t, domain.KindStock, sym.Kind)

	// Five digits always win over A-share interpretation
	sym, err = Normalize("09988")
	require.NoError(t, err)
	assert.Equal(t, domain.MarketHK, sym.Market)
}

func TestNormalize_HKIndexAliases(t *testing.T) {
	tests := []struct {
		input string
		code  string
	}{
		{input: "HSI", code: "HSI"},
		{input: "hsi", code: "HSI"},
		{input: "^HSI", code: "HSI"},
		{input: "HK.HSI", code: "HSI"},
		{input: "Hang Seng", code: "HSI"},
		{input: "HANGSENG", code: "HSI"},
		{input: "HSCEI", code: "HSCEI"},
		{input: "^HSTECH", code: "HSTECH"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			sym, err := Normalize(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.code, sym.Code)
			assert.Equal(t, domain.MarketIndexHK, sym.Market)
			assert.Equal(t, domain.KindIndex, sym.Kind)
		})
	}
}

func TestNormalize_SixDigitIndexFallthrough(t *testing.T) {
	// 399xxx has no stock prefix, so the index table claims it even on the
	// stock path.
	sym, err := Normalize("399001")
	require.NoError(t, err)
	assert.Equal(t, domain.MarketIndexSZ, sym.Market)
	assert.Equal(t, domain.KindIndex, sym.Kind)
}

func TestNormalize_StockRuleBeatsIndexTable(t *testing.T) {
	// 000001 is both the SSE Composite and Ping An Bank; the ordered rules
	// resolve the plain path to the stock.
	sym, err := Normalize("000001")
	require.NoError(t, err)
	assert.Equal(t, domain.MarketASZ, sym.Market)
	assert.Equal(t, domain.KindStock, sym.Kind)
}

func TestNormalize_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "empty", input: ""},
		{name: "whitespace only", input: "   "},
		{name: "bad prefix", input: "123456"},
		{name: "too short", input: "6005"},
		{name: "too long", input: "6005190"},
		{name: "letters mixed in", input: "60A519"},
		{name: "us ticker", input: "AAPL"},
		{name: "unknown alias", input: "NIKKEI"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(tt.input)
			assert.ErrorIs(t, err, domain.ErrInvalidSymbol)
		})
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	inputs := []string{"600519", "00700", "Hang Seng", "399001", " 300750 "}
	for _, input := range inputs {
		first, err := Normalize(input)
		require.NoError(t, err)

		second, err := Normalize(first.Code)
		require.NoError(t, err)
		assert.Equal(t, first, second, "normalizing a canonical code must be stable")
	}
}

func TestNormalizeIndex(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		code   string
		market domain.Market
	}{
		{name: "csi 300 resolves as index", input: "000300", code: "000300", market: domain.MarketIndexSH},
		{name: "sse composite resolves as index", input: "000001", code: "000001", market: domain.MarketIndexSH},
		{name: "sse 50", input: "000016", code: "000016", market: domain.MarketIndexSH},
		{name: "star 50", input: "000688", code: "000688", market: domain.MarketIndexSH},
		{name: "szse component", input: "399001", code: "399001", market: domain.MarketIndexSZ},
		{name: "chinext index", input: "399006", code: "399006", market: domain.MarketIndexSZ},
		{name: "hang seng alias", input: "hsi", code: "HSI", market: domain.MarketIndexHK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sym, err := NormalizeIndex(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.code, sym.Code)
			assert.Equal(t, tt.market, sym.Market)
			assert.Equal(t, domain.KindIndex, sym.Kind)
		})
	}
}

func TestNormalizeIndex_RejectsStocks(t *testing.T) {
	// Plain stock codes are not in the closed index table.
	_, err := NormalizeIndex("600519")
	assert.ErrorIs(t, err, domain.ErrInvalidSymbol)

	_, err = NormalizeIndex("00700")
	assert.ErrorIs(t, err, domain.ErrInvalidSymbol)
}

func TestMarketCalendarMapping(t *testing.T) {
	assert.Equal(t, domain.CalendarCN, domain.MarketASH.CalendarID())
	assert.Equal(t, domain.CalendarCN, domain.MarketAChiNext.CalendarID())
	assert.Equal(t, domain.CalendarCN, domain.MarketIndexSZ.CalendarID())
	assert.Equal(t, domain.CalendarHK, domain.MarketHK.CalendarID())
	assert.Equal(t, domain.CalendarHK, domain.MarketIndexHK.CalendarID())
}
