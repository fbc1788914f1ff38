package types

import "time"

// InstrumentType classifies a tradable instrument.
type InstrumentType string

const (
	InstrumentTypeEquity InstrumentType = "EQUITY"
	InstrumentTypeFuture InstrumentType = "FUTURE"
	InstrumentTypeOption InstrumentType = "OPTION"
	InstrumentTypeIndex  InstrumentType = "INDEX"
)

// OptionType distinguishes calls from puts.
type OptionType string

const (
	OptionTypeCall OptionType = "CE"
	OptionTypePut  OptionType = "PE"
)

// InstrumentKey is the canonical "SEGMENT|TOKEN" identity used across
// every component. Trading symbol is a display attribute only.
type InstrumentKey string

// Instrument is master data for one tradable instrument.
type Instrument struct {
	InstrumentKey InstrumentKey  `json:"instrumentKey" gorm:"primaryKey"`
	TradingSymbol string         `json:"tradingSymbol" gorm:"index:idx_symbol_segment"`
	Name          string         `json:"name"`
	Underlying    string         `json:"underlying,omitempty"`
	Expiry        *time.Time     `json:"expiry,omitempty"`
	Strike        *float64       `json:"strike,omitempty"`
	OptionType    OptionType     `json:"optionType,omitempty"`
	LotSize       int            `json:"lotSize"`
	TickSize      float64        `json:"tickSize"`
	Type          InstrumentType `json:"instrumentType"`
	Segment       string         `json:"segment" gorm:"index:idx_symbol_segment"`
	IsActive      bool           `json:"isActive"`
}

// IsExpired reports whether the instrument's expiry (if any) has passed
// as of t.
func (i Instrument) IsExpired(t time.Time) bool {
	return i.Expiry != nil && t.After(*i.Expiry)
}
