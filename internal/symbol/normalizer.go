// Package symbol implements the canonical InstrumentKey normalization
// rules (C1). It is pure and stateless, the same way the teacher's
// pkg/types.StandardSymbol is pure and stateless — it only ever parses
// and formats strings, never touches I/O.
package symbol

import (
	"fmt"
	"strings"

	"github.com/paperdesk/engine/pkg/types"
)

// knownIndices maps loosely-formatted index names to their canonical
// title-cased form within the NSE_INDEX segment.
var knownIndices = map[string]string{
	"NIFTY 50":     "Nifty 50",
	"NIFTY50":      "Nifty 50",
	"BANKNIFTY":    "Bank Nifty",
	"BANK NIFTY":   "Bank Nifty",
	"NIFTY BANK":   "Bank Nifty",
	"FINNIFTY":     "Fin Nifty",
	"FIN NIFTY":    "Fin Nifty",
	"MIDCPNIFTY":   "Midcap Nifty",
	"SENSEX":       "Sensex",
}

// ToInstrumentKey trims, uppercases the segment prefix, replaces ":"
// with "|", and validates the SEGMENT|TOKEN shape. Canonical index
// names are mapped to a well-known NSE_INDEX|<TitleCased> key.
// Idempotent: ToInstrumentKey(string(ToInstrumentKey(raw))) == ToInstrumentKey(raw).
func ToInstrumentKey(raw string) (types.InstrumentKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("symbol: empty raw key")
	}

	if canonical, ok := knownIndices[strings.ToUpper(trimmed)]; ok {
		return types.InstrumentKey("NSE_INDEX|" + canonical), nil
	}

	normalized := strings.ReplaceAll(trimmed, ":", "|")
	parts := strings.SplitN(normalized, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("symbol: %q is not SEGMENT|TOKEN shaped", raw)
	}

	segment := strings.ToUpper(strings.TrimSpace(parts[0]))
	token := strings.TrimSpace(parts[1])
	return types.InstrumentKey(segment + "|" + token), nil
}

// ToCanonicalSymbol uppercases and strips non-alphanumeric characters
// for fuzzy trading-symbol lookup.
func ToCanonicalSymbol(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range strings.ToUpper(raw) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Split breaks an InstrumentKey back into its segment and token.
func Split(key types.InstrumentKey) (segment, token string, ok bool) {
	parts := strings.SplitN(string(key), "|", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}
