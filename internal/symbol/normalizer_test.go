package symbol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToInstrumentKey(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"segment pipe token", "NSE_EQ|INE002A01018", "NSE_EQ|INE002A01018"},
		{"colon separator", "NSE_EQ:INE002A01018", "NSE_EQ|INE002A01018"},
		{"lowercase segment", "nse_eq|INE002A01018", "NSE_EQ|INE002A01018"},
		{"whitespace padded", "  NSE_EQ | INE002A01018  ", "NSE_EQ|INE002A01018"},
		{"known index", "NIFTY 50", "NSE_INDEX|Nifty 50"},
		{"known index no space", "niftybank", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ToInstrumentKey(tc.raw)
			if tc.want == "" {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, string(got))
		})
	}
}

func TestToInstrumentKeyIdempotent(t *testing.T) {
	key, err := ToInstrumentKey("nse_eq:INE002A01018")
	require.NoError(t, err)

	again, err := ToInstrumentKey(string(key))
	require.NoError(t, err)
	assert.Equal(t, key, again)
}

func TestToInstrumentKeyRejectsMalformed(t *testing.T) {
	_, err := ToInstrumentKey("NOSEPARATOR")
	require.Error(t, err)

	_, err = ToInstrumentKey("")
	require.Error(t, err)

	_, err = ToInstrumentKey("SEGMENT|")
	require.Error(t, err)
}

func TestToCanonicalSymbol(t *testing.T) {
	assert.Equal(t, "RELIANCE", ToCanonicalSymbol("reliance"))
	assert.Equal(t, "NIFTYBANK", ToCanonicalSymbol("NIFTY-BANK"))
	assert.Equal(t, "SBIN500112", ToCanonicalSymbol("SBIN 500112"))
}

func TestSplit(t *testing.T) {
	seg, tok, ok := Split("NSE_EQ|INE002A01018")
	require.True(t, ok)
	assert.Equal(t, "NSE_EQ", seg)
	assert.Equal(t, "INE002A01018", tok)

	_, _, ok = Split("malformed")
	assert.False(t, ok)
}
