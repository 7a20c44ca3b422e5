package postgres

import (
	"testing"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestNumericRoundTripKeepsScale(t *testing.T) {
	for _, raw := range []string{"1.2345", "-0.87", "0", "1024"} {
		in := decimal.RequireFromString(raw)
		out, err := decimalFromNumeric(numericFromDecimal(in))
		require.NoError(t, err)
		require.True(t, in.Equal(out), "round trip %s gave %s", raw, out)
	}
}

func TestDecimalFromNumericEdgeValues(t *testing.T) {
	zero, err := decimalFromNumeric(pgtype.Numeric{})
	require.NoError(t, err)
	require.True(t, zero.IsZero())

	_, err = decimalFromNumeric(pgtype.Numeric{NaN: true, Valid: true})
	require.Error(t, err)

	_, err = decimalFromNumeric(pgtype.Numeric{InfinityModifier: pgtype.Infinity, Valid: true})
	require.Error(t, err)
}
