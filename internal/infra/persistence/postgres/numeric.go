package postgres

import (
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

// numericFromDecimal converts a decimal into a pgtype.Numeric value.
func numericFromDecimal(value decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{
		Int:   new(big.Int).Set(value.Coefficient()),
		Exp:   value.Exponent(),
		Valid: true,
	}
}

// decimalFromNumeric converts a scanned NUMERIC column into a decimal.
// NULL maps to zero; NaN and infinities are rejected.
func decimalFromNumeric(value pgtype.Numeric) (decimal.Decimal, error) {
	if !value.Valid {
		return decimal.Zero, nil
	}
	if value.NaN || value.InfinityModifier != pgtype.Finite {
		return decimal.Zero, fmt.Errorf("numeric value is not finite")
	}
	if value.Int == nil {
		return decimal.Zero, nil
	}
	return decimal.NewFromBigInt(value.Int, value.Exp), nil
}
