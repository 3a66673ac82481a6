package ir

import (
	"fmt"

	"github.com/cockroachdb/apd/v3"
)

// Decimal is the arithmetic context for balances: 34 significant digits
// (decimal128), with inexact results treated as errors.
var Decimal = apd.BaseContext.WithPrecision(34)

// Amount returns the exact decimal "amount" of an asset delta payload.
// ok is false when the payload carries no amount.
func (e Event) Amount() (amount *apd.Decimal, ok bool, err error) {
	raw, ok := e.Payload.String("amount")
	if !ok {
		return nil, false, nil
	}
	d, _, err := apd.NewFromString(raw)
	if err != nil {
		return nil, true, fmt.Errorf("event %s: amount %q: %w", e.ID(), raw, err)
	}
	if d.Form != apd.Finite {
		return nil, true, fmt.Errorf("event %s: amount %q is not finite", e.ID(), raw)
	}
	return d, true, nil
}

// AddAmount sets sum = sum + d using the ledger decimal context.
func AddAmount(sum, d *apd.Decimal) error {
	cond, err := Decimal.Add(sum, sum, d)
	if err != nil {
		return err
	}
	if cond.Inexact() {
		return fmt.Errorf("decimal overflow adding %s", d)
	}
	return nil
}
