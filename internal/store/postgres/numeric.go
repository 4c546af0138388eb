package postgres

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Amounts travel as decimal text: parameters are cast with ::numeric and
// columns are read back with ::text.

func num(d decimal.Decimal) string { return d.String() }

func parseNum(col, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: parse %s %q: %w", col, s, err)
	}
	return d, nil
}

// numScanner collects text columns and parses them once scanning succeeded.
type numScanner struct {
	cols []string
	raw  []*string
	dst  []*decimal.Decimal
}

func (n *numScanner) add(col string, dst *decimal.Decimal) *string {
	n.cols = append(n.cols, col)
	n.dst = append(n.dst, dst)
	s := new(string)
	n.raw = append(n.raw, s)
	return s
}

func (n *numScanner) parse() error {
	for i, s := range n.raw {
		d, err := parseNum(n.cols[i], *s)
		if err != nil {
			return err
		}
		*n.dst[i] = d
	}
	return nil
}
