package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/simplesurance/onebothook/internal/stringutils"
)

type Rules []*Rule

// Matched is a rule that applies to a delivery.
type Matched struct {
	Rule   *Rule
	Branch string
}

// Match returns the rules that apply to the delivery, in the order of rr.
// Rules that could not be evaluated are skipped, their errors are returned
// joined.
func (rr Rules) Match(ctx context.Context, d *Delivery) ([]*Matched, error) {
	var result []*Matched
	var errs []error

	for _, r := range rr {
		res, err := r.Match(ctx, d)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", r.name, err))
			continue
		}

		if res == Match {
			result = append(result, &Matched{Rule: r, Branch: d.Branch})
		}
	}

	return result, errors.Join(errs...)
}

func (rr Rules) String() string {
	var result strings.Builder

	for i, r := range rr {
		result.WriteString(stringutils.IndentString(r.DetailedString(), "  "))
		if i < len(rr)-1 {
			result.WriteRune('\n')
		}
	}

	return result.String()
}
