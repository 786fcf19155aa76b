package rewards

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/points-redemption/provider"
)

// ErrInvalidReward is returned by Parse for an unknown kind or an
// unparseable value.
var ErrInvalidReward = errors.New("invalid reward")

const dynamicValue = "dynamic"

var (
	// "$10", "10", "10.50", "10CAD", "10 cad"
	amountPattern = regexp.MustCompile(`^\$?(\d+(?:\.\d{1,2})?)\s*([A-Za-z]{3})?$`)
	// "15%", "12.5 %"
	percentPattern = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*%$`)
)

// Parse converts a kind / value pair into a Reward. points is the amount
// the member is spending and only matters for "dynamic" values.
func Parse(kind, value string, points int64) (Reward, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(kind)))
	if !k.Valid() {
		return Reward{}, fmt.Errorf("%w: unknown reward kind %q", ErrInvalidReward, kind)
	}
	v := strings.TrimSpace(value)

	spec, err := parseSpec(k, v, points)
	if err != nil {
		return Reward{}, err
	}
	if err := spec.Validate(); err != nil {
		return Reward{}, fmt.Errorf("%w: %v", ErrInvalidReward, err)
	}
	return Reward{Kind: k, Spec: spec}, nil
}

func parseSpec(k Kind, v string, points int64) (provider.RewardSpec, error) {
	if strings.EqualFold(v, dynamicValue) {
		if k == KindPercentage {
			return nil, fmt.Errorf("%w: percentage rewards cannot be dynamic", ErrInvalidReward)
		}
		return provider.Dynamic{Points: points}, nil
	}

	if m := percentPattern.FindStringSubmatch(v); m != nil {
		if k != KindPercentage {
			return nil, fmt.Errorf("%w: %s reward cannot be a percentage", ErrInvalidReward, k)
		}
		pct, err := decimal.NewFromString(m[1])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidReward, err)
		}
		return provider.Percentage{Percent: pct}, nil
	}

	if k == KindPercentage {
		return nil, fmt.Errorf("%w: percentage value must end in %%, got %q", ErrInvalidReward, v)
	}

	m := amountPattern.FindStringSubmatch(v)
	if m == nil {
		return nil, fmt.Errorf("%w: cannot parse amount %q", ErrInvalidReward, v)
	}
	amount, err := decimal.NewFromString(m[1])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReward, err)
	}
	return provider.FixedAmount{Amount: amount, Currency: strings.ToUpper(m[2])}, nil
}
