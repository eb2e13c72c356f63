package selector

import "fmt"

// Kind names a nodeset selection policy, set per log in the cluster's
// logs configuration.
type Kind string

const (
	KindWeightAware    Kind = "WEIGHT_AWARE"
	KindConsistentHash Kind = "CONSISTENT_HASH"
	KindCrossDomain    Kind = "CROSS_DOMAIN"
)

// Factory builds a Selector for the given policy kind.
func Factory(kind Kind) (Selector, error) {
	switch kind {
	case KindWeightAware, "":
		return NewWeightAware(), nil
	case KindConsistentHash:
		return NewConsistentHash(), nil
	case KindCrossDomain:
		return NewCrossDomain(), nil
	default:
		return nil, fmt.Errorf("selector: unknown policy kind %q", kind)
	}
}
