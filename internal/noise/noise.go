package noise

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"math/rand"

	"github.com/halcyonlabs/attrib/internal/attribution"
)

// Params bounds the randomized-response computation. Supplied by the
// policy configuration; see policy.Config.
type Params struct {
	// Epsilon is the differential-privacy budget. Larger epsilon means
	// less noise.
	Epsilon float64

	// MaxTriggerStates is the absolute cap on the state count. A spec
	// whose state space exceeds it is rejected regardless of epsilon.
	MaxTriggerStates uint64

	// MaxChannelCapacityBits caps log2 of the state count.
	MaxChannelCapacityBits float64
}

// Response is the committed outcome of randomized response for one
// source.
type Response struct {
	// Rate is the flip probability that was in force. Retained on the
	// source for later disclosure; never used to re-derive anything.
	Rate float64

	// Noised reports whether the output was replaced by a random state.
	Noised bool

	// FakeReports is the committed fake output. Only meaningful when
	// Noised; may be empty, meaning the source never attributes.
	FakeReports []attribution.FakeReport
}

// Logic maps the response onto the source's attribution logic.
func (r Response) Logic() attribution.AttributionLogic {
	switch {
	case !r.Noised:
		return attribution.LogicTruthful
	case len(r.FakeReports) == 0:
		return attribution.LogicNever
	default:
		return attribution.LogicFalselyAttributed
	}
}

// ChannelCapacityError reports that the source's trigger-data
// configuration carries more information than the configured channel
// capacity allows.
type ChannelCapacityError struct {
	Bits    float64
	MaxBits float64
}

func (e *ChannelCapacityError) Error() string {
	return fmt.Sprintf("trigger data config needs %.2f bits of channel capacity, limit is %.2f", e.Bits, e.MaxBits)
}

// CardinalityError reports that the source's trigger-state count
// exceeds the absolute system maximum.
type CardinalityError struct {
	States    uint64
	MaxStates uint64
}

func (e *CardinalityError) Error() string {
	return fmt.Sprintf("trigger data config has %d states, limit is %d", e.States, e.MaxStates)
}

// IsChannelCapacityError reports whether err is a ChannelCapacityError.
func IsChannelCapacityError(err error) bool {
	var ce *ChannelCapacityError
	return errors.As(err, &ce)
}

// IsCardinalityError reports whether err is a CardinalityError.
func IsCardinalityError(err error) bool {
	var ce *CardinalityError
	return errors.As(err, &ce)
}

var errStateOverflow = errors.New("trigger state count overflows uint64")

// NumStates counts the possible event-level outputs of a source: the
// number of multisets of size at most maxReports drawn from
// cardinality*numWindows distinguishable report slots. Stars and bars:
// C(maxReports + cardinality*numWindows, maxReports).
func NumStates(spec attribution.TriggerDataSpec, maxReports int) (uint64, error) {
	slots := uint64(spec.Cardinality()) * uint64(spec.NumWindows())
	return binomial(slots+uint64(maxReports), uint64(maxReports))
}

// Do runs randomized response for one source registration.
//
// Deterministic given rng: the same seed, spec, and params always
// produce the same response. The caller commits the response
// atomically with the source row and never calls Do for that source
// again.
func Do(rng *rand.Rand, spec attribution.TriggerDataSpec, maxReports int, p Params) (Response, error) {
	states, err := NumStates(spec, maxReports)
	if err != nil {
		return Response{}, &CardinalityError{States: math.MaxUint64, MaxStates: p.MaxTriggerStates}
	}
	if states > p.MaxTriggerStates {
		return Response{}, &CardinalityError{States: states, MaxStates: p.MaxTriggerStates}
	}
	if bitsNeeded := math.Log2(float64(states)); bitsNeeded > p.MaxChannelCapacityBits {
		return Response{}, &ChannelCapacityError{Bits: bitsNeeded, MaxBits: p.MaxChannelCapacityBits}
	}

	rate := flipRate(p.Epsilon, states)
	if rng.Float64() >= rate {
		return Response{Rate: rate}, nil
	}

	// States fit in int64: MaxTriggerStates is far below 2^63.
	index := uint64(rng.Int63n(int64(states)))
	fakes := fakeReportsForState(spec, maxReports, index)
	return Response{Rate: rate, Noised: true, FakeReports: fakes}, nil
}

// flipRate is k/(k - 1 + e^epsilon) for k states.
func flipRate(epsilon float64, states uint64) float64 {
	k := float64(states)
	return k / (k - 1 + math.Exp(epsilon))
}

// fakeReportsForState decodes a uniformly chosen state index into its
// fake report multiset via the combinatorial number system.
//
// The index is first decoded as a maxReports-combination of
// {0, ..., slots+maxReports-1} (the stars-and-bars sequence with the
// stars' positions listed in decreasing order). The number of bars
// preceding each star then selects a (trigger data, window) slot, with
// zero bars meaning "this report slot unused".
func fakeReportsForState(spec attribution.TriggerDataSpec, maxReports int, index uint64) []attribution.FakeReport {
	combo := kCombinationAt(index, uint64(maxReports))
	cardinality := uint64(spec.Cardinality())

	fakes := []attribution.FakeReport{}
	for i, star := range combo {
		// combo is decreasing; star i has (maxReports-1-i) stars below it.
		barsPreceding := star - uint64(maxReports-1-i)
		if barsPreceding == 0 {
			continue
		}
		slot := barsPreceding - 1
		fakes = append(fakes, attribution.FakeReport{
			TriggerData: spec.Values[slot%cardinality],
			WindowIndex: int(slot / cardinality),
		})
	}
	return fakes
}

// kCombinationAt returns the combination {a_k > ... > a_1 >= 0} with
// index = sum over i of C(a_i, i), in decreasing order. Greedy
// decoding: for each position take the largest a with C(a, i) <= rest.
func kCombinationAt(index uint64, k uint64) []uint64 {
	combo := make([]uint64, 0, k)
	rest := index
	for i := k; i >= 1; i-- {
		a := largestBinomialBelow(rest, i)
		c, _ := binomial(a, i)
		combo = append(combo, a)
		rest -= c
	}
	return combo
}

// largestBinomialBelow finds the largest a such that C(a, i) <= target.
// C(a, i) is monotone in a, so walk up from the minimum. The state-count
// caps keep a small enough for the linear walk to be cheap.
func largestBinomialBelow(target, i uint64) uint64 {
	a := i - 1 // C(i-1, i) == 0 <= target always holds
	for {
		c, err := binomial(a+1, i)
		if err != nil || c > target {
			return a
		}
		a++
	}
}

// binomial computes C(n, k) exactly, returning errStateOverflow when
// the result does not fit in a uint64.
func binomial(n, k uint64) (uint64, error) {
	if k > n {
		return 0, nil
	}
	if k > n-k {
		k = n - k
	}
	res := uint64(1)
	for i := uint64(1); i <= k; i++ {
		hi, lo := bits.Mul64(res, n-k+i)
		if hi >= i {
			return 0, errStateOverflow
		}
		q, _ := bits.Div64(hi, lo, i)
		res = q
	}
	return res, nil
}
