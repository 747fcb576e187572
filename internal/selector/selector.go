// Package selector implements square-root weighted winner selection for a
// round's token pool.
//
// Each token with at least one submission gets weight sqrt(submissions), so
// popularity raises a token's chance sub-linearly:
//   - 4 submissions weigh 2.0, 1 submission weighs 1.0
//   - 100 submissions weigh only 10x a single submission
//
// The selection is a pure function of (pool order, counts, randomness). It
// uses float64 arithmetic, so results are reproducible on IEEE-754 binary64
// platforms but are not guaranteed bit-identical under other floating-point
// environments.
package selector

import (
	"encoding/binary"
	"errors"
	"math"
	"math/big"
)

var (
	// ErrNoParticipants is returned when no candidate has a positive
	// submission count.
	ErrNoParticipants = errors.New("selector: no participants with positive weight")
)

// Candidate is one pool entry as seen by the selector.
type Candidate struct {
	TokenID         string
	SubmissionCount uint32
}

// Weighted is a qualifying candidate with its computed weight.
type Weighted struct {
	TokenID    string  `json:"token_id"`
	Weight     float64 `json:"weight"`
	Cumulative float64 `json:"cumulative"`
}

// Draw is the full, auditable result of a selection.
type Draw struct {
	Winner         string     `json:"winner"`
	TargetFraction float64    `json:"target_fraction"`
	Target         float64    `json:"target"`
	TotalWeight    float64    `json:"total_weight"`
	Weights        []Weighted `json:"weights"`
	Fallback       bool       `json:"fallback"`
}

// Weight returns sqrt(count) as float64. Zero counts weigh nothing.
func Weight(count uint32) float64 {
	if count == 0 {
		return 0
	}
	return math.Sqrt(float64(count))
}

// TargetFraction interprets the first 16 bytes of randomness as an unsigned
// little-endian 128-bit integer v and returns v / 2^128.
//
// v is rounded once to the nearest float64 and then scaled by an exact power
// of two, so the result always lies in [0, 1]. Values within half an ulp of
// 2^128 round up to exactly 1.0.
func TargetFraction(randomness [32]byte) float64 {
	lo := binary.LittleEndian.Uint64(randomness[0:8])
	hi := binary.LittleEndian.Uint64(randomness[8:16])

	v := new(big.Int).SetUint64(hi)
	v.Lsh(v, 64)
	v.Or(v, new(big.Int).SetUint64(lo))

	f, _ := new(big.Float).SetInt(v).Float64()
	return math.Ldexp(f, -128)
}

// Select picks the winning candidate for the given randomness.
//
// Candidates must be in the pool's canonical order; that order is part of
// the input and changing it can change the winner. Walking the qualifying
// candidates, the first whose cumulative weight reaches the target wins. If
// rounding leaves the target above the final cumulative sum, the last
// qualifying candidate wins.
func Select(candidates []Candidate, randomness [32]byte) (*Draw, error) {
	weights := make([]Weighted, 0, len(candidates))
	var total float64
	for _, c := range candidates {
		if c.SubmissionCount == 0 {
			continue
		}
		w := Weight(c.SubmissionCount)
		total += w
		weights = append(weights, Weighted{TokenID: c.TokenID, Weight: w})
	}

	if total <= 0 || len(weights) == 0 {
		return nil, ErrNoParticipants
	}

	fraction := TargetFraction(randomness)
	target := fraction * total

	draw := &Draw{
		TargetFraction: fraction,
		Target:         target,
		TotalWeight:    total,
		Weights:        weights,
	}

	draw.Winner, draw.Fallback = pick(weights, target)
	return draw, nil
}

// pick fills in cumulative sums and returns the first candidate whose
// cumulative weight reaches target, or the last one when none does.
func pick(weights []Weighted, target float64) (string, bool) {
	var acc float64
	winner := -1
	for i := range weights {
		acc += weights[i].Weight
		weights[i].Cumulative = acc
		if winner < 0 && target <= acc {
			winner = i
		}
	}
	if winner < 0 {
		return weights[len(weights)-1].TokenID, true
	}
	return weights[winner].TokenID, false
}
