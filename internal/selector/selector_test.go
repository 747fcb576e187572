package selector

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// randomnessFromU128 builds a 32-byte value whose first 16 bytes encode
// hi<<64 | lo in little-endian order. Trailing bytes are non-zero filler.
func randomnessFromU128(hi, lo uint64) [32]byte {
	var r [32]byte
	for i := 0; i < 8; i++ {
		r[i] = byte(lo >> (8 * i))
		r[8+i] = byte(hi >> (8 * i))
	}
	for i := 16; i < 32; i++ {
		r[i] = 0xAB
	}
	return r
}

// --- TargetFraction ---

func TestTargetFraction_Half(t *testing.T) {
	r := randomnessFromU128(1<<63, 0) // v = 2^127
	if got := TargetFraction(r); got != 0.5 {
		t.Errorf("expected 0.5, got %v", got)
	}
}

func TestTargetFraction_Zero(t *testing.T) {
	r := randomnessFromU128(0, 0)
	if got := TargetFraction(r); got != 0 {
		t.Errorf("expected 0, got %v", got)
	}
}

func TestTargetFraction_SmallestNonZero(t *testing.T) {
	r := randomnessFromU128(0, 1)
	if got, want := TargetFraction(r), math.Ldexp(1, -128); got != want {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestTargetFraction_MaxRoundsToOne(t *testing.T) {
	r := randomnessFromU128(math.MaxUint64, math.MaxUint64)
	if got := TargetFraction(r); got != 1 {
		t.Errorf("expected u128 max to normalize to 1, got %v", got)
	}
}

func TestTargetFraction_IgnoresTrailingBytes(t *testing.T) {
	a := randomnessFromU128(42, 7)
	b := a
	for i := 16; i < 32; i++ {
		b[i] = byte(i)
	}
	if TargetFraction(a) != TargetFraction(b) {
		t.Error("bytes 16..31 must not influence the fraction")
	}
}

func TestTargetFraction_Bounds(t *testing.T) {
	for i := 0; i < 500; i++ {
		r := sha256.Sum256([]byte(fmt.Sprintf("bounds-%d", i)))
		f := TargetFraction(r)
		if f < 0 || f > 1 {
			t.Fatalf("fraction out of [0,1]: %v for %x", f, r)
		}
	}
}

// --- Select ---

func TestSelect_SqrtWeightedScenario(t *testing.T) {
	pool := []Candidate{
		{TokenID: "X", SubmissionCount: 4},
		{TokenID: "Y", SubmissionCount: 1},
	}

	draw, err := Select(pool, randomnessFromU128(1<<63, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := &Draw{
		Winner:         "X",
		TargetFraction: 0.5,
		Target:         1.5,
		TotalWeight:    3.0,
		Weights: []Weighted{
			{TokenID: "X", Weight: 2.0, Cumulative: 2.0},
			{TokenID: "Y", Weight: 1.0, Cumulative: 3.0},
		},
	}
	if diff := cmp.Diff(want, draw); diff != "" {
		t.Errorf("draw mismatch (-want +got):\n%s", diff)
	}
}

func TestSelect_UpperRangeGoesToSecondToken(t *testing.T) {
	pool := []Candidate{
		{TokenID: "X", SubmissionCount: 4},
		{TokenID: "Y", SubmissionCount: 1},
	}
	// 0.75 * 3.0 = 2.25, past X's cumulative 2.0.
	draw, err := Select(pool, randomnessFromU128(3<<62, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if draw.Winner != "Y" {
		t.Errorf("expected Y, got %s (target=%v)", draw.Winner, draw.Target)
	}
}

func TestSelect_ZeroTargetPicksFirstQualifying(t *testing.T) {
	pool := []Candidate{
		{TokenID: "empty", SubmissionCount: 0},
		{TokenID: "A", SubmissionCount: 9},
		{TokenID: "B", SubmissionCount: 1},
	}
	draw, err := Select(pool, randomnessFromU128(0, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if draw.Winner != "A" {
		t.Errorf("expected A, got %s", draw.Winner)
	}
}

func TestSelect_MaxTargetPicksLastQualifyingWithoutFallback(t *testing.T) {
	pool := []Candidate{
		{TokenID: "A", SubmissionCount: 2},
		{TokenID: "B", SubmissionCount: 3},
		{TokenID: "empty", SubmissionCount: 0},
	}
	draw, err := Select(pool, randomnessFromU128(math.MaxUint64, math.MaxUint64))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if draw.Winner != "B" {
		t.Errorf("expected B, got %s", draw.Winner)
	}
	if draw.Fallback {
		t.Error("target == total should match without fallback")
	}
}

func TestSelect_SkipsZeroCounts(t *testing.T) {
	pool := []Candidate{
		{TokenID: "A", SubmissionCount: 0},
		{TokenID: "B", SubmissionCount: 1},
		{TokenID: "C", SubmissionCount: 0},
	}
	for i := 0; i < 50; i++ {
		r := sha256.Sum256([]byte(fmt.Sprintf("skip-%d", i)))
		draw, err := Select(pool, r)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if draw.Winner != "B" {
			t.Fatalf("only B has weight, got %s", draw.Winner)
		}
		if len(draw.Weights) != 1 {
			t.Fatalf("expected 1 qualifying entry, got %d", len(draw.Weights))
		}
	}
}

func TestSelect_NoParticipants(t *testing.T) {
	tests := []struct {
		name string
		pool []Candidate
	}{
		{"nil pool", nil},
		{"all zero", []Candidate{{TokenID: "A"}, {TokenID: "B"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Select(tt.pool, randomnessFromU128(1, 1))
			if !errors.Is(err, ErrNoParticipants) {
				t.Errorf("expected ErrNoParticipants, got %v", err)
			}
		})
	}
}

func TestSelect_Deterministic(t *testing.T) {
	pool := []Candidate{
		{TokenID: "A", SubmissionCount: 17},
		{TokenID: "B", SubmissionCount: 3},
		{TokenID: "C", SubmissionCount: 1},
		{TokenID: "D", SubmissionCount: 40},
	}
	for i := 0; i < 200; i++ {
		r := sha256.Sum256([]byte(fmt.Sprintf("determinism-%d", i)))
		first, err := Select(pool, r)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		second, _ := Select(pool, r)
		if diff := cmp.Diff(first, second); diff != "" {
			t.Fatalf("select not deterministic for %x:\n%s", r, diff)
		}
	}
}

func TestSelect_WinnerCumulativeWithinBounds(t *testing.T) {
	pool := []Candidate{
		{TokenID: "A", SubmissionCount: 5},
		{TokenID: "B", SubmissionCount: 12},
		{TokenID: "C", SubmissionCount: 2},
	}
	for i := 0; i < 300; i++ {
		r := sha256.Sum256([]byte(fmt.Sprintf("bounds-select-%d", i)))
		draw, err := Select(pool, r)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		prev := 0.0
		for _, w := range draw.Weights {
			if w.TokenID == draw.Winner {
				if draw.Target < prev {
					t.Fatalf("target %v below winner's previous cumulative %v", draw.Target, prev)
				}
				if w.Cumulative > draw.TotalWeight {
					t.Fatalf("winner cumulative %v exceeds total %v", w.Cumulative, draw.TotalWeight)
				}
				if draw.Target > w.Cumulative {
					t.Fatalf("target %v beyond winner cumulative %v", draw.Target, w.Cumulative)
				}
				break
			}
			prev = w.Cumulative
		}
	}
}

func TestSelect_SqrtDampensPopularity(t *testing.T) {
	// 100 submissions vs 1 should win ~10/11 of draws, not 100/101.
	pool := []Candidate{
		{TokenID: "popular", SubmissionCount: 100},
		{TokenID: "rare", SubmissionCount: 1},
	}
	const n = 4000
	rare := 0
	for i := 0; i < n; i++ {
		r := sha256.Sum256([]byte(fmt.Sprintf("dampen-%d", i)))
		draw, err := Select(pool, r)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if draw.Winner == "rare" {
			rare++
		}
	}
	share := float64(rare) / n
	if math.Abs(share-1.0/11.0) > 0.025 {
		t.Errorf("rare token share should be ≈ %.3f, got %.3f", 1.0/11.0, share)
	}
}

func TestPick_FallbackToLastQualifying(t *testing.T) {
	weights := []Weighted{
		{TokenID: "A", Weight: 1},
		{TokenID: "B", Weight: 1},
	}
	winner, fallback := pick(weights, 2.0000001)
	if winner != "B" || !fallback {
		t.Errorf("expected fallback to B, got %s fallback=%v", winner, fallback)
	}
}
