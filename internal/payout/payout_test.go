package payout

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-ledger/internal/models"
)

func amounts(d *Distribution) map[string]int64 {
	out := make(map[string]int64, len(d.Lines))
	for _, l := range d.Lines {
		out[l.SubjectID] = l.Amount
	}
	return out
}

func TestComputePayouts_Scenarios(t *testing.T) {
	tests := []struct {
		name       string
		claims     []Claim
		total      int64
		want       map[string]int64
		wantShares map[string]string
	}{
		{
			name:       "proportional split without remainder",
			claims:     []Claim{{"A", 8000}, {"B", 2000}},
			total:      100,
			want:       map[string]int64{"A": 80, "B": 20},
			wantShares: map[string]string{"A": "4/5", "B": "1/5"},
		},
		{
			name:       "three-way tie goes to smallest subject",
			claims:     []Claim{{"C", 1}, {"B", 1}, {"A", 1}},
			total:      100,
			want:       map[string]int64{"A": 34, "B": 33, "C": 33},
			wantShares: map[string]string{"A": "1/3", "B": "1/3", "C": "1/3"},
		},
		{
			name:   "largest remainder wins before id order",
			claims: []Claim{{"A", 1}, {"B", 2}},
			total:  10,
			// exact: A 3.33.., B 6.66.. -> B has the larger remainder
			want: map[string]int64{"A": 3, "B": 7},
		},
		{
			name:   "claims for the same subject are summed",
			claims: []Claim{{"A", 500}, {"B", 1000}, {"A", 500}},
			total:  9,
			want:   map[string]int64{"A": 5, "B": 4},
		},
		{
			name:   "zero pool total",
			claims: []Claim{{"A", 1}, {"B", 3}},
			total:  0,
			want:   map[string]int64{"A": 0, "B": 0},
		},
		{
			name:   "zero unit subjects are omitted",
			claims: []Claim{{"A", 0}, {"B", 5}},
			total:  7,
			want:   map[string]int64{"B": 7},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := ComputePayouts(tt.claims, tt.total)
			require.NoError(t, err)
			assert.Equal(t, tt.want, amounts(d))
			assert.Equal(t, int64(0), d.Undistributed)
			for subject, share := range tt.wantShares {
				for _, l := range d.Lines {
					if l.SubjectID == subject {
						assert.Equal(t, share, l.Share, subject)
					}
				}
			}
			require.NoError(t, CheckSum(d.Lines, d.Undistributed, tt.total))
		})
	}
}

func TestComputePayouts_ZeroUnits(t *testing.T) {
	tests := []struct {
		name   string
		claims []Claim
	}{
		{"no claims", nil},
		{"all zero", []Claim{{"A", 0}, {"B", 0}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := ComputePayouts(tt.claims, 250)
			require.NoError(t, err)
			assert.Empty(t, d.Lines)
			assert.NotNil(t, d.Lines)
			assert.Equal(t, int64(0), d.TotalUnits)
			assert.Equal(t, int64(250), d.Undistributed)
		})
	}
}

func TestComputePayouts_InvalidInput(t *testing.T) {
	tests := []struct {
		name   string
		claims []Claim
		total  int64
	}{
		{"negative units", []Claim{{"A", -1}}, 10},
		{"empty subject", []Claim{{"", 1}}, 10},
		{"negative pool", []Claim{{"A", 1}}, -5},
		{"unit overflow", []Claim{{"A", 1 << 62}, {"A", 1 << 62}}, 10},
		{"total overflow", []Claim{{"A", 1 << 62}, {"B", 1 << 62}}, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ComputePayouts(tt.claims, tt.total)
			assert.ErrorIs(t, err, models.ErrInvalidClaim)
		})
	}
}

func TestComputePayouts_OutputSortedBySubject(t *testing.T) {
	d, err := ComputePayouts([]Claim{{"zed", 3}, {"amy", 1}, {"kim", 2}}, 61)
	require.NoError(t, err)
	require.Len(t, d.Lines, 3)
	assert.Equal(t, "amy", d.Lines[0].SubjectID)
	assert.Equal(t, "kim", d.Lines[1].SubjectID)
	assert.Equal(t, "zed", d.Lines[2].SubjectID)
}

func TestComputePayouts_LargeValuesStayExact(t *testing.T) {
	// units * total would overflow int64 without big arithmetic
	d, err := ComputePayouts([]Claim{{"A", 1 << 40}, {"B", 3 << 40}}, 1<<40)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"A": 1 << 38, "B": 3 << 38}, amounts(d))
}

func randomClaims(f *gofakeit.Faker) []Claim {
	n := f.Number(0, 40)
	claims := make([]Claim, 0, n)
	for i := 0; i < n; i++ {
		claims = append(claims, Claim{
			SubjectID: fmt.Sprintf("%s-%d", f.LetterN(3), f.Number(0, 9)),
			Units:     int64(f.Number(0, 1_000_000)),
		})
	}
	return claims
}

func TestComputePayouts_ExactSumProperty(t *testing.T) {
	f := gofakeit.New(20260101)
	for i := 0; i < 500; i++ {
		claims := randomClaims(f)
		total := int64(f.Number(0, 10_000_000))

		d, err := ComputePayouts(claims, total)
		require.NoError(t, err)

		var sum int64
		for _, l := range d.Lines {
			assert.GreaterOrEqual(t, l.Amount, int64(0))
			sum += l.Amount
		}
		if d.TotalUnits == 0 {
			assert.Equal(t, total, d.Undistributed)
		} else {
			assert.Equal(t, total, sum, "iteration %d", i)
		}
	}
}

func TestComputePayouts_DeterministicProperty(t *testing.T) {
	f := gofakeit.New(42)
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		claims := randomClaims(f)
		total := int64(f.Number(0, 100_000))

		shuffled := append([]Claim(nil), claims...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		first, err := ComputePayouts(claims, total)
		require.NoError(t, err)
		second, err := ComputePayouts(shuffled, total)
		require.NoError(t, err)
		assert.Equal(t, first, second)

		h1, err := AllocationSetHash(claims)
		require.NoError(t, err)
		h2, err := AllocationSetHash(shuffled)
		require.NoError(t, err)
		assert.Equal(t, h1, h2)
	}
}

func TestAllocationSetHash(t *testing.T) {
	base, err := AllocationSetHash([]Claim{{"A", 8000}, {"B", 2000}})
	require.NoError(t, err)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, base)

	changed, err := AllocationSetHash([]Claim{{"A", 8000}, {"B", 2001}})
	require.NoError(t, err)
	assert.NotEqual(t, base, changed)

	withZero, err := AllocationSetHash([]Claim{{"A", 8000}, {"B", 2000}, {"C", 0}})
	require.NoError(t, err)
	assert.NotEqual(t, base, withZero)
}

func TestClaimsFromAllocations(t *testing.T) {
	final := int64(50)
	claims := ClaimsFromAllocations([]*models.Allocation{
		{SubjectID: "A", ProposedUnits: 10},
		{SubjectID: "B", ProposedUnits: 10, FinalUnits: &final},
	})
	assert.Equal(t, []Claim{{"A", 10}, {"B", 50}}, claims)
}

func TestShare(t *testing.T) {
	assert.Equal(t, "4/5", Share(8000, 10000))
	assert.Equal(t, "1/1", Share(3, 3))
	assert.Equal(t, "0/1", Share(0, 3))
	assert.Equal(t, "0/1", Share(1, 0))
}

func TestCheckSum(t *testing.T) {
	lines := []models.StatementLine{{SubjectID: "A", Amount: 60}, {SubjectID: "B", Amount: 30}}
	assert.NoError(t, CheckSum(lines, 10, 100))
	assert.ErrorIs(t, CheckSum(lines, 0, 100), models.ErrPayoutSumMismatch)
}
