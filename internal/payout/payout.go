// Package payout distributes an integer credit pool across subjects in
// proportion to their units, using largest-remainder rounding so the credited
// amounts always sum to the pool exactly. All arithmetic is integer.
package payout

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"sort"

	"github.com/telhawk-systems/telhawk-ledger/internal/models"
)

// Claim is one subject's unit claim on the pool. A subject may appear in
// several claims; units are summed per subject.
type Claim struct {
	SubjectID string `json:"subject_id"`
	Units     int64  `json:"units"`
}

// Distribution is the result of ComputePayouts.
type Distribution struct {
	PoolTotal  int64
	TotalUnits int64
	// Undistributed is the whole pool when TotalUnits is zero, otherwise zero.
	Undistributed int64
	// Lines are sorted by subject and omit subjects with zero units.
	Lines []models.StatementLine
}

// ClaimsFromAllocations converts allocations into claims using each
// allocation's effective units (final units when set, proposed otherwise).
func ClaimsFromAllocations(allocs []*models.Allocation) []Claim {
	claims := make([]Claim, 0, len(allocs))
	for _, a := range allocs {
		claims = append(claims, Claim{SubjectID: a.SubjectID, Units: a.EffectiveUnits()})
	}
	return claims
}

// Group sums claims per subject and returns them sorted by subject.
func Group(claims []Claim) ([]Claim, error) {
	sums := make(map[string]*big.Int, len(claims))
	for _, c := range claims {
		if c.SubjectID == "" {
			return nil, models.ErrInvalidClaim.WithDetail("empty subject id")
		}
		if c.Units < 0 {
			return nil, models.ErrInvalidClaim.WithDetail("subject %s has negative units %d", c.SubjectID, c.Units)
		}
		s, ok := sums[c.SubjectID]
		if !ok {
			s = new(big.Int)
			sums[c.SubjectID] = s
		}
		s.Add(s, big.NewInt(c.Units))
	}

	grouped := make([]Claim, 0, len(sums))
	for subject, s := range sums {
		if !s.IsInt64() {
			return nil, models.ErrInvalidClaim.WithDetail("units of subject %s overflow", subject)
		}
		grouped = append(grouped, Claim{SubjectID: subject, Units: s.Int64()})
	}
	sort.Slice(grouped, func(i, j int) bool { return grouped[i].SubjectID < grouped[j].SubjectID })
	return grouped, nil
}

// ComputePayouts splits totalPoolCredits across claims.
//
// Each subject first receives floor(units * total / totalUnits). The credits
// left over are then handed out one at a time to the subjects with the
// largest fractional remainder, ties going to the smaller subject id. When
// total units are zero nothing is distributed and the whole pool is reported
// as undistributed.
func ComputePayouts(claims []Claim, totalPoolCredits int64) (*Distribution, error) {
	if totalPoolCredits < 0 {
		return nil, models.ErrInvalidClaim.WithDetail("negative pool total %d", totalPoolCredits)
	}
	grouped, err := Group(claims)
	if err != nil {
		return nil, err
	}

	totalUnits := new(big.Int)
	for _, c := range grouped {
		totalUnits.Add(totalUnits, big.NewInt(c.Units))
	}
	if !totalUnits.IsInt64() {
		return nil, models.ErrInvalidClaim.WithDetail("total units overflow")
	}

	dist := &Distribution{
		PoolTotal:  totalPoolCredits,
		TotalUnits: totalUnits.Int64(),
		Lines:      []models.StatementLine{},
	}
	if totalUnits.Sign() == 0 {
		dist.Undistributed = totalPoolCredits
		return dist, nil
	}

	type slot struct {
		line      models.StatementLine
		remainder *big.Int
	}
	pool := big.NewInt(totalPoolCredits)
	slots := make([]*slot, 0, len(grouped))
	var floorSum int64
	for _, c := range grouped {
		if c.Units == 0 {
			continue
		}
		product := new(big.Int).Mul(big.NewInt(c.Units), pool)
		quotient, remainder := new(big.Int).QuoRem(product, totalUnits, new(big.Int))
		amount := quotient.Int64() // <= pool total, always fits
		floorSum += amount
		slots = append(slots, &slot{
			line: models.StatementLine{
				SubjectID: c.SubjectID,
				Units:     c.Units,
				Share:     Share(c.Units, dist.TotalUnits),
				Amount:    amount,
			},
			remainder: remainder,
		})
	}

	leftover := totalPoolCredits - floorSum
	if leftover > 0 {
		order := make([]*slot, len(slots))
		copy(order, slots)
		sort.SliceStable(order, func(i, j int) bool {
			if cmp := order[i].remainder.Cmp(order[j].remainder); cmp != 0 {
				return cmp > 0
			}
			return order[i].line.SubjectID < order[j].line.SubjectID
		})
		for i := int64(0); i < leftover; i++ {
			order[i].line.Amount++
		}
	}

	for _, s := range slots {
		dist.Lines = append(dist.Lines, s.line)
	}
	if err := CheckSum(dist.Lines, dist.Undistributed, totalPoolCredits); err != nil {
		return nil, err
	}
	return dist, nil
}

// Share renders units/totalUnits as a reduced fraction "n/d".
func Share(units, totalUnits int64) string {
	if totalUnits == 0 {
		return "0/1"
	}
	r := big.NewRat(units, totalUnits)
	return r.Num().String() + "/" + r.Denom().String()
}

// CheckSum verifies that lines plus undistributed credits equal the pool total.
func CheckSum(lines []models.StatementLine, undistributed, poolTotal int64) error {
	sum := big.NewInt(undistributed)
	for _, l := range lines {
		sum.Add(sum, big.NewInt(l.Amount))
	}
	if sum.Cmp(big.NewInt(poolTotal)) != 0 {
		return models.ErrPayoutSumMismatch.WithDetail("sum %s, pool total %d", sum.String(), poolTotal)
	}
	return nil
}

// AllocationSetHash pins the exact input set of a distribution: sha256 over
// the canonical JSON of the per-subject unit totals sorted by subject.
// Subjects with zero units are part of the set.
func AllocationSetHash(claims []Claim) (string, error) {
	grouped, err := Group(claims)
	if err != nil {
		return "", err
	}
	canonical, err := json.Marshal(grouped)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
