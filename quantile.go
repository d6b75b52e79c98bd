package twinsentry

import (
	"math"
	"sort"
)

// Quantile estimates a single quantile of a stream in constant memory with the
// P² algorithm (Jain and Chlamtac, 1985). Five markers track the minimum, the
// quantile, the maximum and two midpoints; their heights are adjusted with a
// piecewise-parabolic formula as observations arrive.
//
// Fields are exported so estimators survive checkpoints; treat them as opaque.
// The zero value is not usable, see NewQuantile.
type Quantile struct {
	P       float64    `json:"p"`
	N       int64      `json:"n"`
	Heights [5]float64 `json:"heights"`
	Pos     [5]float64 `json:"positions"`
	Desired [5]float64 `json:"desired"`
}

// NewQuantile returns an estimator of the p-quantile, 0 < p < 1.
func NewQuantile(p float64) Quantile {
	return Quantile{
		P:       p,
		Pos:     [5]float64{1, 2, 3, 4, 5},
		Desired: [5]float64{1, 1 + 2*p, 1 + 4*p, 3 + 2*p, 5},
	}
}

func (q *Quantile) increments() [5]float64 {
	return [5]float64{0, q.P / 2, q.P, (1 + q.P) / 2, 1}
}

// Observe adds x to the stream.
func (q *Quantile) Observe(x float64) {
	if q.N < 5 {
		q.Heights[q.N] = x
		q.N++
		if q.N == 5 {
			sort.Float64s(q.Heights[:])
		}
		return
	}
	q.N++

	var k int
	switch {
	case x < q.Heights[0]:
		q.Heights[0] = x
		k = 0
	case x >= q.Heights[4]:
		q.Heights[4] = x
		k = 3
	default:
		for k = 0; k < 3; k++ {
			if x < q.Heights[k+1] {
				break
			}
		}
	}
	for i := k + 1; i < 5; i++ {
		q.Pos[i]++
	}
	inc := q.increments()
	for i := range q.Desired {
		q.Desired[i] += inc[i]
	}

	for i := 1; i <= 3; i++ {
		d := q.Desired[i] - q.Pos[i]
		if (d >= 1 && q.Pos[i+1]-q.Pos[i] > 1) || (d <= -1 && q.Pos[i-1]-q.Pos[i] < -1) {
			s := math.Copysign(1, d)
			h := q.parabolic(i, s)
			if q.Heights[i-1] < h && h < q.Heights[i+1] {
				q.Heights[i] = h
			} else {
				q.Heights[i] = q.linear(i, s)
			}
			q.Pos[i] += s
		}
	}
}

func (q *Quantile) parabolic(i int, d float64) float64 {
	n, h := q.Pos, q.Heights
	return h[i] + d/(n[i+1]-n[i-1])*((n[i]-n[i-1]+d)*(h[i+1]-h[i])/(n[i+1]-n[i])+(n[i+1]-n[i]-d)*(h[i]-h[i-1])/(n[i]-n[i-1]))
}

func (q *Quantile) linear(i int, d float64) float64 {
	j := i + int(d)
	return q.Heights[i] + d*(q.Heights[j]-q.Heights[i])/(q.Pos[j]-q.Pos[i])
}

// Value returns the current estimate; it is exact for fewer than five
// observations and zero for none.
func (q *Quantile) Value() float64 {
	if q.N == 0 {
		return 0
	}
	if q.N < 5 {
		seen := append([]float64(nil), q.Heights[:q.N]...)
		sort.Float64s(seen)
		idx := int(math.Round(q.P * float64(len(seen)-1)))
		return seen[idx]
	}
	return q.Heights[2]
}
