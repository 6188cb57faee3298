package marker

import (
	"context"
	"math"
)

// binomial returns C(n, k) saturated at math.MaxInt64.
func binomial(n, k int) int64 {
	if k < 0 || k > n {
		return 0
	}
	if k > n-k {
		k = n - k
	}
	var r int64 = 1
	for i := 1; i <= k; i++ {
		hi, lo := mul64(r, int64(n-k+i))
		if hi {
			return math.MaxInt64
		}
		r = lo / int64(i)
	}
	return r
}

func mul64(a, b int64) (overflow bool, r int64) {
	if a != 0 && b > math.MaxInt64/a {
		return true, 0
	}
	return false, a * b
}

// enumerate evaluates every k-subset in lexicographic order and returns
// the preferred one.
func (p *problem) enumerate(ctx context.Context) (best []int, bestV float64, err error) {
	n, k := p.n(), p.k
	c := make([]int, k)
	for i := range c {
		c[i] = i
	}
	for iter := 0; ; iter++ {
		if iter%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, 0, err
			}
		}
		v := p.value(c)
		if p.better(c, v, best, bestV) {
			best = append(best[:0], c...)
			bestV = v
		}

		// Next combination.
		i := k - 1
		for i >= 0 && c[i] == n-k+i {
			i--
		}
		if i < 0 {
			break
		}
		c[i]++
		for j := i + 1; j < k; j++ {
			c[j] = c[j-1] + 1
		}
	}
	return best, bestV, nil
}
