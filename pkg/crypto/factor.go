package crypto

import (
	"crypto/rand"
	"errors"
	"math/big"
)

var ErrFactorizationFailed = errors.New("crypto: could not factor pq")

// GeneratePQ produces two distinct random 31-bit primes p < q and their
// product. The product stays beneath 2^62 so clients can factor it with
// a short Pollard's rho run, which is the point of the puzzle: cheap to
// set, mildly expensive to solve.
func GeneratePQ() (p, q, pq uint64, err error) {
	for {
		a, err := randPrime31()
		if err != nil {
			return 0, 0, 0, err
		}
		b, err := randPrime31()
		if err != nil {
			return 0, 0, 0, err
		}
		if a == b {
			continue
		}
		if a > b {
			a, b = b, a
		}
		return a, b, a * b, nil
	}
}

func randPrime31() (uint64, error) {
	p, err := rand.Prime(rand.Reader, 31)
	if err != nil {
		return 0, err
	}
	return p.Uint64(), nil
}

// Factorize splits pq into its two prime factors p < q using Pollard's
// rho. Inputs are bounded to the GeneratePQ range, so the loop count is
// small; genuinely unfactorable input (prime, 0, 1) is reported as an
// error rather than spinning.
func Factorize(pq uint64) (p, q uint64, err error) {
	if pq < 4 {
		return 0, 0, ErrFactorizationFailed
	}
	if pq%2 == 0 {
		return ordered(2, pq/2)
	}

	n := new(big.Int).SetUint64(pq)
	one := big.NewInt(1)

	for c := int64(1); c < 64; c++ {
		x := big.NewInt(2)
		y := big.NewInt(2)
		d := big.NewInt(1)
		step := func(v *big.Int) *big.Int {
			v.Mul(v, v)
			v.Add(v, big.NewInt(c))
			return v.Mod(v, n)
		}
		for i := 0; i < 1<<20 && d.Cmp(one) == 0; i++ {
			x = step(x)
			y = step(step(y))
			diff := new(big.Int).Sub(x, y)
			diff.Abs(diff)
			d.GCD(nil, nil, diff, n)
		}
		if d.Cmp(one) > 0 && d.Cmp(n) < 0 {
			f := d.Uint64()
			return ordered(f, pq/f)
		}
	}
	return 0, 0, ErrFactorizationFailed
}

func ordered(a, b uint64) (uint64, uint64, error) {
	if a > b {
		a, b = b, a
	}
	return a, b, nil
}
