package avenc

import (
	"fmt"
	"math"
	"math/big"
)

// NoPTS marks an unset timestamp. Rescaling passes it through unchanged.
const NoPTS int64 = math.MinInt64

// Rational is a num/den fraction used for time bases and frame rates.
type Rational struct {
	Num int64 `toml:"num"`
	Den int64 `toml:"den"`
}

// Common time bases.
var (
	MicrosecondTimeBase = Rational{1, 1000000}
	MillisecondTimeBase = Rational{1, 1000}
)

func (r Rational) String() string {
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}

// Valid reports whether both terms are positive.
func (r Rational) Valid() bool { return r.Num > 0 && r.Den > 0 }

// Invert returns den/num.
func (r Rational) Invert() Rational { return Rational{r.Den, r.Num} }

// Float returns the value as a float64.
func (r Rational) Float() float64 { return float64(r.Num) / float64(r.Den) }

// Rounding selects how Rescale rounds inexact results.
type Rounding int

const (
	RoundZero    Rounding = iota // Toward zero
	RoundInf                     // Away from zero
	RoundDown                    // Toward -inf
	RoundUp                      // Toward +inf
	RoundNearInf                 // To nearest, halfway away from zero
)

// RescaleRnd computes a*b/c with the given rounding, without intermediate
// overflow. c must be positive.
func RescaleRnd(a, b, c int64, rnd Rounding) int64 {
	if a == NoPTS {
		return NoPTS
	}
	if c <= 0 {
		return NoPTS
	}

	num := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	den := big.NewInt(c)
	q, r := new(big.Int).QuoRem(num, den, new(big.Int))

	if r.Sign() != 0 {
		switch rnd {
		case RoundInf:
			q.Add(q, big.NewInt(int64(num.Sign())))
		case RoundDown:
			if r.Sign() < 0 {
				q.Sub(q, big.NewInt(1))
			}
		case RoundUp:
			if r.Sign() > 0 {
				q.Add(q, big.NewInt(1))
			}
		case RoundNearInf:
			twice := new(big.Int).Abs(r)
			twice.Lsh(twice, 1)
			if twice.Cmp(den) >= 0 {
				q.Add(q, big.NewInt(int64(r.Sign())))
			}
		}
	}

	if !q.IsInt64() {
		if q.Sign() > 0 {
			return math.MaxInt64
		}
		return math.MinInt64 + 1
	}
	return q.Int64()
}

// RescaleQ converts ts from time base from to time base to.
func RescaleQ(ts int64, from, to Rational, rnd Rounding) int64 {
	return RescaleRnd(ts, from.Num*to.Den, from.Den*to.Num, rnd)
}
