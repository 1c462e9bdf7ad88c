// Package simplex solves linear least-squares problems whose unknowns are
// constrained to the probability simplex: x ≥ 0 and Σx = 1.
//
// The solver is a primal active-set method in the manner of Lawson and
// Hanson's NNLS. It keeps a face of the simplex (the free set), minimises the
// objective exactly over that face, drops coordinates that would turn
// negative and adds the coordinate whose KKT multiplier is most violated.
// Each face solve is an SVD least-squares solve in the face's tangent space,
// so rank-deficient systems (fewer factors than sources) are handled, and
// the result does not depend on how the rows of A are scaled.
package simplex

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var (
	ErrNotConverged = errors.New("simplex: iteration limit reached")
	ErrBadProblem   = errors.New("simplex: invalid problem")
)

const (
	DefaultTolerance     = 1e-12
	DefaultMaxIterations = 100000

	// singular values below rankCond times the largest are treated as zero
	rankCond = 1e-12
)

// Problem is min ‖A x − b‖² over the simplex. A is rows×n, B has one entry
// per row of A.
type Problem struct {
	A *mat.Dense
	B []float64
}

// Settings bounds the iteration. Zero values take the defaults.
type Settings struct {
	// Tolerance is the simplex duality gap ∇f·x − min_i ∇f_i, relative to
	// 1 + ‖∇f‖∞, below which x is accepted as a KKT point.
	Tolerance float64
	// MaxIterations caps the number of face solves.
	MaxIterations int
}

func (s Settings) withDefaults() Settings {
	if s.Tolerance <= 0 {
		s.Tolerance = DefaultTolerance
	}
	if s.MaxIterations <= 0 {
		s.MaxIterations = DefaultMaxIterations
	}
	return s
}

// Result is the accepted point.
type Result struct {
	X          []float64
	F          float64 // objective at X
	Iterations int     // face solves performed
}

// Solve minimises the problem. It starts from the best vertex of the
// simplex, so a problem solved by a pure column takes no iterations.
func Solve(p Problem, s Settings) (Result, error) {
	if p.A == nil {
		return Result{}, fmt.Errorf("%w: nil matrix", ErrBadProblem)
	}
	rows, n := p.A.Dims()
	if len(p.B) != rows {
		return Result{}, fmt.Errorf("%w: b has %d entries, A has %d rows", ErrBadProblem, len(p.B), rows)
	}
	s = s.withDefaults()

	if n == 1 {
		x := []float64{1}
		return Result{X: x, F: objective(p, x)}, nil
	}

	a, b := shift(p)
	x := make([]float64, n)
	free := make([]bool, n)
	start := bestVertex(a, b)
	x[start] = 1
	free[start] = true

	it := 0
	for {
		enter, gap, scale := violation(a, b, x, free)
		if enter < 0 || gap <= s.Tolerance*(1+scale) {
			return Result{X: x, F: objective(p, x), Iterations: it}, nil
		}
		free[enter] = true
		first := true

		// Walk toward the minimiser of the enlarged face, dropping
		// coordinates that hit zero, until the face minimiser is feasible.
		for {
			if it == s.MaxIterations {
				return Result{X: x, F: objective(p, x), Iterations: it}, ErrNotConverged
			}
			it++
			z := faceMinimum(a, b, free)
			if first && z[enter] <= 0 {
				edgeStep(a, x, enter, gap)
			}
			first = false

			alpha, block := 1.0, -1
			for i := range x {
				if free[i] && z[i] < 0 {
					if t := x[i] / (x[i] - z[i]); t < alpha {
						alpha, block = t, i
					}
				}
			}
			for i := range x {
				if free[i] {
					x[i] += alpha * (z[i] - x[i])
				}
			}
			if block >= 0 {
				x[block] = 0
			}
			for i := range x {
				if free[i] && x[i] <= 0 {
					x[i] = 0
					free[i] = false
				}
			}
			floats.Scale(1/floats.Sum(x), x)
			if block < 0 {
				break
			}
		}
	}
}

// shift subtracts each row's first entry from the row and from b. On the
// simplex A x − b is unchanged, and rows constant across columns become zero
// so they no longer dominate the gradient.
func shift(p Problem) (*mat.Dense, []float64) {
	rows, n := p.A.Dims()
	a := mat.NewDense(rows, n, nil)
	b := make([]float64, rows)
	for f := 0; f < rows; f++ {
		base := p.A.At(f, 0)
		for j := 0; j < n; j++ {
			a.Set(f, j, p.A.At(f, j)-base)
		}
		b[f] = p.B[f] - base
	}
	return a, b
}

func bestVertex(a *mat.Dense, b []float64) int {
	rows, n := a.Dims()
	best, bestF := 0, math.Inf(1)
	for j := 0; j < n; j++ {
		var f float64
		for r := 0; r < rows; r++ {
			d := a.At(r, j) - b[r]
			f += d * d
		}
		if f < bestF {
			best, bestF = j, f
		}
	}
	return best
}

// violation returns the fixed coordinate with the largest KKT violation
// μ − ∇f_i, where μ = ∇f·x, that violation, and ‖∇f‖∞. enter is -1 when
// every coordinate is free.
func violation(a *mat.Dense, b []float64, x []float64, free []bool) (enter int, gap, scale float64) {
	rows, n := a.Dims()
	r := mat.NewVecDense(rows, nil)
	r.MulVec(a, mat.NewVecDense(n, x))
	r.SubVec(r, mat.NewVecDense(rows, b))
	g := mat.NewVecDense(n, nil)
	g.MulVec(a.T(), r)
	g.ScaleVec(2, g)

	grad := g.RawVector().Data
	mu := floats.Dot(grad, x)
	enter = -1
	for i, gi := range grad {
		scale = math.Max(scale, math.Abs(gi))
		if free[i] {
			continue
		}
		if w := mu - gi; enter < 0 || w > gap {
			enter, gap = i, w
		}
	}
	return enter, gap, scale
}

// faceMinimum minimises ‖a z − b‖² over the affine hull of the free
// coordinates, taking the minimum-norm solution when that is not unique.
// Fixed coordinates of the result are zero.
func faceMinimum(a *mat.Dense, b []float64, free []bool) []float64 {
	rows, n := a.Dims()
	var idx []int
	for i, f := range free {
		if f {
			idx = append(idx, i)
		}
	}
	z := make([]float64, n)
	k := len(idx)
	if k == 1 {
		z[idx[0]] = 1
		return z
	}

	// z = c + N y with c the face barycentre and N an orthonormal basis of
	// the directions that keep Σz fixed.
	sub := mat.NewDense(rows, k, nil)
	for j, i := range idx {
		for r := 0; r < rows; r++ {
			sub.Set(r, j, a.At(r, i))
		}
	}
	c := make([]float64, k)
	for j := range c {
		c[j] = 1 / float64(k)
	}
	rhs := mat.NewDense(rows, 1, nil)
	rhs.Mul(sub, mat.NewDense(k, 1, c))
	rhs.Sub(mat.NewDense(rows, 1, b), rhs)

	basis := tangentBasis(k)
	var m mat.Dense
	m.Mul(sub, basis)

	y := mat.NewDense(k-1, 1, nil)
	var svd mat.SVD
	if svd.Factorize(&m, mat.SVDThin) {
		if rank := svd.Rank(rankCond); rank > 0 {
			svd.SolveTo(y, rhs, rank)
		}
	}
	var step mat.Dense
	step.Mul(basis, y)
	for j, i := range idx {
		z[i] = c[j] + step.At(j, 0)
	}
	return z
}

// tangentBasis returns k×(k−1) orthonormal columns spanning {v : Σv = 0}:
// the last k−1 columns of the Householder reflection taking e₁ to 1/√k.
func tangentBasis(k int) *mat.Dense {
	v := make([]float64, k)
	for i := range v {
		v[i] = 1 / math.Sqrt(float64(k))
	}
	v[0] -= 1
	vv := floats.Dot(v, v)
	basis := mat.NewDense(k, k-1, nil)
	for i := 0; i < k; i++ {
		for j := 1; j < k; j++ {
			h := -2 * v[i] * v[j] / vv
			if i == j {
				h++
			}
			basis.Set(i, j-1, h)
		}
	}
	return basis
}

// edgeStep moves x along the edge toward vertex enter by the exact line
// minimiser, capped at the vertex. gap is the descent rate μ − ∇f_enter.
func edgeStep(a *mat.Dense, x []float64, enter int, gap float64) {
	rows, n := a.Dims()
	d := make([]float64, n)
	for i := range d {
		d[i] = -x[i]
	}
	d[enter]++
	ad := mat.NewVecDense(rows, nil)
	ad.MulVec(a, mat.NewVecDense(n, d))
	t := 1.0
	if curv := 2 * mat.Dot(ad, ad); curv > 0 {
		t = math.Min(1, gap/curv)
	}
	floats.AddScaled(x, t, d)
	x[enter] = math.Max(x[enter], math.SmallestNonzeroFloat64)
}

func objective(p Problem, x []float64) float64 {
	rows, _ := p.A.Dims()
	r := mat.NewVecDense(rows, nil)
	r.MulVec(p.A, mat.NewVecDense(len(x), x))
	d := r.RawVector().Data
	floats.Sub(d, p.B)
	return floats.Dot(d, d)
}
