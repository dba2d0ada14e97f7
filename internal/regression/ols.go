// Package regression implements ordinary least squares (OLS) multiple linear
// regression over an arbitrary-width feature matrix.
//
// Coefficients are solved through the normal equations
//
//	β = (XᵀX)⁻¹ Xᵀy
//
// where X carries a leading constant column for the intercept. The inverse is
// computed explicitly with Gauss-Jordan elimination and partial pivoting.
// There is no regularization: ill-conditioned inputs fail with
// ErrSingularMatrix and the caller decides how to degrade.
package regression

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

var (
	// ErrDimensionMismatch is returned when X and y disagree in length, the
	// training set is empty, or rows have differing widths.
	ErrDimensionMismatch = errors.New("regression: dimension mismatch")

	// ErrSingularMatrix is returned when XᵀX cannot be inverted: a pivot fell
	// below PivotTolerance (collinear or rank-deficient features).
	ErrSingularMatrix = errors.New("regression: matrix is singular")

	// ErrNotFitted is returned by Predict and Score before a successful Fit.
	ErrNotFitted = errors.New("regression: model is not fitted")

	// ErrFeatureWidthMismatch is returned when a prediction row has a
	// different width than the rows the model was fitted on.
	ErrFeatureWidthMismatch = errors.New("regression: feature width mismatch")

	// ErrNonFinite is returned when the training data contains NaN or Inf.
	ErrNonFinite = errors.New("regression: non-finite value in training data")
)

// PivotTolerance is the smallest pivot magnitude accepted during inversion.
const PivotTolerance = 1e-10

// OLS is a multiple linear regression model. The zero value is an unfitted
// model. A fitted OLS must be treated as read-only once shared; refits
// should use a fresh value.
type OLS struct {
	coefficients []float64
	intercept    float64
	width        int
	fitted       bool
}

// Fit estimates the intercept and coefficients from X (n rows of equal
// width) and y (n targets). On error the model is left unchanged.
func (m *OLS) Fit(X [][]float64, y []float64) error {
	if len(X) != len(y) {
		return fmt.Errorf("%w: %d rows but %d targets", ErrDimensionMismatch, len(X), len(y))
	}
	if len(X) == 0 {
		return fmt.Errorf("%w: empty training set", ErrDimensionMismatch)
	}

	width := len(X[0])
	design := make([][]float64, len(X))
	for i, row := range X {
		if len(row) != width {
			return fmt.Errorf("%w: row %d has width %d, expected %d", ErrDimensionMismatch, i, len(row), width)
		}
		if !allFinite(row) || !isFinite(y[i]) {
			return fmt.Errorf("%w: row %d", ErrNonFinite, i)
		}
		withIntercept := make([]float64, 0, width+1)
		withIntercept = append(withIntercept, 1.0)
		withIntercept = append(withIntercept, row...)
		design[i] = withIntercept
	}

	xtx := transposeMul(design)
	xty := transposeMulVec(design, y)

	inv, err := invert(xtx)
	if err != nil {
		return err
	}
	beta := mulVec(inv, xty)

	m.intercept = beta[0]
	m.coefficients = beta[1:]
	m.width = width
	m.fitted = true
	return nil
}

// Predict evaluates intercept + Σ coefficients[i]·x[i] for every row.
func (m *OLS) Predict(X [][]float64) ([]float64, error) {
	if !m.fitted {
		return nil, ErrNotFitted
	}
	out := make([]float64, len(X))
	for i, row := range X {
		if len(row) != m.width {
			return nil, fmt.Errorf("%w: expected %d, got %d", ErrFeatureWidthMismatch, m.width, len(row))
		}
		out[i] = m.intercept + floats.Dot(m.coefficients, row)
	}
	return out, nil
}

// PredictOne is Predict for a single feature vector.
func (m *OLS) PredictOne(x []float64) (float64, error) {
	out, err := m.Predict([][]float64{x})
	if err != nil {
		return 0, err
	}
	return out[0], nil
}

// Score returns the coefficient of determination R² = 1 - SSres/SStot.
// A constant target (SStot == 0) scores 0.
func (m *OLS) Score(X [][]float64, y []float64) (float64, error) {
	if len(X) != len(y) || len(y) == 0 {
		return 0, ErrDimensionMismatch
	}
	pred, err := m.Predict(X)
	if err != nil {
		return 0, err
	}

	mean := stat.Mean(y, nil)
	var ssTot, ssRes float64
	for i, v := range y {
		ssTot += (v - mean) * (v - mean)
		ssRes += (v - pred[i]) * (v - pred[i])
	}
	if ssTot == 0 {
		return 0, nil
	}
	return 1 - ssRes/ssTot, nil
}

// Fitted reports whether Fit has succeeded.
func (m *OLS) Fitted() bool { return m.fitted }

// Intercept returns the fitted intercept.
func (m *OLS) Intercept() float64 { return m.intercept }

// Coefficients returns a copy of the fitted feature coefficients.
func (m *OLS) Coefficients() []float64 {
	out := make([]float64, len(m.coefficients))
	copy(out, m.coefficients)
	return out
}

// Width returns the feature width the model was fitted on.
func (m *OLS) Width() int { return m.width }

// --- Matrix helpers ---

// transposeMul computes AᵀA.
func transposeMul(a [][]float64) [][]float64 {
	n := len(a[0])
	out := make([][]float64, n)
	for i := range out {
		out[i] = make([]float64, n)
	}
	for _, row := range a {
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				out[i][j] += row[i] * row[j]
			}
		}
	}
	return out
}

// transposeMulVec computes Aᵀv.
func transposeMulVec(a [][]float64, v []float64) []float64 {
	out := make([]float64, len(a[0]))
	for k, row := range a {
		for i := range out {
			out[i] += row[i] * v[k]
		}
	}
	return out
}

func mulVec(a [][]float64, v []float64) []float64 {
	out := make([]float64, len(a))
	for i, row := range a {
		out[i] = floats.Dot(row, v)
	}
	return out
}

// invert returns the inverse of a square matrix using Gauss-Jordan
// elimination on the augmented matrix [A | I], choosing the largest-magnitude
// pivot in each column.
func invert(a [][]float64) ([][]float64, error) {
	n := len(a)
	aug := make([][]float64, n)
	for i := range a {
		aug[i] = make([]float64, 2*n)
		copy(aug[i], a[i])
		aug[i][n+i] = 1
	}

	for col := 0; col < n; col++ {
		pivotRow := col
		for r := col + 1; r < n; r++ {
			if math.Abs(aug[r][col]) > math.Abs(aug[pivotRow][col]) {
				pivotRow = r
			}
		}
		aug[col], aug[pivotRow] = aug[pivotRow], aug[col]

		pivot := aug[col][col]
		if math.Abs(pivot) < PivotTolerance {
			return nil, fmt.Errorf("%w: pivot %g in column %d", ErrSingularMatrix, pivot, col)
		}
		floats.Scale(1/pivot, aug[col])

		for r := 0; r < n; r++ {
			if r == col {
				continue
			}
			if factor := aug[r][col]; factor != 0 {
				floats.AddScaled(aug[r], -factor, aug[col])
			}
		}
	}

	inv := make([][]float64, n)
	for i := range aug {
		inv[i] = aug[i][n:]
	}
	return inv, nil
}

func isFinite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

func allFinite(vs []float64) bool {
	for _, v := range vs {
		if !isFinite(v) {
			return false
		}
	}
	return true
}
