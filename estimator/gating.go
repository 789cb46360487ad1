package estimator

import (
	"gonum.org/v1/gonum/stat/distuv"
)

// DefaultGateProbability is the chi-square confidence used when no explicit Mahalanobis
// threshold is configured.
const DefaultGateProbability = 0.99

// Chi2Gate is the chi-square quantile at probability p for dof degrees of freedom. A squared
// Mahalanobis distance above it marks the measurement as an outlier.
func Chi2Gate(p float64, dof int) float64 {
	return distuv.ChiSquared{K: float64(dof)}.Quantile(p)
}

// gateFor resolves the odometry gate: a positive configured threshold wins, otherwise the
// chi-square quantile for a 6-dof pose residual.
func gateFor(threshold float64) float64 {
	if threshold > 0 {
		return threshold
	}
	return Chi2Gate(DefaultGateProbability, 6)
}
