package metric

import (
	"fmt"

	"github.com/hyperspacedb/hyperspace/internal/herr"
)

var (
	errNonFinite        = fmt.Errorf("%w: coordinate is NaN or Inf", herr.ErrManifoldViolation)
	errNotUnitNorm       = fmt.Errorf("%w: cosine vector not unit-normalized", herr.ErrManifoldViolation)
	errPoincareNormBound = fmt.Errorf("%w: poincare ||x||^2 >= 1", herr.ErrManifoldViolation)
	errLorentzTimelike   = fmt.Errorf("%w: lorentz vector not on forward hyperboloid sheet", herr.ErrManifoldViolation)
	errUnknownQuantMode  = fmt.Errorf("metric: unknown quantization mode")
	errLorentzBinaryUnsupported = fmt.Errorf("metric: binary quantization is not supported for the lorentz model")
)
