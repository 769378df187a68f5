package domain

// FeatureVector is the ordered, fixed-length numeric representation of a
// document. Names and Values always have the schema length for DocumentType.
type FeatureVector struct {
	DocumentType DocumentType `json:"documentType"`
	Names        []string     `json:"names"`
	Values       []float64    `json:"values"`

	// Degraded lists the features that fell back to their sentinel because
	// the upstream field had an unexpected type.
	Degraded []string `json:"degraded,omitempty"`
}

// Len returns the vector length.
func (v *FeatureVector) Len() int {
	return len(v.Values)
}

// Get returns the named feature value and whether it exists.
func (v *FeatureVector) Get(name string) (float64, bool) {
	for i, n := range v.Names {
		if n == name {
			return v.Values[i], true
		}
	}
	return 0, false
}

// Map returns the vector as a name → value map.
func (v *FeatureVector) Map() map[string]float64 {
	m := make(map[string]float64, len(v.Names))
	for i, n := range v.Names {
		m[n] = v.Values[i]
	}
	return m
}

// ValidationFlags are the explicit red flags the rule adjuster reacts to.
type ValidationFlags struct {
	SignatureRequired  bool     `json:"signatureRequired"`
	HasSignature       bool     `json:"hasSignature"`
	Duplicate          bool     `json:"duplicate"`
	CriticalMissing    []string `json:"criticalMissing,omitempty"`
	NonWaivableMissing []string `json:"nonWaivableMissing,omitempty"`
	RoutingInvalid     bool     `json:"routingInvalid"`
	FutureDated        bool     `json:"futureDated"`
	VelocityCount      int64    `json:"velocityCount"`
}

// MissingSignature reports whether a structurally required signature is absent.
func (f ValidationFlags) MissingSignature() bool {
	return f.SignatureRequired && !f.HasSignature
}
