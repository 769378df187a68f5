package domain

import "time"

// ModelVersion is the metadata record of one training run for a document type.
// The artifacts (two regressors and a scaler) live in the artifact store under
// the same ID.
type ModelVersion struct {
	ID           string       `json:"id"`
	DocumentType DocumentType `json:"documentType"`

	BaggedPath  string `json:"baggedPath"`
	BoostedPath string `json:"boostedPath"`
	ScalerPath  string `json:"scalerPath"`

	Metrics TrainingMetrics `json:"metrics"`
	Active  bool            `json:"active"`

	CreatedAt time.Time `json:"createdAt"`
}

// TrainingMetrics are recorded at training time and compared on activation.
type TrainingMetrics struct {
	SampleCount     int       `json:"sampleCount"`
	FeatureCount    int       `json:"featureCount"`
	ValidationR2    float64   `json:"validationR2"`
	ValidationMAE   float64   `json:"validationMae"` // mean absolute error on the 0–100 scale
	BaggedR2        float64   `json:"baggedR2"`
	BoostedR2       float64   `json:"boostedR2"`
	TrainedAt       time.Time `json:"trainedAt"`
	TrainingSeconds float64   `json:"trainingSeconds"`
}

// ModelEventType classifies lifecycle history entries.
type ModelEventType string

const (
	ModelEventActivated  ModelEventType = "activated"
	ModelEventRejected   ModelEventType = "rejected"
	ModelEventRolledBack ModelEventType = "rolled_back"
	ModelEventPruned     ModelEventType = "pruned"
	ModelEventFailed     ModelEventType = "failed"
)

// ModelEvent is an append-only lifecycle history entry.
type ModelEvent struct {
	ID           string         `json:"id"`
	DocumentType DocumentType   `json:"documentType"`
	VersionID    string         `json:"versionId"`
	Type         ModelEventType `json:"type"`
	Reason       string         `json:"reason,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// ActivePointer is the per-document-type "active version" marker. It is
// readable without loading any artifact.
type ActivePointer struct {
	DocumentType DocumentType `json:"documentType"`
	VersionID    string       `json:"versionId"`
	PreviousID   string       `json:"previousId,omitempty"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// TrainingSample is a labeled document used for retraining. Label is the
// continuous risk value on the 0–100 scale.
type TrainingSample struct {
	ID           string       `json:"id"`
	DocumentType DocumentType `json:"documentType"`
	Fields       Fields       `json:"fields"`
	RawText      string       `json:"rawText,omitempty"`
	Label        float64      `json:"label"`
	Source       string       `json:"source"`
	CreatedAt    time.Time    `json:"createdAt"`
}
