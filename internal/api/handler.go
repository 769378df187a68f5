package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/lifecycle"
	"github.com/opensource-finance/kestrel/internal/logging"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// maxBodyBytes bounds request bodies; raw document content rides along base64-encoded.
const maxBodyBytes = 16 << 20

// Services are the collaborators the handlers call. Bus and RuleFiles are
// optional; the routes that need them answer 503 without.
type Services struct {
	Repo      domain.Repository
	Cache     domain.Cache
	Bus       domain.EventBus
	Pipeline  *pipeline.Pipeline
	Models    *lifecycle.Manager
	Rules     *rules.Engine
	RuleFiles *rules.Loader
	Policy    *policy.Engine
	Version   string
}

// Handler holds dependencies for API handlers.
type Handler struct {
	svc      Services
	validate *validator.Validate
}

// NewHandler creates a new API handler.
func NewHandler(svc Services) *Handler {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{svc: svc, validate: v}
}

// DocumentRequest is the request body for POST /documents/evaluate and
// POST /documents/submit.
type DocumentRequest struct {
	ID            string        `json:"id,omitempty" validate:"omitempty,max=128"`
	DocumentType  string        `json:"documentType" validate:"required"`
	Fields        domain.Fields `json:"fields" validate:"required,min=1"`
	RawText       string        `json:"rawText,omitempty"`
	RawContent    []byte        `json:"rawContent,omitempty"`
	OCRConfidence float64       `json:"ocrConfidence,omitempty" validate:"gte=0,lte=1"`
}

// SubmitResponse is the response for POST /documents/submit.
type SubmitResponse struct {
	SubmissionID string `json:"submissionId"`
	Status       string `json:"status"`
	TraceID      string `json:"traceId"`
}

// ActivateRequest is the request body for POST /models/{documentType}/activate.
type ActivateRequest struct {
	VersionID string `json:"versionId" validate:"required"`
}

// TrainingSampleRequest is the request body for POST /training-samples.
type TrainingSampleRequest struct {
	DocumentType string        `json:"documentType" validate:"required"`
	Fields       domain.Fields `json:"fields" validate:"required,min=1"`
	RawText      string        `json:"rawText,omitempty"`
	Label        *float64      `json:"label" validate:"required,gte=0,lte=100"`
	Source       string        `json:"source,omitempty" validate:"omitempty,max=64"`
}

// ProfileResponse is a fraud profile with its derived state.
type ProfileResponse struct {
	*domain.CustomerFraudProfile
	State domain.IdentityState `json:"state"`
}

// ModelResponse reports the active version after an activation or rollback.
type ModelResponse struct {
	DocumentType  domain.DocumentType `json:"documentType"`
	ActiveVersion string              `json:"activeVersion"`
}

// Evaluate handles POST /documents/evaluate. The pipeline runs synchronously
// and the decision record is returned as stored.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.submission(w, r)
	if !ok {
		return
	}

	rec, err := h.svc.Pipeline.Process(r.Context(), sub)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, rec)
	case pipeline.IsTransient(err) && rec != nil:
		// The decision is stored; only the fraud-history update lost the race.
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":    err.Error(),
			"decision": rec,
		})
	case errors.Is(err, domain.ErrUnknownDocumentType), errors.Is(err, domain.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		logging.L(r.Context()).Error("evaluation failed", "submission_id", sub.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "evaluation failed")
	}
}

// Submit handles POST /documents/submit. The submission is queued on the bus
// and decided by the worker.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	if h.svc.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not available")
		return
	}
	sub, ok := h.submission(w, r)
	if !ok {
		return
	}

	payload, err := json.Marshal(sub)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode submission")
		return
	}
	if err := h.svc.Bus.Publish(r.Context(), domain.TopicDocumentSubmitted, payload); err != nil {
		logging.L(r.Context()).Error("failed to queue submission", "submission_id", sub.ID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "failed to queue submission")
		return
	}

	writeJSON(w, http.StatusAccepted, SubmitResponse{
		SubmissionID: sub.ID,
		Status:       "queued",
		TraceID:      GetTraceID(r.Context()),
	})
}

func (h *Handler) submission(w http.ResponseWriter, r *http.Request) (*domain.Submission, bool) {
	var req DocumentRequest
	if !h.decode(w, r, &req) {
		return nil, false
	}
	docType, err := domain.ParseDocumentType(req.DocumentType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}
	return &domain.Submission{
		ID:            id,
		DocumentType:  docType,
		Fields:        req.Fields,
		RawText:       req.RawText,
		RawContent:    req.RawContent,
		OCRConfidence: req.OCRConfidence,
		ReceivedAt:    time.Now().UTC(),
	}, true
}

// GetDecision retrieves a decision record by ID.
func (h *Handler) GetDecision(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := h.svc.Repo.GetDecision(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "decision not found")
		return
	}
	if err != nil {
		slog.Error("failed to get decision", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load decision")
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// GetProfile returns the fraud profile of a normalized identity.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	identity := identityParam(r)

	p, err := h.svc.Policy.Profile(r.Context(), identity)
	if err != nil {
		slog.Error("failed to get profile", "identity", identity, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load profile")
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "profile not found")
		return
	}

	writeJSON(w, http.StatusOK, ProfileResponse{CustomerFraudProfile: p, State: p.State()})
}

// ArchiveProfile flags a profile as archived. The profile keeps driving policy.
func (h *Handler) ArchiveProfile(w http.ResponseWriter, r *http.Request) {
	identity := identityParam(r)

	err := h.svc.Policy.Archive(r.Context(), identity)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "profile not found")
		return
	}
	if err != nil {
		slog.Error("failed to archive profile", "identity", identity, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to archive profile")
		return
	}

	slog.Info("profile archived", "identity", identity)
	writeJSON(w, http.StatusOK, map[string]any{
		"identity": identity,
		"archived": true,
	})
}

func identityParam(r *http.Request) string {
	raw := chi.URLParam(r, "identity")
	if s, err := url.PathUnescape(raw); err == nil {
		return s
	}
	return raw
}

// Retrain trains a candidate for the document type and runs the activation gate.
func (h *Handler) Retrain(w http.ResponseWriter, r *http.Request) {
	docType, ok := documentTypeParam(w, r)
	if !ok {
		return
	}

	res, err := h.svc.Models.Retrain(r.Context(), docType)
	if errors.Is(err, domain.ErrInsufficientTrainingData) {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err != nil {
		slog.Error("retrain failed", "document_type", docType, "error", err)
		writeError(w, http.StatusInternalServerError, "retrain failed: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// Activate makes an existing version active without the gate.
func (h *Handler) Activate(w http.ResponseWriter, r *http.Request) {
	docType, ok := documentTypeParam(w, r)
	if !ok {
		return
	}
	var req ActivateRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.svc.Models.Activate(r.Context(), docType, req.VersionID); err != nil {
		writeModelError(w, docType, "activate", err)
		return
	}

	writeJSON(w, http.StatusOK, ModelResponse{DocumentType: docType, ActiveVersion: req.VersionID})
}

// Rollback reactivates the previously active version.
func (h *Handler) Rollback(w http.ResponseWriter, r *http.Request) {
	docType, ok := documentTypeParam(w, r)
	if !ok {
		return
	}

	versionID, err := h.svc.Models.Rollback(r.Context(), docType)
	if err != nil {
		writeModelError(w, docType, "rollback", err)
		return
	}

	writeJSON(w, http.StatusOK, ModelResponse{DocumentType: docType, ActiveVersion: versionID})
}

func writeModelError(w http.ResponseWriter, docType domain.DocumentType, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrModelUnavailable):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		slog.Error("model "+op+" failed", "document_type", docType, "error", err)
		writeError(w, http.StatusInternalServerError, op+" failed")
	}
}

// ModelStatus reports the lifecycle state of every document type.
func (h *Handler) ModelStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.Models.Status(r.Context())
	if err != nil {
		slog.Error("failed to read model status", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read model status")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"models": status,
	})
}

func documentTypeParam(w http.ResponseWriter, r *http.Request) (domain.DocumentType, bool) {
	t, err := domain.ParseDocumentType(chi.URLParam(r, "documentType"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return t, true
}

// CreateTrainingSample appends a labeled sample used by the next retrain.
func (h *Handler) CreateTrainingSample(w http.ResponseWriter, r *http.Request) {
	var req TrainingSampleRequest
	if !h.decode(w, r, &req) {
		return
	}
	docType, err := domain.ParseDocumentType(req.DocumentType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	source := req.Source
	if source == "" {
		source = "api"
	}
	sample := &domain.TrainingSample{
		ID:           uuid.New().String(),
		DocumentType: docType,
		Fields:       req.Fields,
		RawText:      req.RawText,
		Label:        *req.Label,
		Source:       source,
		CreatedAt:    time.Now().UTC(),
	}
	if err := h.svc.Repo.SaveTrainingSample(r.Context(), sample); err != nil {
		slog.Error("failed to save training sample", "document_type", docType, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save training sample")
		return
	}

	writeJSON(w, http.StatusCreated, sample)
}

// ListRules returns the validation rules currently loaded in the engine.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loaded := h.svc.Rules.GetLoadedRules()

	source := "builtin"
	if h.svc.RuleFiles != nil && h.svc.RuleFiles.Path() != "" {
		source = h.svc.RuleFiles.Path()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rules":   loaded,
		"count":   len(loaded),
		"version": h.svc.Rules.Version(),
		"source":  source,
	})
}

// ReloadRules re-reads the rule file into the engine. A file that does not
// compile leaves the current rules in place.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	if h.svc.RuleFiles == nil {
		writeError(w, http.StatusServiceUnavailable, "rule loader not available")
		return
	}

	configs, err := h.svc.RuleFiles.Reload()
	if err != nil {
		slog.Error("failed to reload rules", "path", h.svc.RuleFiles.Path(), "error", err)
		writeError(w, http.StatusUnprocessableEntity, "failed to reload rules: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   len(configs),
		"version": h.svc.Rules.Version(),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.svc.Repo != nil {
		if err := h.svc.Repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.svc.Cache != nil {
		if err := h.svc.Cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.svc.Bus != nil {
		if err := h.svc.Bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.svc.Version,
	})
}

// Ready reports whether the server can take traffic: the decision store must
// answer. Missing models are reported but do not block readiness, since the
// pipeline falls back to ESCALATE without them.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.svc.Repo != nil {
		if err := h.svc.Repo.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"ready": false,
				"error": "repository unavailable",
			})
			return
		}
	}

	models := make(map[domain.DocumentType]string, len(domain.DocumentTypes()))
	if h.svc.Models != nil {
		for _, t := range domain.DocumentTypes() {
			models[t] = ""
			if e := h.svc.Models.Registry().Current(t); e != nil && e.Version != nil {
				models[t] = e.Version.ID
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ready":  true,
		"models": models,
	})
}

// decode reads a JSON body into v and runs the struct validation tags.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
