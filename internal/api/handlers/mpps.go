package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/radbridge/go-mwl/internal/api/middleware"
	"github.com/radbridge/go-mwl/internal/mpps"
)

// MaxMPPSBody bounds an MPPS upload
const MaxMPPSBody = 4 << 20

// MPPSIngester applies an MPPS payload
type MPPSIngester interface {
	IngestPayload(ctx context.Context, contentType string, body []byte) mpps.Outcome
}

// MPPSHandler accepts MPPS objects forwarded by the device gateway
type MPPSHandler struct {
	ingester MPPSIngester
	logger   *zap.Logger
}

// NewMPPSHandler creates the handler
func NewMPPSHandler(ingester MPPSIngester, logger *zap.Logger) *MPPSHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MPPSHandler{ingester: ingester, logger: logger}
}

// Routes returns the handler routes
func (h *MPPSHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Ingest)
	return r
}

// Ingest handles POST /mpps. Every readable body is accepted; the outcome says what happened.
func (h *MPPSHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxMPPSBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			jsonError(w, "mpps body too large", http.StatusRequestEntityTooLarge)
			return
		}
		jsonError(w, "unreadable body", http.StatusBadRequest)
		return
	}
	if len(body) == 0 {
		jsonError(w, "empty body", http.StatusBadRequest)
		return
	}

	outcome := h.ingester.IngestPayload(r.Context(), r.Header.Get("Content-Type"), body)
	h.logger.Debug("mpps received",
		zap.String("outcome", string(outcome)),
		zap.String("request_id", middleware.GetRequestID(r.Context())))
	writeJSON(w, http.StatusAccepted, map[string]string{"outcome": string(outcome)})
}
