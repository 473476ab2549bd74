package webhook

import (
	"io"
	"net/http"

	"github.com/NgigiN/stablelink/internal/api"
	"github.com/NgigiN/stablelink/internal/apperr"
)

// MaxBodyBytes caps a single delivery.
const MaxBodyBytes = 1 << 20

// Handler serves deliveries for rail. The body is read whole before anything
// else so the signature covers the exact bytes the rail sent. Every failure
// is answered with a JSON error; nothing escapes as a panic.
func (e *Engine) Handler(rail Rail) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
		if err != nil {
			api.WriteError(w, http.StatusBadRequest, string(apperr.KindInvalidPayload), "unreadable body", requestID)
			return
		}

		res, err := e.Process(r.Context(), rail, r.Header, body)
		if err != nil {
			if apperr.KindOf(err) == apperr.KindUnknown {
				e.logger.Error("webhook processing failed", "rail", rail.Name(), "error", err)
			}
			api.WriteAppError(w, err, false, requestID)
			return
		}
		api.WriteJSON(w, http.StatusOK, res)
	}
}
