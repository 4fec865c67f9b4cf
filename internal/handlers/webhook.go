package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/PortNumber53/membership-backend/internal/membership"
)

const (
	maxWebhookBody  = 512 << 10
	signatureHeader = "Stripe-Signature"
)

// WebhookHandler verifies and applies a provider event.
type WebhookHandler interface {
	HandleEvent(ctx context.Context, payload []byte, signatureHeader string) error
}

// PaymentWebhook answers 200 for every authentic event, including ignored and
// unresolvable ones, 400 for bad signatures and 500 when the provider should
// redeliver.
func PaymentWebhook(h WebhookHandler, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeMessage(w, http.StatusRequestEntityTooLarge, "payload too large")
				return
			}
			writeMessage(w, http.StatusBadRequest, "failed to read body")
			return
		}

		if err := h.HandleEvent(r.Context(), payload, r.Header.Get(signatureHeader)); err != nil {
			if errors.Is(err, membership.ErrInvalidSignature) {
				writeMessage(w, http.StatusBadRequest, "invalid signature")
				return
			}
			logger.Error().Err(err).Msg("webhook processing failed")
			writeMessage(w, http.StatusInternalServerError, "webhook processing failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
