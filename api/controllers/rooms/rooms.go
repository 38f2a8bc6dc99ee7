// Package rooms serves the shared view of a finalized receipt.
package rooms

import (
	"context"
	"net/http"

	"github.com/angelmondragon/billsplit-backend/api/responses"
	"github.com/angelmondragon/billsplit-backend/api/validators"
	"github.com/angelmondragon/billsplit-backend/internal/payments"
	internalreceipts "github.com/angelmondragon/billsplit-backend/internal/receipts"
	pkgerrors "github.com/angelmondragon/billsplit-backend/pkg/errors"
	"github.com/angelmondragon/billsplit-backend/pkg/logger"
)

// roomReader is the slice of the receipts service the room endpoints need.
type roomReader interface {
	GetRoom(ctx context.Context, token string) (*internalreceipts.Room, error)
}

func Get(svc roomReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "receipts service unavailable"))
			return
		}

		token, err := validators.RoomToken(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		room, err := svc.GetRoom(r.Context(), token)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, newRoomResponse(room))
	}
}

// Pay applies a payer's batch of lines atomically. Line failures carry
// details.line so the client can point at the rejected line.
func Pay(svc payments.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payments service unavailable"))
			return
		}

		token, err := validators.RoomToken(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload paymentRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		input, err := payload.toInput(token)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.ProcessBatch(r.Context(), input)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, batchResponse{
			ReceiptID: result.ReceiptID,
			Settled:   result.Settled,
			Payments:  newPaymentResponses(result.Payments),
		})
	}
}
