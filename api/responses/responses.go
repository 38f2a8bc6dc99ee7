// Package responses writes the {data} and {error} JSON envelopes.
package responses

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	pkgerrors "github.com/angelmondragon/billsplit-backend/pkg/errors"
	"github.com/angelmondragon/billsplit-backend/pkg/logger"
)

// retryAfterSeconds is sent with retryable errors such as lock timeouts.
const retryAfterSeconds = "1"

type Success struct {
	Data any `json:"data"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type Failure struct {
	Error ErrorBody `json:"error"`
}

func WriteSuccess(w http.ResponseWriter, data any) {
	WriteSuccessStatus(w, http.StatusOK, data)
}

func WriteSuccessStatus(w http.ResponseWriter, status int, data any) {
	_ = writeJSON(w, status, Success{Data: data})
}

// WriteError maps err onto its code's status. Untyped errors become
// INTERNAL_ERROR and never leak their text.
func WriteError(ctx context.Context, logg *logger.Logger, w http.ResponseWriter, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	code := pkgerrors.CodeOf(err)
	meta := pkgerrors.MetadataFor(code)

	body := ErrorBody{Code: string(code), Message: pkgerrors.PublicMessage(err)}
	var details any
	if typed := pkgerrors.As(err); typed != nil {
		details = typed.Details()
	}
	if meta.DetailsAllowed {
		body.Details = details
	}
	if meta.Retryable {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}

	if logg != nil {
		fields := pkgerrors.Dump(err).Fields()
		if dm, ok := details.(map[string]any); ok {
			if line, ok := dm["line"]; ok {
				fields["line"] = line
			}
		}
		ctx = logg.WithFields(ctx, fields)
		if meta.HTTPStatus >= http.StatusInternalServerError {
			logg.Error(ctx, "request.error", err)
		} else {
			logg.Warn(ctx, "request.rejected")
		}
	}

	if encErr := writeJSON(w, meta.HTTPStatus, Failure{Error: body}); encErr != nil && logg != nil {
		logg.Error(ctx, "response.encode_failed", encErr)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(payload)
}
