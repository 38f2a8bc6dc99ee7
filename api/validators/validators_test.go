package validators

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/angelmondragon/billsplit-backend/pkg/errors"
)

type lineBody struct {
	Mode   string  `json:"mode" validate:"required,oneof=unit_full unit_partial"`
	UnitID *string `json:"unit_id" validate:"required_if=Mode unit_partial"`
}

type batchBody struct {
	PayerName string     `json:"payer_name" validate:"required,max=100"`
	Lines     []lineBody `json:"lines" validate:"required,min=1,dive"`
}

func withParam(req *http.Request, key, value string) *http.Request {
	rc := chi.NewRouteContext()
	rc.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rc))
}

func TestDecodeJSONBodyRejectsUnknownFields(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"payer_name":"Ana","lines":[{"mode":"unit_full"}],"tip":1}`))
	var body batchBody
	err := DecodeJSONBody(req, &body)
	require.Error(t, err)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeValidation))
}

func TestDecodeJSONBodyRunsValidation(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"payer_name":"Ana","lines":[{"mode":"unit_partial"}]}`))
	var body batchBody
	err := DecodeJSONBody(req, &body)
	require.Error(t, err)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	details, ok := typed.Details().(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "is required for this mode", details["unit_id"])

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"payer_name":"Ana","lines":[{"mode":"split"}]}`))
	err = DecodeJSONBody(req, &body)
	require.Error(t, err)
	details = pkgerrors.As(err).Details().(map[string]string)
	assert.Contains(t, details["mode"], "must be one of")
}

func TestDecodeJSONBodyAcceptsValidPayload(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"payer_name":"Ana","lines":[{"mode":"unit_full"}]}`))
	var body batchBody
	require.NoError(t, DecodeJSONBody(req, &body))
	assert.Equal(t, "Ana", body.PayerName)
}

func TestParseUUIDParam(t *testing.T) {
	id := uuid.New()
	got, err := ParseUUIDParam(withParam(httptest.NewRequest(http.MethodGet, "/", nil), "receiptId", id.String()), "receiptId")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = ParseUUIDParam(withParam(httptest.NewRequest(http.MethodGet, "/", nil), "receiptId", "nope"), "receiptId")
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeValidation))
}

func TestRoomToken(t *testing.T) {
	token, err := RoomToken(withParam(httptest.NewRequest(http.MethodGet, "/", nil), "token", "abc"))
	require.NoError(t, err)
	assert.Equal(t, "abc", token)

	_, err = RoomToken(withParam(httptest.NewRequest(http.MethodGet, "/", nil), "token", strings.Repeat("x", 65)))
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeNotFound))
}

func TestParseLineAmount(t *testing.T) {
	cents, ok, err := ParseLineAmount([]byte(`"4.50"`), pkgerrors.CodeInvalidAmount, 0, "amount")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(450), cents)

	cents, ok, err = ParseLineAmount([]byte(`12`), pkgerrors.CodeInvalidAmount, 0, "amount")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1200), cents)

	_, ok, err = ParseLineAmount(nil, pkgerrors.CodeInvalidAmount, 0, "amount")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = ParseLineAmount([]byte(`null`), pkgerrors.CodeInvalidAmount, 0, "amount")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = ParseLineAmount([]byte(`1.005`), pkgerrors.CodeValidation, 3, "unit_price")
	require.Error(t, err)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeValidation, typed.Code())
	assert.Equal(t, map[string]any{"line": 3, "field": "unit_price"}, typed.Details())
}

func TestDecodeJSONBodyRejectsMalformedEnvelopes(t *testing.T) {
	cases := map[string]struct {
		body string
		want string
	}{
		"empty":         {"", "request body is empty"},
		"two documents": {`{"payer_name":"Ana","lines":[{"mode":"unit_full"}]}{}`, "single JSON document"},
		"too large":     {`{"payer_name":"` + strings.Repeat("a", MaxBodyBytes) + `"}`, "exceeds"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.body))
			var body batchBody
			err := DecodeJSONBody(req, &body)
			require.Error(t, err)
			typed := pkgerrors.As(err)
			require.NotNil(t, typed)
			assert.Equal(t, pkgerrors.CodeValidation, typed.Code())
			assert.Contains(t, typed.Message(), tc.want)
		})
	}
}

func TestValidationMessagesDescribeLengths(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"payer_name":"`+strings.Repeat("n", 101)+`","lines":[]}`))
	var body batchBody
	err := DecodeJSONBody(req, &body)
	require.Error(t, err)
	details := pkgerrors.As(err).Details().(map[string]string)
	assert.Equal(t, "must have at most 100 characters", details["payer_name"])
	assert.Equal(t, "must have at least 1 entry", details["lines"])
}
