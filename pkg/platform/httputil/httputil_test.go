package httputil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "ledger/pkg/domain-errors"
)

func TestWriteError(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		status      int
		code        string
		description string
	}{
		{"validation", dErrors.New(dErrors.CodeValidation, "invalid audit event: Action (required)"), http.StatusBadRequest, "validation_error", "invalid audit event: Action (required)"},
		{"not found", dErrors.New(dErrors.CodeNotFound, "entry not found"), http.StatusNotFound, "not_found", "entry not found"},
		{"seal conflict", dErrors.New(dErrors.CodeConflict, "chain head moved during seal"), http.StatusConflict, "conflict", "chain head moved during seal"},
		{"store down", dErrors.Wrap(assert.AnError, dErrors.CodeUnavailable, "ledger store unavailable"), http.StatusServiceUnavailable, "service_unavailable", "ledger store unavailable"},
		{"unauthorized", dErrors.New(dErrors.CodeUnauthorized, "admin token required"), http.StatusUnauthorized, "unauthorized", "admin token required"},
		{"internal hides message", dErrors.New(dErrors.CodeInternal, "pq: relation missing"), http.StatusInternalServerError, "internal_error", ""},
		{"uncoded is internal", assert.AnError, http.StatusInternalServerError, "internal_error", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, tt.err)

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			body := w.Body.String()
			assert.Contains(t, body, `"error":"`+tt.code+`"`)
			if tt.description == "" {
				assert.NotContains(t, body, "error_description")
			} else {
				assert.Contains(t, body, tt.description)
			}
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Action string `json:"action"`
	}

	t.Run("decodes known fields", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"action":"read"}`))
		got, err := DecodeJSON[payload](r)
		require.NoError(t, err)
		assert.Equal(t, "read", got.Action)
	})

	t.Run("rejects unknown fields", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"action":"read","sequence":9}`))
		_, err := DecodeJSON[payload](r)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeBadRequest))
	})

	t.Run("rejects malformed body", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{`))
		_, err := DecodeJSON[payload](r)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeBadRequest))
	})
}
