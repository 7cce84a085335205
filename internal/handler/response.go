package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	apperrors "github.com/openclaw/wa-relay-server-go/internal/errors"
	"github.com/openclaw/wa-relay-server-go/internal/httputil"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, data)
}

func writeError(w http.ResponseWriter, err error) {
	httputil.WriteError(w, err)
}

// decodeJSON reads a single JSON object from the request body.
func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return apperrors.ValidationError("Request body too large")
		case errors.Is(err, io.EOF):
			return apperrors.ValidationError("Request body is required")
		default:
			return apperrors.ValidationError("Invalid request body")
		}
	}
	return nil
}

// violations collects field-level validation failures.
type violations []apperrors.FieldViolation

func (v *violations) add(field, message string) {
	*v = append(*v, apperrors.FieldViolation{Field: field, Message: message})
}

func (v violations) err() error {
	if len(v) == 0 {
		return nil
	}
	return apperrors.Validation(v...)
}
