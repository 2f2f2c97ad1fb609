package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/postmesh/postmesh/internal/types"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ErrInvalidRequest wraps body decoding and validation failures.
var ErrInvalidRequest = errors.New("invalid request")

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes {"success": false, "message": msg}.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]any{"success": false, "message": msg})
}

// DecodeJSON decodes the request body into v and validates it against its
// `validate` struct tags.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// Health answers health probes with the status reported by probe. Healthy
// and degraded instances answer 200, anything else 503.
func Health(service string, probe func() types.HealthStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		status := probe()
		code := http.StatusOK
		if !status.Serving() {
			code = http.StatusServiceUnavailable
		}
		WriteJSON(w, code, map[string]string{"status": status.String(), "service": service})
	}
}
