package handlers

import (
	"errors"
	"net/http"

	"github.com/3leaps/opswatch/internal/server/middleware"
	"github.com/3leaps/opswatch/pkg/engine"
	"github.com/3leaps/opswatch/pkg/jobspec"
	"github.com/3leaps/opswatch/pkg/statestore"
)

// HTTPErrorResponder renders an operation error.
type HTTPErrorResponder func(w http.ResponseWriter, r *http.Request, err error)

var httpErrorResponder HTTPErrorResponder = defaultErrorResponder

// SetHTTPErrorResponder overrides how handler errors are rendered. nil
// restores the default.
func SetHTTPErrorResponder(fn HTTPErrorResponder) {
	if fn == nil {
		fn = defaultErrorResponder
	}
	httpErrorResponder = fn
}

func ResetHTTPErrorResponder() {
	httpErrorResponder = defaultErrorResponder
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	httpErrorResponder(w, r, err)
}

// defaultErrorResponder maps engine errors onto HTTP statuses.
func defaultErrorResponder(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, middleware.CodeInternal
	switch {
	case errors.Is(err, engine.ErrUnknownJob):
		status, code = http.StatusNotFound, middleware.CodeNotFound
	case errors.Is(err, jobspec.ErrInvalidConfig), statestore.IsMalformed(err):
		status, code = http.StatusConflict, middleware.CodeConflict
	case errors.Is(err, errBadRequest):
		status, code = http.StatusBadRequest, middleware.CodeBadRequest
	}
	middleware.WriteError(w, r, status, code, err.Error(), map[string]any{"exit_code": engine.ExitCode(err)})
}

var errBadRequest = errors.New("bad request")
