package ledger

import (
	"errors"
	"net/http"

	"github.com/warp/agency-ledger/counter"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Result is the envelope returned to the HTTP layer for every operation.
type Result struct {
	Status string   `json:"status"`
	Code   int      `json:"code"`
	Data   any      `json:"data"`
	Errors []string `json:"errors,omitempty"`
}

func Success(code int, data any) Result {
	return Result{Status: StatusSuccess, Code: code, Data: data}
}

// Failure converts an operation error into an error envelope. A storage
// error that carries a committed entry echoes it in Data.
func Failure(err error) Result {
	res := Result{Status: StatusError, Code: StatusCode(err), Errors: []string{err.Error()}}

	var se *StorageError
	if errors.As(err, &se) && se.Entry != nil {
		res.Data = se.Entry
	}
	return res
}

// ResultFrom builds a success envelope with code, or a failure envelope
// when err is non-nil.
func ResultFrom(code int, data any, err error) Result {
	if err != nil {
		return Failure(err)
	}
	return Success(code, data)
}

// StatusCode maps the error taxonomy onto HTTP status codes.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation),
		errors.Is(err, counter.ErrInvalidLabel),
		errors.Is(err, counter.ErrInvalidFormType):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
