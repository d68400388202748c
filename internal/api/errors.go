package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/npezzotti/go-liveroom/internal/engine"
)

type ApiError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Err        error  `json:"-"`
}

func (e *ApiError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}

	return e.Message
}

func (e *ApiError) Unwrap() error {
	return e.Err
}

func newApiError(code int) *ApiError {
	return &ApiError{
		StatusCode: code,
		Message:    strings.ToLower(http.StatusText(code)),
	}
}

func NewBadRequestError() *ApiError {
	return newApiError(http.StatusBadRequest)
}

func NewNotFoundError() *ApiError {
	return newApiError(http.StatusNotFound)
}

func NewInternalServerError(err error) *ApiError {
	e := newApiError(http.StatusInternalServerError)
	e.Err = err
	return e
}

// engineError converts an engine failure. Client errors carry the engine's
// description; internal errors only carry the status text.
func engineError(err error) *ApiError {
	code := engine.HTTPStatus(err)
	if code == http.StatusInternalServerError {
		return NewInternalServerError(err)
	}

	e := newApiError(code)
	e.Message = err.Error()
	e.Err = err
	return e
}
