package api

import "errors"

// ErrInvalidRequest marks request validation failures; handlers answer them
// with 400.
var ErrInvalidRequest = errors.New("invalid_request")

type invalidRequestError struct {
	param string
	msg   string
}

func (e invalidRequestError) Error() string {
	if e.param == "" {
		return e.msg
	}
	return e.param + ": " + e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(param, msg string) error {
	return invalidRequestError{param: param, msg: msg}
}

// paramOf returns the request field an invalid request error names.
func paramOf(err error) string {
	var ir invalidRequestError
	if errors.As(err, &ir) {
		return ir.param
	}
	return ""
}
