package error

import "net/http"

type UnauthorizedError string

func (err UnauthorizedError) Error() string {
	return string(err)
}

func (err UnauthorizedError) ErrCode() string {
	return "UNAUTHORIZED_ERROR"
}

func (err UnauthorizedError) StatusCode() int {
	return http.StatusForbidden
}
