package utils

// ResponseData is the JSON envelope every REST handler returns.
type ResponseData struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Results any    `json:"results,omitempty"`
}

// PanicIfNeeded panics on a non-nil error so the Recovery middleware can map
// it to an HTTP response. Handlers stay linear; the middleware owns the
// error-to-status translation.
func PanicIfNeeded(err any, message ...string) {
	if err != nil {
		if len(message) > 0 && err == "record not found" {
			panic(message[0])
		}
		panic(err)
	}
}
