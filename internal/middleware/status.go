package middleware

import "net/http"

// statusWriter captures the response status code for the logging and
// metrics middlewares.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}
