package handler

import (
	"bytes"
	"net/http"

	"github.com/labstack/echo/v4"
)

// NullToEmptyArray rewrites JSON `null` response bodies to `[]`. Nil
// Go slices marshal to null, and the list endpoints here feed charts
// that iterate their response.
//
// Only successful (2xx) JSON responses whose body is exactly `null`
// are touched.
func NullToEmptyArray() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			buf := &responseBuffer{
				ResponseWriter: c.Response().Writer,
				body:           &bytes.Buffer{},
			}
			c.Response().Writer = buf

			if err := next(c); err != nil {
				// Let the error handler write through unbuffered.
				c.Response().Writer = buf.ResponseWriter
				return err
			}

			body := buf.body.Bytes()

			ct := c.Response().Header().Get(echo.HeaderContentType)
			isJSON := len(ct) >= 16 && ct[:16] == echo.MIMEApplicationJSON
			statusOK := c.Response().Status >= 200 && c.Response().Status < 300

			if isJSON && statusOK && bytes.Equal(bytes.TrimSpace(body), []byte("null")) {
				body = []byte("[]")
				c.Response().Header().Set(echo.HeaderContentLength, "2")
			}

			buf.ResponseWriter.WriteHeader(c.Response().Status)
			_, writeErr := buf.ResponseWriter.Write(body)
			return writeErr
		}
	}
}

// responseBuffer captures the handler's body so it can be inspected
// before anything reaches the client.
type responseBuffer struct {
	http.ResponseWriter
	body *bytes.Buffer
}

func (b *responseBuffer) Write(data []byte) (int, error) {
	return b.body.Write(data)
}

// WriteHeader is deferred until after inspection.
func (b *responseBuffer) WriteHeader(int) {}
