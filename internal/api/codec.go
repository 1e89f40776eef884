package api

import (
	"bytes"
	"io"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
)

// decodeJSON reads one JSON value from r. An empty body decodes to the zero
// value. Read errors, such as an exceeded body limit, pass through as is.
func decodeJSON[T any](r io.Reader) (T, error) {
	var v T
	b, err := io.ReadAll(r)
	if err != nil {
		return v, err
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return v, newInvalidRequest("invalid JSON body: " + err.Error())
	}
	return v, nil
}

func writeJSON(c *echo.Context, status int, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Blob(status, echo.MIMEApplicationJSON, b)
}
