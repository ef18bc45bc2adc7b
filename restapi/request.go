/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package restapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"code.cloudfoundry.org/bytefmt"
)

// MalformedRequestError is an error that occurs in case of incorrect request.
type MalformedRequestError struct {
	HTTPStatusCode int
	Message        string
}

// Error returns a string representation of MalformedRequestError.
func (e *MalformedRequestError) Error() string {
	return e.Message
}

// SetRequestMaxBodySize wraps request body with a reader which limits the number of bytes to read.
func SetRequestMaxBodySize(w http.ResponseWriter, r *http.Request, maxSizeBytes uint64) {
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxSizeBytes))
}

// DecodeRequestJSON reads request body and decodes it as a single JSON object.
// Unknown fields are not allowed. All failures caused by the client are returned as *MalformedRequestError.
func DecodeRequestJSON(r *http.Request, dst interface{}) error {
	if reqContentType := r.Header.Get("Content-Type"); reqContentType != "" {
		contentType, _, err := mime.ParseMediaType(reqContentType)
		if err != nil {
			return &MalformedRequestError{
				http.StatusUnsupportedMediaType,
				fmt.Sprintf("Failed to parse Content-Type header for request: %s.", err),
			}
		}
		if contentType != ContentTypeAppJSON {
			return &MalformedRequestError{
				http.StatusUnsupportedMediaType,
				fmt.Sprintf("Content-Type %q is not supported.", contentType),
			}
		}
	}

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return convertDecodeError(err)
	}
	// Decoder is designed to decode streams of JSON objects, but we need to prevent this behavior.
	if decoder.More() {
		return &MalformedRequestError{http.StatusBadRequest, "Request body must only contain a single JSON object."}
	}
	return nil
}

func convertDecodeError(err error) error {
	var syntaxErr *json.SyntaxError
	var unmarshalTypeErr *json.UnmarshalTypeError
	var maxBytesErr *http.MaxBytesError

	switch {
	case errors.Is(err, io.EOF):
		return &MalformedRequestError{http.StatusBadRequest, "Request body must not be empty."}

	case errors.Is(err, io.ErrUnexpectedEOF):
		return &MalformedRequestError{http.StatusBadRequest, "Request body contains badly-formed JSON."}

	case errors.As(err, &syntaxErr):
		return &MalformedRequestError{
			http.StatusBadRequest,
			fmt.Sprintf("Request body contains badly-formed JSON (at position %d).", syntaxErr.Offset),
		}

	case errors.As(err, &unmarshalTypeErr):
		return &MalformedRequestError{
			http.StatusBadRequest,
			fmt.Sprintf("Request body contains an invalid value for the %q field (at position %d).",
				unmarshalTypeErr.Field, unmarshalTypeErr.Offset),
		}

	case errors.As(err, &maxBytesErr):
		return &MalformedRequestError{
			http.StatusRequestEntityTooLarge,
			fmt.Sprintf("Request body must not be larger than %s.", bytefmt.ByteSize(uint64(maxBytesErr.Limit))),
		}

	case strings.HasPrefix(err.Error(), "json: unknown field"):
		return &MalformedRequestError{http.StatusBadRequest, "Payload does not match the scheme."}

	default:
		return err
	}
}
