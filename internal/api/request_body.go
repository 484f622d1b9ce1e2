package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
)

const (
	maxJSONBodyBytes  int64 = 25 << 20
	maxMultipartBytes int64 = 32 << 20
)

// decodeParams fills dst from a JSON body, or from form fields when the
// request is multipart or urlencoded. Form values are re-encoded as a JSON
// object of strings, so dst fields must accept strings (see the flex types).
// The raw form is returned for fields that must keep their bytes intact; it
// is nil for JSON bodies.
func decodeParams(w http.ResponseWriter, r *http.Request, dst any) (map[string]string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "multipart/form-data", "application/x-www-form-urlencoded":
		r.Body = http.MaxBytesReader(w, r.Body, maxMultipartBytes)
		var err error
		if mediaType == "multipart/form-data" {
			err = r.ParseMultipartForm(maxMultipartBytes)
		} else {
			err = r.ParseForm()
		}
		if err != nil {
			return nil, err
		}
		form := make(map[string]string, len(r.Form))
		for k, v := range r.Form {
			if len(v) > 0 {
				form[k] = v[0]
			}
		}
		data, err := json.Marshal(form)
		if err != nil {
			return nil, err
		}
		return form, json.Unmarshal(data, dst)
	default:
		r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
		err := json.NewDecoder(r.Body).Decode(dst)
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}
}

// flexInt accepts a JSON number or a numeric string.
type flexInt int

func (f *flexInt) UnmarshalJSON(data []byte) error {
	s, err := scalar(data)
	if err != nil || s == "" {
		return err
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("%q is not a number", s)
	}
	*f = flexInt(n)
	return nil
}

// flexFloat accepts a JSON number or a numeric string.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	s, err := scalar(data)
	if err != nil || s == "" {
		return err
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("%q is not a number", s)
	}
	*f = flexFloat(n)
	return nil
}

// flexBool accepts a JSON boolean or "true"/"false"/"1"/"0".
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	s, err := scalar(data)
	if err != nil || s == "" {
		return err
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return fmt.Errorf("%q is not a boolean", s)
	}
	*f = flexBool(b)
	return nil
}

// flexMap accepts a JSON object, or a string holding one. Values that are
// not strings are kept in their JSON form.
type flexMap map[string]string

func (f *flexMap) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if strings.TrimSpace(s) == "" {
			*f = flexMap{}
			return nil
		}
		data = []byte(s)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.New("value must be an object")
	}
	out := make(flexMap, len(raw))
	for k, v := range raw {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			out[k] = s
			continue
		}
		out[k] = string(bytes.TrimSpace(v))
	}
	*f = out
	return nil
}

// scalar returns the text of a JSON string, number or boolean.
func scalar(data []byte) (string, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		err := json.Unmarshal(data, &s)
		return strings.TrimSpace(s), err
	}
	if string(data) == "null" {
		return "", nil
	}
	return string(data), nil
}
