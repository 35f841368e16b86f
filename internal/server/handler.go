// Generic HTTP handler wrappers that decode requests, validate, call a typed
// handler function, and encode JSON responses or structured errors.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
)

// Validatable is implemented by request types that can validate their fields.
type Validatable interface {
	Validate() error
}

// startRunReq is the request body for POST /api/v1/runs.
type startRunReq struct {
	ProjectID     string   `json:"projectId"`
	SprintID      string   `json:"sprintId"`
	BranchName    string   `json:"branchName,omitempty"`
	MaxIterations int      `json:"maxIterations,omitempty"`
	TaskIDs       []string `json:"taskIds,omitempty"`
}

func (r *startRunReq) Validate() error {
	if r.ProjectID == "" {
		return badRequest("projectId is required")
	}
	if r.SprintID == "" {
		return badRequest("sprintId is required")
	}
	if r.MaxIterations < 0 {
		return badRequest("maxIterations must be positive")
	}
	return nil
}

// cancelRunReq carries only the {id} path parameter.
type cancelRunReq struct {
	RunID string `path:"id"`
}

func (r *cancelRunReq) Validate() error {
	if r.RunID == "" {
		return badRequest("run id is required")
	}
	return nil
}

// startRunResp is the response for POST /api/v1/runs.
type startRunResp struct {
	RunID  string `json:"runId"`
	Status string `json:"status"`
}

// statusResp is a common response for mutation endpoints.
type statusResp struct {
	Status string `json:"status"`
}

// handle wraps a typed handler function into an http.HandlerFunc. It reads the
// JSON body (with DisallowUnknownFields), populates path parameters via struct
// tags, validates, calls fn, and writes the JSON response or structured error.
func handle[In any, PtrIn interface {
	*In
	Validatable
}, Out any](fn func(context.Context, PtrIn) (*Out, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		in := PtrIn(new(In))
		if !readAndDecodeBody(w, r, in) {
			return
		}
		populatePathParams(r, in)
		if err := in.Validate(); err != nil {
			writeError(w, err)
			return
		}
		out, err := fn(r.Context(), in)
		writeJSONResponse(w, out, err)
	}
}

// readAndDecodeBody reads the request body and decodes JSON into input. An
// empty body is accepted so path-parameter-only endpoints need no payload.
// Unknown JSON fields are rejected. Returns false if an error was written to
// the response.
func readAndDecodeBody[In any](w http.ResponseWriter, r *http.Request, input *In) bool {
	body, err := io.ReadAll(r.Body)
	if err2 := r.Body.Close(); err == nil {
		err = err2
	}
	if err != nil {
		writeError(w, badRequest("failed to read request body"))
		return false
	}
	if len(body) == 0 {
		return true
	}
	d := json.NewDecoder(bytes.NewReader(body))
	d.DisallowUnknownFields()
	if err := d.Decode(input); err != nil {
		slog.Error("failed to decode request body", "err", err)
		writeError(w, badRequest("invalid request body"))
		return false
	}
	return true
}

// populatePathParams extracts path parameters from the request and populates
// struct fields tagged with `path:"paramName"`.
func populatePathParams(r *http.Request, input any) {
	val := reflect.ValueOf(input)
	if val.Kind() != reflect.Pointer {
		return
	}
	elem := val.Elem()
	if elem.Kind() != reflect.Struct {
		return
	}
	typ := elem.Type()
	for i := range typ.NumField() {
		field := typ.Field(i)
		tag := field.Tag.Get("path")
		if tag == "" {
			continue
		}
		paramValue := r.PathValue(tag)
		if paramValue == "" {
			continue
		}
		//exhaustive:ignore
		switch field.Type.Kind() {
		case reflect.String:
			elem.Field(i).SetString(paramValue)
		case reflect.Int:
			if v, err := strconv.Atoi(paramValue); err == nil {
				elem.Field(i).SetInt(int64(v))
			}
		}
	}
}
