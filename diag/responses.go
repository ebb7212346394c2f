package diag

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
}

// result is the outcome of an endpoint. It is written to the client with
// writeResponse and logged with log.
type result struct {
	status      int
	isErr       bool
	contentType string
	internalMsg string

	resp any
	body []byte
}

func jsonResponse(status int, respObj any, internalMsg string, v ...any) result {
	return result{
		status:      status,
		contentType: "application/json",
		internalMsg: fmt.Sprintf(internalMsg, v...),
		resp:        respObj,
	}
}

func jsonErr(status int, userMsg, internalMsg string, v ...any) result {
	r := jsonResponse(status, ErrorResponse{Error: userMsg, Status: status}, internalMsg, v...)
	r.isErr = true
	return r
}

func binaryResponse(data []byte, internalMsg string, v ...any) result {
	return result{
		status:      http.StatusOK,
		contentType: "application/octet-stream",
		internalMsg: fmt.Sprintf(internalMsg, v...),
		body:        data,
	}
}

func textErr(status int, userMsg, internalMsg string, v ...any) result {
	return result{
		status:      status,
		isErr:       true,
		contentType: "text/plain; charset=utf-8",
		internalMsg: fmt.Sprintf(internalMsg, v...),
		body:        []byte(userMsg),
	}
}

func (r result) writeResponse(w http.ResponseWriter) {
	// if this hasn't been properly created, panic
	if r.status == 0 {
		panic("result not populated")
	}

	respBytes := r.body
	if r.contentType == "application/json" {
		var err error
		respBytes, err = json.Marshal(r.resp)
		if err != nil {
			panic(fmt.Sprintf("could not marshal response: %s", err.Error()))
		}
	}

	w.Header().Set("Content-Type", r.contentType)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(r.status)

	if r.status != http.StatusNoContent {
		w.Write(respBytes)
	}
}
