package serializer

import (
	"bufio"
	"bytes"
	"net/http"
)

// ResponseToBytes converts a response to a byte slice.
// It returns the HTTP/1.1 representation of the response.
// The response body is left intact and can still be read by the caller.
func ResponseToBytes(res *http.Response) ([]byte, error) {
	// write response to buffer
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, err
	}
	// set response body back
	bts := buf.Bytes()
	clonedRes, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(bts)), res.Request)
	if err != nil {
		return nil, err
	}
	res.Body = clonedRes.Body
	return bts, nil
}

// BytesToResponse converts a byte slice back to a http.Response.
// The request the response belongs to may be nil.
func BytesToResponse(b []byte, req *http.Request) (*http.Response, error) {
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), req)
}
