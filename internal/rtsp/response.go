package rtsp

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"time"
)

const (
	StatusSessionNotFound       = 454
	StatusMethodNotValidInState = 455
	StatusAggregateNotAllowed   = 459
	StatusUnsupportedTransport  = 461
)

var statusText = map[int]string{
	StatusSessionNotFound:       "Session Not Found",
	StatusMethodNotValidInState: "Method Not Valid in This State",
	StatusAggregateNotAllowed:   "Aggregate Operation Not Allowed",
	StatusUnsupportedTransport:  "Unsupported Transport",
}

func StatusText(code int) string {
	if text, ok := statusText[code]; ok {
		return text
	}
	return http.StatusText(code)
}

type Response struct {
	Version  string
	Code     int
	Message  string
	Sequence string
	Header   http.Header
	Body     []byte
}

func newResponse(code int, header http.Header) *Response {
	return &Response{
		Version: "1.0",
		Code:    code,
		Message: StatusText(code),
		Header:  header,
	}
}

func (r *Response) Write(w io.Writer) error {
	bw := bufio.NewWriter(w)
	writer := textproto.NewWriter(bw)

	err := writer.PrintfLine("RTSP/%s %d %s", r.Version, r.Code, r.Message)
	if err != nil {
		return fmt.Errorf("failed to write response line: %w", err)
	}
	if r.Header == nil {
		r.Header = http.Header{}
	}
	r.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	r.Header.Set("Server", "camstream")

	if err := writeHeader(writer, r.Sequence, r.Header, r.Body); err != nil {
		return err
	}
	return bw.Flush()
}
