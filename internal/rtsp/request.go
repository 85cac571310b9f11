package rtsp

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
)

const maxBodySize = 64 << 10

type Request struct {
	Version  string
	URL      string
	Sequence string
	Method   Method
	Header   http.Header
	Body     []byte
}

func (r *Request) Write(w io.Writer) error {
	bw := bufio.NewWriter(w)
	writer := textproto.NewWriter(bw)

	err := writer.PrintfLine("%s %s RTSP/%s", r.Method, r.URL, r.Version)
	if err != nil {
		return fmt.Errorf("failed to write request line: %w", err)
	}
	if err := writeHeader(writer, r.Sequence, r.Header, r.Body); err != nil {
		return err
	}
	return bw.Flush()
}

// readRequest parses one request. The leading '$' of interleaved data must
// already have been ruled out by the caller.
func readRequest(br *bufio.Reader) (*Request, error) {
	reader := textproto.NewReader(br)
	line, err := reader.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("failed to read RTSP request line: %w", err)
	}
	parts := strings.Fields(line)
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "RTSP/") {
		return nil, fmt.Errorf("malformed RTSP request line %q", line)
	}

	header, body, err := readHeaderAndBody(reader, br)
	if err != nil {
		return nil, err
	}
	return &Request{
		Version:  strings.TrimPrefix(parts[2], "RTSP/"),
		URL:      parts[1],
		Sequence: header.Get("CSeq"),
		Method:   Method(parts[0]),
		Header:   header,
		Body:     body,
	}, nil
}

func readHeaderAndBody(reader *textproto.Reader, br *bufio.Reader) (http.Header, []byte, error) {
	mime, err := reader.ReadMIMEHeader()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read RTSP headers: %w", err)
	}
	header := http.Header(mime)

	cl := header.Get("Content-Length")
	if cl == "" {
		return header, nil, nil
	}
	length, err := strconv.Atoi(cl)
	if err != nil || length < 0 || length > maxBodySize {
		return nil, nil, fmt.Errorf("invalid content-length %q", cl)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(br, body); err != nil {
		return nil, nil, fmt.Errorf("failed to read body of RTSP message: %w", err)
	}
	return header, body, nil
}

// writeHeader writes CSeq first, with its RTSP spelling, then the rest of
// the header and the body.
func writeHeader(writer *textproto.Writer, seq string, header http.Header, body []byte) error {
	if err := writer.PrintfLine("CSeq: %s", seq); err != nil {
		return err
	}
	if header == nil {
		header = http.Header{}
	}
	if len(body) > 0 {
		header.Set("Content-Length", strconv.Itoa(len(body)))
	}
	if err := header.WriteSubset(writer.W, map[string]bool{"Cseq": true}); err != nil {
		return err
	}
	if err := writer.PrintfLine(""); err != nil {
		return err
	}
	if len(body) > 0 {
		if _, err := writer.W.Write(body); err != nil {
			return err
		}
	}
	return nil
}
