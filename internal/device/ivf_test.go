package device

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/pion/webrtc/v4/pkg/media/ivfreader"

	"github.com/bilbercode/camstream/internal/format"
)

func ivfFile(fourcc string, frames ...[]byte) []byte {
	header := make([]byte, 32)
	copy(header[0:4], "DKIF")
	binary.LittleEndian.PutUint16(header[4:], 0)
	binary.LittleEndian.PutUint16(header[6:], 32)
	copy(header[8:12], fourcc)
	binary.LittleEndian.PutUint16(header[12:], 640)
	binary.LittleEndian.PutUint16(header[14:], 480)
	binary.LittleEndian.PutUint32(header[16:], 30)
	binary.LittleEndian.PutUint32(header[20:], 1)
	binary.LittleEndian.PutUint32(header[24:], uint32(len(frames)))

	out := header
	for i, f := range frames {
		fh := make([]byte, 12)
		binary.LittleEndian.PutUint32(fh[0:], uint32(len(f)))
		binary.LittleEndian.PutUint64(fh[4:], uint64(i))
		out = append(out, fh...)
		out = append(out, f...)
	}
	return out
}

func TestIVFSource(t *testing.T) {
	t.Parallel()
	data := ivfFile("VP80", []byte{0x10, 0x02, 0x00}, []byte{0x11, 0x02, 0x00})
	src, err := NewIVFSource(format.CodecVP8, bytes.NewReader(data), Options{})
	if err != nil {
		t.Fatal(err)
	}

	f, err := src.NextFrame()
	if err != nil {
		t.Fatal(err)
	}
	if !f.Key {
		t.Error("first VP8 frame should be a key frame")
	}
	f, err = src.NextFrame()
	if err != nil {
		t.Fatal(err)
	}
	if f.Key {
		t.Error("second VP8 frame should be an inter frame")
	}
	if want := time.Second / 30; f.Timestamp != want {
		t.Errorf("timestamp: got %v, want %v", f.Timestamp, want)
	}
	if _, err := src.NextFrame(); !errors.Is(err, io.EOF) {
		t.Errorf("end: got %v, want io.EOF", err)
	}
}

func TestIVFSourceLoop(t *testing.T) {
	t.Parallel()
	data := ivfFile("VP90", []byte{0x82, 0x49}, []byte{0x86, 0x00})
	src, err := NewIVFSource(format.CodecVP9, bytes.NewReader(data), Options{Loop: true})
	if err != nil {
		t.Fatal(err)
	}
	var last time.Duration
	for i := 0; i < 5; i++ {
		f, err := src.NextFrame()
		if err != nil {
			t.Fatal(err)
		}
		if i > 0 && f.Timestamp <= last {
			t.Errorf("frame %d: timestamp %v not after %v", i, f.Timestamp, last)
		}
		last = f.Timestamp
	}
}

func TestIVFSourceFourCCMismatch(t *testing.T) {
	t.Parallel()
	data := ivfFile("VP90", []byte{0x82})
	if _, err := NewIVFSource(format.CodecVP8, bytes.NewReader(data), Options{}); !errors.Is(err, ErrSourceCreation) {
		t.Errorf("got %v, want ErrSourceCreation", err)
	}
}

func TestOpen(t *testing.T) {
	t.Parallel()
	if _, err := Open(format.CodecH264, Options{}); !errors.Is(err, ErrSourceCreation) {
		t.Errorf("missing path: got %v, want ErrSourceCreation", err)
	}
	if _, err := Open(format.CodecMJPEG, Options{Path: "camera.mjpeg"}); !errors.Is(err, ErrSourceCreation) {
		t.Errorf("mjpeg: got %v, want ErrSourceCreation", err)
	}
	if _, err := Open(format.CodecH264, Options{Path: "/nonexistent/camera.h264"}); !errors.Is(err, ErrSourceCreation) {
		t.Errorf("missing file: got %v, want ErrSourceCreation", err)
	}
}

func TestIVFTimestampLargePTS(t *testing.T) {
	t.Parallel()
	src := &IVFSource{header: &ivfreader.IVFFileHeader{TimebaseNumerator: 1, TimebaseDenominator: 90000}}
	tests := []struct {
		pts  uint64
		want time.Duration
	}{
		{0, 0},
		{3600, 40 * time.Millisecond},
		{30 * 3600 * 90000, 30 * time.Hour},
		{30*3600*90000 + 45, 30*time.Hour + 500*time.Microsecond},
	}
	for _, tt := range tests {
		if got := src.timestamp(tt.pts); got != tt.want {
			t.Errorf("pts %d: got %v, want %v", tt.pts, got, tt.want)
		}
	}
}
