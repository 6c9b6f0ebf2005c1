// Package inference is the port to the object detection model.
//
// The model runs out of process. Frames are sent to a worker over its stdin
// and detections come back on its stdout, each message being a msgpack
// document preceded by a 4-byte big-endian length.
package inference

import (
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/detection"
)

// MaxMessageSize bounds a single framed message
const MaxMessageSize = 64 << 20

// Detector finds objects in a frame. Coordinates are in pixels of img.
type Detector interface {
	Detect(ctx context.Context, img image.Image, conf, iou float64) ([]detection.Detection, error)
}

// DetectorFunc adapts a function to Detector
type DetectorFunc func(ctx context.Context, img image.Image, conf, iou float64) ([]detection.Detection, error)

// Detect calls f
func (f DetectorFunc) Detect(ctx context.Context, img image.Image, conf, iou float64) ([]detection.Detection, error) {
	return f(ctx, img, conf, iou)
}

// Request is sent to the worker for every frame
type Request struct {
	Seq    uint64  `msgpack:"seq"`
	Width  int     `msgpack:"width"`
	Height int     `msgpack:"height"`
	Format string  `msgpack:"format"`
	Image  []byte  `msgpack:"image"`
	Conf   float64 `msgpack:"conf"`
	IoU    float64 `msgpack:"iou"`
}

// Response is the worker's answer to a Request with the same Seq
type Response struct {
	Seq        uint64                `msgpack:"seq"`
	Detections []detection.Detection `msgpack:"detections"`
	Error      string                `msgpack:"error,omitempty"`
}

// WriteMessage marshals v and writes it with a length prefix
func WriteMessage(w io.Writer, v interface{}) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal msgpack message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message of %d bytes exceeds limit", len(data))
	}

	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// ReadMessage reads one length-prefixed message into v. A clean end of stream
// before the prefix returns io.EOF.
func ReadMessage(r io.Reader, v interface{}) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return fmt.Errorf("failed to read length prefix: %w", err)
	}

	n := binary.BigEndian.Uint32(prefix[:])
	if n > MaxMessageSize {
		return fmt.Errorf("message of %d bytes exceeds limit", n)
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("failed to read message body: %w", err)
	}

	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal msgpack message: %w", err)
	}
	return nil
}
