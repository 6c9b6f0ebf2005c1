package inference

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"sync"

	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/detection"
)

// ErrClientBroken is returned once the stream failed or answered out of order
// and can no longer be trusted
var ErrClientBroken = errors.New("inference stream out of sync")

// Client speaks the framed protocol over an arbitrary stream pair. Calls are
// serialized; one request is in flight at a time. A call abandoned by its
// context leaves the exchange running, and the next call discards the late
// response before sending its own request.
type Client struct {
	r           io.Reader
	w           io.Writer
	jpegQuality int

	mu     sync.Mutex
	seq    uint64
	late   chan exchange
	broken bool
}

type exchange struct {
	resp Response
	err  error
}

// NewClient creates a client reading responses from r and writing requests to w
func NewClient(r io.Reader, w io.Writer, jpegQuality int) *Client {
	if jpegQuality <= 0 || jpegQuality > 100 {
		jpegQuality = 90
	}
	return &Client{r: r, w: w, jpegQuality: jpegQuality}
}

// Broken reports whether the stream lost sync and the client is unusable
func (c *Client) Broken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broken
}

// Detect encodes img as JPEG, sends it and waits for the matching response
func (c *Client) Detect(ctx context.Context, img image.Image, conf, iou float64) ([]detection.Detection, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: c.jpegQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broken {
		return nil, ErrClientBroken
	}
	if c.late != nil {
		if err := c.drain(ctx); err != nil {
			return nil, err
		}
	}

	c.seq++
	b := img.Bounds()
	req := Request{
		Seq:    c.seq,
		Width:  b.Dx(),
		Height: b.Dy(),
		Format: "jpeg",
		Image:  buf.Bytes(),
		Conf:   conf,
		IoU:    iou,
	}

	done := make(chan exchange, 1)
	go func() {
		var res exchange
		if err := WriteMessage(c.w, &req); err != nil {
			res.err = err
		} else {
			res.err = ReadMessage(c.r, &res.resp)
		}
		done <- res
	}()

	select {
	case <-ctx.Done():
		c.late = done
		return nil, ctx.Err()
	case res := <-done:
		if res.err != nil {
			c.broken = true
			if res.err == io.EOF {
				return nil, fmt.Errorf("worker closed its output: %w", io.ErrUnexpectedEOF)
			}
			return nil, res.err
		}
		if res.resp.Seq != req.Seq {
			c.broken = true
			return nil, fmt.Errorf("response seq %d does not match request %d", res.resp.Seq, req.Seq)
		}
		if res.resp.Error != "" {
			return nil, fmt.Errorf("worker error: %s", res.resp.Error)
		}
		return res.resp.Detections, nil
	}
}

// drain waits out the abandoned exchange. c.seq still names its request.
func (c *Client) drain(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-c.late:
		c.late = nil
		if res.err != nil || res.resp.Seq != c.seq {
			c.broken = true
			return ErrClientBroken
		}
		return nil
	}
}
