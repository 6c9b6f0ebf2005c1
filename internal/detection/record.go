package detection

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// Detection is one object reported by the inference port, in pixel coordinates
type Detection struct {
	ClassID int     `msgpack:"class_id" json:"class_id"`
	CenterX float64 `msgpack:"center_x" json:"center_x"`
	CenterY float64 `msgpack:"center_y" json:"center_y"`
	Width   float64 `msgpack:"width" json:"width"`
	Height  float64 `msgpack:"height" json:"height"`
	Score   float64 `msgpack:"score" json:"score"`
}

// Record is a detection normalized to [0,1] against the frame it came from
type Record struct {
	ClassID int
	CenterX float64
	CenterY float64
	Width   float64
	Height  float64
}

// Box is a pixel rectangle given by its corners
type Box struct {
	X1, Y1, X2, Y2 int
}

// Normalize converts a pixel detection into a record relative to a frame of
// frameWidth x frameHeight pixels.
func Normalize(d Detection, frameWidth, frameHeight int) Record {
	w := float64(frameWidth)
	h := float64(frameHeight)
	return Record{
		ClassID: d.ClassID,
		CenterX: d.CenterX / w,
		CenterY: d.CenterY / h,
		Width:   d.Width / w,
		Height:  d.Height / h,
	}
}

// Denormalize scales the record back to pixels for a frame of the given size.
// It returns the center/size form; see Box for corners.
func (r Record) Denormalize(frameWidth, frameHeight int) (cx, cy, w, h float64) {
	fw := float64(frameWidth)
	fh := float64(frameHeight)
	return r.CenterX * fw, r.CenterY * fh, r.Width * fw, r.Height * fh
}

// Box returns the pixel corners of the record in a frame of the given size.
// Corners are truncated toward zero.
func (r Record) Box(frameWidth, frameHeight int) Box {
	cx, cy, w, h := r.Denormalize(frameWidth, frameHeight)
	return Box{
		X1: int(cx - w/2),
		Y1: int(cy - h/2),
		X2: int(cx + w/2),
		Y2: int(cy + h/2),
	}
}

// MarshalText renders the record as one record-file line without the newline
func (r Record) MarshalText() ([]byte, error) {
	return []byte(fmt.Sprintf("%d %.6f %.6f %.6f %.6f",
		r.ClassID, r.CenterX, r.CenterY, r.Width, r.Height)), nil
}

// UnmarshalText parses one record-file line
func (r *Record) UnmarshalText(text []byte) error {
	fields := strings.Fields(string(text))
	if len(fields) != 5 {
		return fmt.Errorf("expected 5 fields, got %d", len(fields))
	}

	cls, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return fmt.Errorf("invalid class id %q: %w", fields[0], err)
	}
	if cls != math.Trunc(cls) {
		return fmt.Errorf("class id %q is not an integer", fields[0])
	}

	var values [4]float64
	for i, f := range fields[1:] {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return fmt.Errorf("invalid coordinate %q: %w", f, err)
		}
		values[i] = v
	}

	*r = Record{
		ClassID: int(cls),
		CenterX: values[0],
		CenterY: values[1],
		Width:   values[2],
		Height:  values[3],
	}
	return nil
}

// WriteRecords writes one line per record. Zero records write nothing.
func WriteRecords(w io.Writer, records []Record) error {
	bw := bufio.NewWriter(w)
	for _, rec := range records {
		line, _ := rec.MarshalText()
		bw.Write(line)
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

// ReadRecords parses a record file. Blank lines are ignored.
func ReadRecords(r io.Reader) ([]Record, error) {
	var records []Record

	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		var rec Record
		if err := rec.UnmarshalText([]byte(text)); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		records = append(records, rec)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}

	return records, nil
}
