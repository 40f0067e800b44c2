package core

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Input and output keys of a job bag.
const (
	KeyIsText      = "isText"
	KeyIsFile      = "isFile"
	KeyText        = "text"
	KeyFile        = "file"
	KeyCutPaper    = "cutPaper"
	KeyOpenCashBox = "openCashBox"
	KeyConnection  = "connection"
	KeyAddress     = "address"
	KeyPort        = "port"
	KeyBaudrate    = "baudrate"
	KeyDPI         = "dpi"
	KeyWidth       = "width"
	KeyMaxChars    = "maxChars"
	KeyJobID       = "jobId"
	KeyJobName     = "jobName"
	KeyJobTag      = "jobTag"
	KeyError       = "error"
)

// Data is the key/value bag a job receives as input and reports as progress
// and output. Values are JSON scalars; numbers may arrive as float64 after a
// round trip through storage, so the getters convert.
type Data map[string]any

func (d Data) String(key string) string {
	switch v := d[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func (d Data) Bool(key string) bool {
	switch v := d[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	default:
		return false
	}
}

func (d Data) Int(key string) int {
	switch v := d[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case float32:
		return int(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			f, _ := v.Float64()
			return int(f)
		}
		return int(n)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	default:
		return 0
	}
}

func (d Data) Float(key string) float64 {
	switch v := d[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || math.IsNaN(f) {
			return 0
		}
		return f
	default:
		return 0
	}
}

func (d Data) Has(key string) bool {
	_, ok := d[key]
	return ok
}

// Merge copies every entry of other into d, overwriting existing keys.
func (d Data) Merge(other Data) Data {
	for k, v := range other {
		d[k] = v
	}
	return d
}

func (d Data) Clone() Data {
	out := make(Data, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

func (d Data) Encode() (string, error) {
	if d == nil {
		return "{}", nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("failed to encode data: %w", err)
	}
	return string(b), nil
}

func DecodeData(s string) (Data, error) {
	d := Data{}
	if s == "" {
		return d, nil
	}
	if err := json.Unmarshal([]byte(s), &d); err != nil {
		return nil, fmt.Errorf("failed to decode data: %w", err)
	}
	return d, nil
}
