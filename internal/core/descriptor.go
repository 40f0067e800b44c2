package core

import (
	"errors"
	"fmt"
)

var ErrInvalidDescriptor = errors.New("invalid job descriptor")

type Mode int

const (
	ModeText Mode = iota + 1
	ModeFile
)

func (m Mode) String() string {
	switch m {
	case ModeText:
		return "text"
	case ModeFile:
		return "file"
	default:
		return "unknown"
	}
}

// Descriptor is the unit of work handed to the interpreter. CutPaper and
// OpenCashBox only apply to text jobs; command files express them as lines.
type Descriptor struct {
	Mode        Mode
	Text        string
	File        string
	CutPaper    bool
	OpenCashBox bool
	Selector    Selector
}

func DescriptorFromData(d Data) (Descriptor, error) {
	isText, isFile := d.Bool(KeyIsText), d.Bool(KeyIsFile)

	switch {
	case isText && isFile:
		return Descriptor{}, fmt.Errorf("%w: both isText and isFile are set", ErrInvalidDescriptor)
	case isText:
		return Descriptor{
			Mode:        ModeText,
			Text:        d.String(KeyText),
			CutPaper:    d.Bool(KeyCutPaper),
			OpenCashBox: d.Bool(KeyOpenCashBox),
			Selector:    SelectorFromData(d),
		}, nil
	case isFile:
		file := d.String(KeyFile)
		if file == "" {
			return Descriptor{}, fmt.Errorf("%w: file job without a file", ErrInvalidDescriptor)
		}
		return Descriptor{Mode: ModeFile, File: file}, nil
	default:
		return Descriptor{}, fmt.Errorf("%w: neither isText nor isFile is set", ErrInvalidDescriptor)
	}
}

// Data flattens the descriptor into a job input bag.
func (j Descriptor) Data() Data {
	d := Data{
		KeyIsText: j.Mode == ModeText,
		KeyIsFile: j.Mode == ModeFile,
	}
	switch j.Mode {
	case ModeText:
		d[KeyText] = j.Text
		d[KeyCutPaper] = j.CutPaper
		d[KeyOpenCashBox] = j.OpenCashBox
		j.Selector.Apply(d)
	case ModeFile:
		d[KeyFile] = j.File
	}
	return d
}

// NewTextJob builds the input bag for an inline text job.
func NewTextJob(sel Selector, text string, cutPaper, openCashBox bool) Data {
	return Descriptor{
		Mode:        ModeText,
		Text:        text,
		CutPaper:    cutPaper,
		OpenCashBox: openCashBox,
		Selector:    sel,
	}.Data()
}

// NewFileJob builds the input bag for a command-file job.
func NewFileJob(path string) Data {
	return Descriptor{Mode: ModeFile, File: path}.Data()
}
