package core

import (
	"encoding/json"
	"fmt"
)

// WorkerEvent is the read-only view of a work item handed to observers.
type WorkerEvent struct {
	Selector        *Selector `json:"selector,omitempty"`
	File            string    `json:"file,omitempty"`
	JobID           string    `json:"jobId,omitempty"`
	JobName         string    `json:"jobName,omitempty"`
	JobTag          string    `json:"jobTag,omitempty"`
	State           WorkState `json:"state"`
	ID              string    `json:"id"`
	Tags            []string  `json:"tags"`
	Generation      int       `json:"generation"`
	RunAttemptCount int       `json:"runAttemptCount"`
	Error           string    `json:"error,omitempty"`
}

// EventFromWorkInfo projects a work snapshot. Fields are read from the
// progress bag first and then from the output bag, which wins wherever it
// carries a value.
func EventFromWorkInfo(info WorkInfo) WorkerEvent {
	ev := WorkerEvent{
		State:           info.State,
		ID:              info.ID.String(),
		Tags:            append([]string{}, info.Tags...),
		Generation:      info.Generation,
		RunAttemptCount: info.RunAttemptCount,
	}

	for _, bag := range []Data{info.Progress, info.Output} {
		if len(bag) == 0 {
			continue
		}
		ev.Selector = projectSelector(bag)
		if bag.Has(KeyFile) {
			ev.File = bag.String(KeyFile)
		}
		if bag.Has(KeyJobID) {
			ev.JobID = bag.String(KeyJobID)
		}
		if bag.Has(KeyJobName) {
			ev.JobName = bag.String(KeyJobName)
		}
		if bag.Has(KeyJobTag) {
			ev.JobTag = bag.String(KeyJobTag)
		}
	}

	if info.State == StateFailed {
		ev.Error = info.Output.String(KeyError)
	}

	return ev
}

// projectSelector keeps only positive numeric fields.
func projectSelector(d Data) *Selector {
	sel := &Selector{
		Connection: Connection(d.String(KeyConnection)),
		Address:    d.String(KeyAddress),
	}
	if v := d.Int(KeyPort); v > 0 {
		sel.Port = v
	}
	if v := d.Int(KeyBaudrate); v > 0 {
		sel.Baudrate = v
	}
	if v := d.Int(KeyDPI); v > 0 {
		sel.DPI = v
	}
	if v := d.Float(KeyWidth); v > 0 {
		sel.Width = v
	}
	if v := d.Int(KeyMaxChars); v > 0 {
		sel.MaxChars = v
	}
	return sel
}

func (e WorkerEvent) Encode() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to encode worker event: %w", err)
	}
	return string(b), nil
}

func DecodeWorkerEvent(s string) (WorkerEvent, error) {
	var e WorkerEvent
	if err := json.Unmarshal([]byte(s), &e); err != nil {
		return WorkerEvent{}, fmt.Errorf("failed to decode worker event: %w", err)
	}
	return e, nil
}
