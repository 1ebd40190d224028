package printerstate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"
)

// ErrInconsistent is returned for a status delta that can not be merged.
// The snapshot keeps its previous value.
var ErrInconsistent = errors.New("inconsistent status delta")

// Typed subsystem names.
const (
	ObjPrintStats    = "print_stats"
	ObjVirtualSDCard = "virtual_sdcard"
	ObjWebhooks      = "webhooks"
	ObjDisplayStatus = "display_status"
	ObjIdleTimeout   = "idle_timeout"
)

// DefaultObjects are the objects the machine needs to derive the lifecycle.
var DefaultObjects = []string{ObjWebhooks, ObjPrintStats, ObjVirtualSDCard, ObjDisplayStatus, ObjIdleTimeout}

// Delta is one status update: subsystem name to a JSON object with the
// changed fields.
type Delta map[string]json.RawMessage

type PrintStats struct {
	Filename      *string  `json:"filename,omitempty"`
	State         *string  `json:"state,omitempty"`
	Message       *string  `json:"message,omitempty"`
	PrintDuration *float64 `json:"print_duration,omitempty"`
	TotalDuration *float64 `json:"total_duration,omitempty"`
	FilamentUsed  *float64 `json:"filament_used,omitempty"`
	Progress      *float64 `json:"progress,omitempty"`
}

func (p *PrintStats) merge(o PrintStats) {
	set(&p.Filename, o.Filename)
	set(&p.State, o.State)
	set(&p.Message, o.Message)
	set(&p.PrintDuration, o.PrintDuration)
	set(&p.TotalDuration, o.TotalDuration)
	set(&p.FilamentUsed, o.FilamentUsed)
	set(&p.Progress, o.Progress)
}

type VirtualSDCard struct {
	FilePath     *string  `json:"file_path,omitempty"`
	Progress     *float64 `json:"progress,omitempty"`
	IsActive     *bool    `json:"is_active,omitempty"`
	FilePosition *int64   `json:"file_position,omitempty"`
	FileSize     *int64   `json:"file_size,omitempty"`
}

func (v *VirtualSDCard) merge(o VirtualSDCard) {
	set(&v.FilePath, o.FilePath)
	set(&v.Progress, o.Progress)
	set(&v.IsActive, o.IsActive)
	set(&v.FilePosition, o.FilePosition)
	set(&v.FileSize, o.FileSize)
}

type Webhooks struct {
	State        *string `json:"state,omitempty"`
	StateMessage *string `json:"state_message,omitempty"`
}

func (w *Webhooks) merge(o Webhooks) {
	set(&w.State, o.State)
	set(&w.StateMessage, o.StateMessage)
}

type DisplayStatus struct {
	Progress *float64 `json:"progress,omitempty"`
	Message  *string  `json:"message,omitempty"`
}

func (d *DisplayStatus) merge(o DisplayStatus) {
	set(&d.Progress, o.Progress)
	set(&d.Message, o.Message)
}

type IdleTimeout struct {
	State        *string  `json:"state,omitempty"`
	PrintingTime *float64 `json:"printing_time,omitempty"`
}

func (i *IdleTimeout) merge(o IdleTimeout) {
	set(&i.State, o.State)
	set(&i.PrintingTime, o.PrintingTime)
}

// set overwrites *dst with a fresh copy of src, unless src is nil.
func set[T any](dst **T, src *T) {
	if src == nil {
		return
	}
	v := *src
	*dst = &v
}

// Snapshot is the merged host status.  A nil field was never reported.
// Other holds the subscribed objects without a typed representation.
type Snapshot struct {
	PrintStats    PrintStats                `json:"print_stats"`
	VirtualSDCard VirtualSDCard             `json:"virtual_sdcard"`
	Webhooks      Webhooks                  `json:"webhooks"`
	DisplayStatus DisplayStatus             `json:"display_status"`
	IdleTimeout   IdleTimeout               `json:"idle_timeout"`
	Other         map[string]map[string]any `json:"other,omitempty"`
	Updated       time.Time                 `json:"updated"`
}

// clone returns a copy that shares nothing mutable with s.
func (s Snapshot) clone() Snapshot {
	c := Snapshot{Updated: s.Updated}
	c.PrintStats.merge(s.PrintStats)
	c.VirtualSDCard.merge(s.VirtualSDCard)
	c.Webhooks.merge(s.Webhooks)
	c.DisplayStatus.merge(s.DisplayStatus)
	c.IdleTimeout.merge(s.IdleTimeout)
	if s.Other != nil {
		c.Other = make(map[string]map[string]any, len(s.Other))
		for k, v := range s.Other {
			c.Other[k] = maps.Clone(v)
		}
	}
	return c
}

func isObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}

// decode strictly decodes a subsystem object.
func decode[T any](name string, raw json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("%w: %s: %v", ErrInconsistent, name, err)
	}
	return v, nil
}

// merge returns s with d merged in.  It fails as a whole: on error the
// returned snapshot must be discarded.  allowed reports whether an untyped
// subsystem was subscribed.
func (s Snapshot) merge(d Delta, allowed func(string) bool) (Snapshot, error) {
	out := s.clone()
	for name, raw := range d {
		if !isObject(raw) {
			return s, fmt.Errorf("%w: %s: not an object: %.40s", ErrInconsistent, name, raw)
		}
		switch name {
		case ObjPrintStats:
			v, err := decode[PrintStats](name, raw)
			if err != nil {
				return s, err
			}
			out.PrintStats.merge(v)
		case ObjVirtualSDCard:
			v, err := decode[VirtualSDCard](name, raw)
			if err != nil {
				return s, err
			}
			out.VirtualSDCard.merge(v)
		case ObjWebhooks:
			v, err := decode[Webhooks](name, raw)
			if err != nil {
				return s, err
			}
			out.Webhooks.merge(v)
		case ObjDisplayStatus:
			v, err := decode[DisplayStatus](name, raw)
			if err != nil {
				return s, err
			}
			out.DisplayStatus.merge(v)
		case ObjIdleTimeout:
			v, err := decode[IdleTimeout](name, raw)
			if err != nil {
				return s, err
			}
			out.IdleTimeout.merge(v)
		default:
			if allowed == nil || !allowed(name) {
				return s, fmt.Errorf("%w: unknown subsystem %q", ErrInconsistent, name)
			}
			v, err := decode[map[string]any](name, raw)
			if err != nil {
				return s, err
			}
			if out.Other == nil {
				out.Other = make(map[string]map[string]any)
			}
			obj := out.Other[name]
			if obj == nil {
				obj = make(map[string]any, len(v))
				out.Other[name] = obj
			}
			maps.Copy(obj, v)
		}
	}
	return out, nil
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

// Progress is the job progress.  Known is false when it can't be
// determined.
type Progress struct {
	Fraction float64
	Known    bool
}

func (p Progress) MarshalJSON() ([]byte, error) {
	if !p.Known {
		return []byte("null"), nil
	}
	return json.Marshal(p.Fraction)
}

func (p Progress) String() string {
	if !p.Known {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", p.Fraction*100)
}

func clamp(f float64) float64 {
	return min(max(f, 0), 1)
}

// progress computes the job progress: file position over file size, or the
// first progress value any subsystem reported.
func (s Snapshot) progress() Progress {
	if size := deref(s.VirtualSDCard.FileSize); size > 0 && s.VirtualSDCard.FilePosition != nil {
		return Progress{Fraction: clamp(float64(*s.VirtualSDCard.FilePosition) / float64(size)), Known: true}
	}
	for _, p := range []*float64{s.VirtualSDCard.Progress, s.DisplayStatus.Progress, s.PrintStats.Progress} {
		if p != nil {
			return Progress{Fraction: clamp(*p), Known: true}
		}
	}
	return Progress{}
}

// hostState returns the webhooks state, or "" if unknown.
func (s Snapshot) hostState() string {
	return deref(s.Webhooks.State)
}
