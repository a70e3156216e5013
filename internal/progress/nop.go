package progress

import "github.com/transferd/transferd/internal/model"

// NopSink discards all progress events. Useful where no UI is attached.
type NopSink struct{}

func (NopSink) TaskStarted(string, string, []string)         {}
func (NopSink) TaskFinished(string, model.ExecutionStatus)   {}
func (NopSink) TableStarted(string, string, int64)           {}
func (NopSink) TableProgress(string, string, int64, int64)   {}
func (NopSink) TableDone(string, string, model.TableStatus)  {}
func (NopSink) CursorAdvanced(string, string, string)        {}
func (NopSink) RecordError(string, error)                    {}

var _ Sink = NopSink{}
