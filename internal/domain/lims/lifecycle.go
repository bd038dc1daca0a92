package lims

import (
	"fmt"
	"math"
)

// -- Sample Workflow State Machine --

var sampleSequence = []SampleStatus{
	SampleRegistered, SampleReceived, SampleAssigned, SampleAnalysed, SampleVerified, SamplePublished,
}

// Rank returns the position of s in the sample workflow, or -1 if s is unknown.
func (s SampleStatus) Rank() int {
	for i, st := range sampleSequence {
		if st == s {
			return i
		}
	}
	return -1
}

func (s SampleStatus) Valid() bool { return s.Rank() >= 0 }

// AtLeast reports whether s is at or past other in the workflow.
func (s SampleStatus) AtLeast(other SampleStatus) bool {
	return s.Rank() >= other.Rank()
}

type sampleAction string

const (
	actionReceive       sampleAction = "receive"
	actionAssign        sampleAction = "assign"
	actionRecordResults sampleAction = "record_results"
	actionVerify        sampleAction = "verify"
	actionPublish       sampleAction = "publish"
)

// nextSampleStatus returns the status a sample moves to when action is
// applied in state from. Every (action, status) pair is listed; a pair that
// would move backwards is an error.
func nextSampleStatus(action sampleAction, from SampleStatus) (SampleStatus, error) {
	switch action {
	case actionReceive:
		switch from {
		case SampleRegistered:
			return SampleReceived, nil
		case SampleReceived, SampleAssigned, SampleAnalysed, SampleVerified, SamplePublished:
			return from, fmt.Errorf("%w: only registered samples can be received (status %s)", ErrInvalidTransition, from)
		}
	case actionAssign:
		switch from {
		case SampleReceived:
			return SampleAssigned, nil
		case SampleAssigned, SampleAnalysed, SampleVerified:
			return from, nil
		case SampleRegistered:
			return from, fmt.Errorf("%w: sample must be received before it is assigned", ErrInvalidTransition)
		case SamplePublished:
			return from, fmt.Errorf("%w: published samples cannot be reassigned", ErrInvalidTransition)
		}
	case actionRecordResults:
		switch from {
		case SampleReceived, SampleAssigned, SampleAnalysed:
			return SampleAnalysed, nil
		case SampleRegistered:
			return from, fmt.Errorf("%w: sample has not been received", ErrInvalidTransition)
		case SampleVerified, SamplePublished:
			return from, fmt.Errorf("%w: results cannot be added to a %s sample", ErrInvalidTransition, from)
		}
	case actionVerify:
		switch from {
		case SampleReceived, SampleAssigned, SampleAnalysed, SampleVerified:
			return SampleVerified, nil
		case SampleRegistered:
			return from, fmt.Errorf("%w: sample has not been received", ErrInvalidTransition)
		case SamplePublished:
			return from, fmt.Errorf("%w: published samples cannot be verified again", ErrInvalidTransition)
		}
	case actionPublish:
		switch from {
		case SampleVerified:
			return SamplePublished, nil
		case SampleRegistered, SampleReceived, SampleAssigned, SampleAnalysed, SamplePublished:
			return from, fmt.Errorf("%w: only verified samples can be published", ErrPrecondition)
		}
	}
	return from, fmt.Errorf("%w: unknown sample status %q for %s", ErrInvalidTransition, from, action)
}

// -- Worksheet State Machine --

var worksheetSequence = []WorksheetStatus{
	WorksheetOpen, WorksheetToBeVerified, WorksheetVerified, WorksheetClosed,
}

// Rank returns the position of s in the worksheet lifecycle, or -1.
func (s WorksheetStatus) Rank() int {
	for i, st := range worksheetSequence {
		if st == s {
			return i
		}
	}
	return -1
}

type worksheetAction string

const (
	actionSubmit          worksheetAction = "submit"
	actionVerifyWorksheet worksheetAction = "verify"
	actionClose           worksheetAction = "close"
)

func nextWorksheetStatus(action worksheetAction, from WorksheetStatus) (WorksheetStatus, error) {
	switch action {
	case actionSubmit:
		switch from {
		case WorksheetOpen:
			return WorksheetToBeVerified, nil
		case WorksheetToBeVerified, WorksheetVerified, WorksheetClosed:
			return from, fmt.Errorf("%w: only open worksheets can be submitted (status %s)", ErrInvalidTransition, from)
		}
	case actionVerifyWorksheet:
		switch from {
		case WorksheetToBeVerified:
			return WorksheetVerified, nil
		case WorksheetOpen, WorksheetVerified, WorksheetClosed:
			return from, fmt.Errorf("%w: worksheet is not awaiting verification (status %s)", ErrInvalidTransition, from)
		}
	case actionClose:
		switch from {
		case WorksheetVerified:
			return WorksheetClosed, nil
		case WorksheetOpen, WorksheetToBeVerified, WorksheetClosed:
			return from, fmt.Errorf("%w: only verified worksheets can be closed (status %s)", ErrInvalidTransition, from)
		}
	}
	return from, fmt.Errorf("%w: unknown worksheet status %q for %s", ErrInvalidTransition, from, action)
}

// WorksheetProgress is the rounded percentage of verified results among the
// results that belong to the worksheet's samples. It returns 0 when the
// worksheet has no samples or no relevant results.
func WorksheetProgress(ws Worksheet, results []Result) int {
	if len(ws.SampleIDs) == 0 {
		return 0
	}
	members := make(map[string]struct{}, len(ws.SampleIDs))
	for _, id := range ws.SampleIDs {
		members[id] = struct{}{}
	}
	var total, verified int
	for _, r := range results {
		if _, ok := members[r.SampleID]; !ok {
			continue
		}
		total++
		if r.Status == ResultVerified {
			verified++
		}
	}
	if total == 0 {
		return 0
	}
	return int(math.Round(100 * float64(verified) / float64(total)))
}
