// Package proctoring turns infraction strikes into consequences. The exam
// engine only counts strikes; what a count means is decided here.
package proctoring

import (
	"context"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/mind-engage/mindengage-cbt/internal/exam"
)

type Action string

const (
	ActionWarn   Action = "warn"
	ActionSubmit Action = "submit"
)

func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case "", ActionWarn:
		return ActionWarn, nil
	case ActionSubmit:
		return ActionSubmit, nil
	}
	return "", errors.Errorf("unknown strike action %q", s)
}

// Submitter is the part of the exam service the policy may call.
type Submitter interface {
	Submit(ctx context.Context, examID, studentID string) (exam.Result, error)
}

// StrikePolicy acts once when a student's strike count reaches Threshold.
type StrikePolicy struct {
	Threshold int
	Action    Action
	Submitter Submitter
}

func (p *StrikePolicy) Handle(ctx context.Context, e exam.Event) error {
	if e.Type != exam.EventInfractionRecorded || p.Threshold <= 0 || e.Strikes != p.Threshold {
		return nil
	}
	switch p.Action {
	case ActionSubmit:
		if p.Submitter == nil {
			return errors.New("strike policy: no submitter")
		}
		r, err := p.Submitter.Submit(ctx, e.ExamID, e.StudentID)
		if err != nil {
			return errors.Wrapf(err, "auto-submit %s", e.Key())
		}
		glog.Warningf("%s auto-submitted after %d strikes: %d/%d", e.Key(), e.Strikes, r.Score, r.Total)
	default:
		glog.Warningf("%s reached %d strikes (last: %s)", e.Key(), e.Strikes, e.Reason)
	}
	return nil
}

var _ exam.EventSink = (*StrikePolicy)(nil)
