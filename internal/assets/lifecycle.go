package assets

import (
	"errors"
	"fmt"

	"thirdcoast.systems/postmedia/internal/db"
)

var ErrIllegalTransition = errors.New("illegal asset transition")

type event string

const (
	eventAcquire event = "acquire"
	eventRelease event = "release"
	eventReady   event = "ready"
	eventFail    event = "fail"
)

type TransitionError struct {
	From     db.AssetStatus
	Refcount int32
	Event    string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: cannot %s asset in status %s with refcount %d", ErrIllegalTransition, e.Event, e.From, e.Refcount)
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }

// Lifecycle is the status and reference count of a source asset. Its fields
// are only changed through the transition methods, which reject anything the
// state machine does not allow:
//
//	pending --ready--> ready
//	pending --fail---> failed
//	pending|ready --acquire--> same status, refcount+1
//	any live status --release--> refcount-1, removed once it reaches 0
//
// removed is terminal.
type Lifecycle struct {
	status   db.AssetStatus
	refcount int32
}

// NewLifecycle returns the lifecycle of a freshly created asset.
func NewLifecycle() Lifecycle {
	return Lifecycle{status: db.AssetStatusPending}
}

// LifecycleOf reads the lifecycle stored on an asset row.
func LifecycleOf(a *db.SourceAsset) (Lifecycle, error) {
	switch a.Status {
	case db.AssetStatusPending, db.AssetStatusReady, db.AssetStatusFailed, db.AssetStatusRemoved:
	default:
		return Lifecycle{}, fmt.Errorf("unknown asset status %q", a.Status)
	}
	if a.Refcount < 0 {
		return Lifecycle{}, fmt.Errorf("negative refcount %d on asset", a.Refcount)
	}
	return Lifecycle{status: a.Status, refcount: a.Refcount}, nil
}

func (l Lifecycle) Status() db.AssetStatus { return l.status }
func (l Lifecycle) Refcount() int32        { return l.refcount }

// Reusable reports whether new references may attach to the asset.
func (l Lifecycle) Reusable() bool {
	return l.status == db.AssetStatusPending || l.status == db.AssetStatusReady
}

// Purgeable reports whether the cleanup sweep may delete the asset row.
func (l Lifecycle) Purgeable() bool {
	return l.status == db.AssetStatusRemoved && l.refcount <= 0
}

func (l Lifecycle) illegal(e event) error {
	return &TransitionError{From: l.status, Refcount: l.refcount, Event: string(e)}
}

// Acquire adds one reference.
func (l Lifecycle) Acquire() (Lifecycle, error) {
	if !l.Reusable() {
		return l, l.illegal(eventAcquire)
	}
	l.refcount++
	return l, nil
}

// Release drops one reference. The asset becomes removed when the last
// reference goes.
func (l Lifecycle) Release() (Lifecycle, error) {
	if l.status == db.AssetStatusRemoved || l.refcount <= 0 {
		return l, l.illegal(eventRelease)
	}
	l.refcount--
	if l.refcount == 0 {
		l.status = db.AssetStatusRemoved
	}
	return l, nil
}

func (l Lifecycle) MarkReady() (Lifecycle, error) {
	if l.status != db.AssetStatusPending {
		return l, l.illegal(eventReady)
	}
	l.status = db.AssetStatusReady
	return l, nil
}

func (l Lifecycle) MarkFailed() (Lifecycle, error) {
	if l.status != db.AssetStatusPending {
		return l, l.illegal(eventFail)
	}
	l.status = db.AssetStatusFailed
	return l, nil
}
