package pipeline

import (
	"errors"
	"fmt"
)

// Error kinds. Match them with errors.Is.
var (
	ErrNoFaceDetected    = errors.New("no face detected")
	ErrAlignmentFailed   = errors.New("alignment failed")
	ErrDimensionMismatch = errors.New("dimension mismatch")
	ErrModelInference    = errors.New("model inference error")
)

// Side names the image of a verification pair.
type Side string

const (
	SideGallery Side = "gallery"
	SideProbe   Side = "probe"
)

// Stage names the pipeline step that failed.
type Stage string

const (
	StageValidate Stage = "validate"
	StageDetect   Stage = "detect"
	StageAlign    Stage = "align"
	StageExtract  Stage = "extract"
)

// Error is returned by ProcessImage and Verify. Side is empty for
// ProcessImage.
type Error struct {
	Side  Side
	Stage Stage
	Kind  error
	Err   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := string(e.Stage) + ": " + e.Kind.Error()
	if e.Side != "" {
		msg = string(e.Side) + " " + msg
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e == nil {
		return nil
	}
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func stageError(stage Stage, kind, cause error) *Error {
	return &Error{Stage: stage, Kind: kind, Err: cause}
}

func withSide(side Side, err error) error {
	var pe *Error
	if errors.As(err, &pe) && pe.Side == "" {
		tagged := *pe
		tagged.Side = side
		return &tagged
	}
	return err
}
