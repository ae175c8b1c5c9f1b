package dispatch

import (
	"errors"
	"fmt"
)

// Stage names the step of a firing that failed.
type Stage string

const (
	StageResolve Stage = "resolve"
	StageLoad    Stage = "load"
	StageCatalog Stage = "catalog"
	StageSelect  Stage = "select"
	StageSend    Stage = "send"
	StagePersist Stage = "persist"
)

// ErrNothingToPost marks a firing that found no subscription or no decks.
var ErrNothingToPost = errors.New("nothing to post")

type FireError struct {
	Stage     Stage
	ChannelID string
	Err       error
}

func (e *FireError) Error() string {
	return fmt.Sprintf("fire %s: %s: %v", e.ChannelID, e.Stage, e.Err)
}

func (e *FireError) Unwrap() error { return e.Err }

func stageErr(stage Stage, channelID string, err error) error {
	return &FireError{Stage: stage, ChannelID: channelID, Err: err}
}

// StageOf returns the stage of a *FireError in err's chain, or "".
func StageOf(err error) Stage {
	var fe *FireError
	if errors.As(err, &fe) {
		return fe.Stage
	}
	return ""
}
