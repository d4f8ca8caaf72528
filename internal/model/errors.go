package model

import "errors"

var (
	errInvalidFinalResponse = errors.New("model: a final agent response must not carry actions")
	errMissingTitle         = errors.New("model: a final agent response must carry a title")
)
