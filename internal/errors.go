package minstrel

import "errors"

var (
	ErrReadConfigurationFailure = errors.New("failed to read configuration")
	ErrLoadConfigurationFailure = errors.New("failed to load configuration")

	ErrInvalidHeartbeatInterval = errors.New("gateway sent an invalid heartbeat interval")
	ErrFatalClosure             = errors.New("gateway closed with an unrecoverable code")

	ErrAlreadyConnected = errors.New("a player already exists for this guild")
	ErrNoPlayer         = errors.New("no player exists for this guild")
	ErrNothingPlaying   = errors.New("nothing is playing")

	ErrNodeRequestFailed = errors.New("audio node request failed")
)
