package service

import "errors"

var (
	// ErrShardFailed wraps the failure that stopped an instrument's shard.
	// Every command is rejected with it until the shard is recovered.
	ErrShardFailed = errors.New("service: shard failed")

	// ErrClosed is returned for commands sent after Close.
	ErrClosed = errors.New("service: closed")
)
