package domain

import "errors"

// ErrNoPageLink indicates the episode has no usable page link, so no task can be built
var ErrNoPageLink = errors.New("episode has no usable page link")

// ErrNetwork wraps failed page or media requests (transport errors, non-2xx, timeouts)
var ErrNetwork = errors.New("network error")

// ErrDecoding indicates a missing or unsupported charset, or an undecodable page body
var ErrDecoding = errors.New("decoding error")

// ErrExtraction indicates the episode page carries no audio source element
var ErrExtraction = errors.New("no audio source located")

// ErrFilesystem wraps directory creation and final move failures
var ErrFilesystem = errors.New("filesystem error")

// ErrCancelled marks a task that observed its cancellation before completing
var ErrCancelled = errors.New("download cancelled")
