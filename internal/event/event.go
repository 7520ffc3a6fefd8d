package event

import "time"

// Type identifies the kind of event.
type Type int

const (
	DepotStarted Type = iota + 1
	DepotVerified
	DepotCompleted
	DepotFailed
	FileVerified
	FileQueued
	FileCompleted
	FileFailed
	ChunkCompleted
	ChunkFailed
	OverwriteDetected
)

var typeNames = [...]string{
	DepotStarted:      "DepotStarted",
	DepotVerified:     "DepotVerified",
	DepotCompleted:    "DepotCompleted",
	DepotFailed:       "DepotFailed",
	FileVerified:      "FileVerified",
	FileQueued:        "FileQueued",
	FileCompleted:     "FileCompleted",
	FileFailed:        "FileFailed",
	ChunkCompleted:    "ChunkCompleted",
	ChunkFailed:       "ChunkFailed",
	OverwriteDetected: "OverwriteDetected",
}

func (t Type) String() string {
	if t > 0 && int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "Unknown"
}

// Event represents a single progress event from the engine.
type Event struct {
	Type      Type
	Timestamp time.Time
	DepotID   uint32
	PrevDepot uint32 // OverwriteDetected: the superseded owner
	Path      string // path relative to the install root
	Offset    int64  // chunk offset (chunk events)
	Size      int64  // bytes fetched or verified
	Attempt   int    // fetch attempt number (chunk events)
	Error     error
}
