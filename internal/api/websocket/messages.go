package websocket

import (
	"time"

	"github.com/ursalabs/ursacore/internal/acquisition"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Telemetry messages
	MessageTypeCounts  MessageType = "counts"
	MessageTypeSpectra MessageType = "spectra"

	// Acquisition state messages
	MessageTypeAcquisitionState MessageType = "acquisition_state"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// CountsData is one count-rate sample on the wire
type CountsData struct {
	FrameLabel string `json:"frame_label"`
	Counts     uint32 `json:"counts"`
}

// SpectraData is one histogram sample on the wire
type SpectraData struct {
	FrameLabel string   `json:"frame_label"`
	Bins       []uint32 `json:"bins"`
}

// AcquisitionStateData represents an acquisition state change
type AcquisitionStateData struct {
	State    string `json:"state"`
	Previous string `json:"previous_state"`
}

// NewMessage creates a new message with the given timestamp
func NewMessage(msgType MessageType, ts time.Time, data interface{}) Message {
	return Message{
		Type:      msgType,
		Timestamp: ts,
		Data:      data,
	}
}

func NewCountsMessage(sample acquisition.CountSample) Message {
	return NewMessage(MessageTypeCounts, sample.Timestamp, CountsData{
		FrameLabel: sample.FrameLabel,
		Counts:     sample.Counts,
	})
}

func NewSpectraMessage(sample acquisition.SpectrumSample) Message {
	return NewMessage(MessageTypeSpectra, sample.Timestamp, SpectraData{
		FrameLabel: sample.FrameLabel,
		Bins:       sample.Bins,
	})
}

func NewAcquisitionStateMessage(current, previous acquisition.State) Message {
	return NewMessage(MessageTypeAcquisitionState, time.Now(), AcquisitionStateData{
		State:    string(current),
		Previous: string(previous),
	})
}
