// Package api defines the wire protocol between the broker and its peers.
//
// Each message is a JSON-encoded "packet" of the following structure:
//
//	id - (optional) a globally unique packet id;
//	 t - (required) one of the predefined unique packet types;
//	 p - (optional) packet payload with arbitrary data.
//
// Packets differentiate by their predefined types with which it is possible
// to unwrap the payload into distinct request/response data structures.
// The id field is used for tracking packets through a chain of network
// points, i.e. when a packet is passed from a requester to a provider and
// back through the broker.
package api

import "github.com/goccy/go-json"

type PT = uint8

// Packet codes:
//
//	x - broker to peer notifications
//	1xx - requester codes
//	2xx - provider codes
const (
	Status            PT = 2
	SessionStart      PT = 3
	SessionEnd        PT = 4
	RequestSession    PT = 100
	Signal            PT = 101
	InputEvent        PT = 102
	StopSession       PT = 104
	RegisterRequester PT = 105
	RegisterProvider  PT = 201
	OutputFrame       PT = 202
	BeginSession      PT = 203
)

func Name(t PT) string {
	switch t {
	case Status:
		return "Status"
	case SessionStart:
		return "SessionStart"
	case SessionEnd:
		return "SessionEnd"
	case RequestSession:
		return "RequestSession"
	case Signal:
		return "Signal"
	case InputEvent:
		return "InputEvent"
	case StopSession:
		return "StopSession"
	case RegisterRequester:
		return "RegisterRequester"
	case RegisterProvider:
		return "RegisterProvider"
	case OutputFrame:
		return "OutputFrame"
	case BeginSession:
		return "BeginSession"
	default:
		return "Unknown"
	}
}

func Unwrap[T any](data []byte) *T {
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		return nil
	}
	return out
}
