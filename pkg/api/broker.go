package api

import "github.com/goccy/go-json"

type (
	// RequestSessionRequest carries the resource descriptor a requester
	// wants a provider to acquire. The broker treats it as opaque.
	RequestSessionRequest struct {
		Conf json.RawMessage `json:"conf,omitempty"`
	}
	// BeginSessionRequest instructs a provider to acquire its resource.
	BeginSessionRequest struct {
		Sid  string          `json:"sid"`
		Conf json.RawMessage `json:"conf,omitempty"`
	}
	SessionStartResponse struct {
		Sid string `json:"sid"`
	}
	StatusResponse = string
)

const StatusWaiting = "waiting"
