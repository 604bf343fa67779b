package types

import "encoding/json"

// Client -> Server
// users/join:
//   data: Participant
//
// users/list:
//   data: Participant (the caller)
//
// users/ready:
//   data: { ... } relayed to the caller's team
//
// role_instances/delete:
//   id: number // user id of the removed participant
//
// communications/send, points/send:
//   sender: Participant
//   recipient_team_name: string
//   recipient_role_name: string
//
// points/spend:
//   team_name: string
//   role_name: string
//   supply_points: number
//
// timer/get_finish_time: {}
//
// Anything else is relayed unmodified to every connection in the game.

// Server -> Client
// users/join, users/leave:
//   data: Participant
//
// users/list:
//   data: Participant[]
//
// timer/get_finish_time:
//   finish_time: number // unix seconds
//
// timer/update:
//   finish_time: number
//   remaining_seconds: number
//
// errors/denied (only when error replies are enabled):
//   channel: string
//   action: string
//   reason: string

// Envelope is the frame exchanged in both directions over the socket.
type Envelope struct {
	Channel string          `json:"channel"`
	Action  string          `json:"action"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an Envelope.
func NewEnvelope(channel, action string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Channel: channel, Action: action, Data: raw}, nil
}
