package ws

import (
	"encoding/json"
	"fmt"

	"github.com/cwrk-planet/watch-party/internal/protocol"
)

func errorEnvelope(format string, args ...any) protocol.Envelope {
	env, _ := protocol.Encode(protocol.EventError, protocol.ErrorPayload{Message: fmt.Sprintf(format, args...)})
	return env
}

// withRoom pins the roomId of a relayed payload to the sender's room so a
// member cannot address another room through its connection.
func withRoom(raw json.RawMessage, roomID string) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, err
		}
	}
	id, err := json.Marshal(roomID)
	if err != nil {
		return nil, err
	}
	fields["roomId"] = id
	return json.Marshal(fields)
}
