//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"
)

const service = "zigbee"

// topics are the MQTT topics of the service under one prefix.
type topics struct {
	prefix  string
	service string // online/offline, retained, also the last will
	status  string // structural snapshot, retained
	event   string // device lifecycle events
	command string // inbound commands
}

func newTopics(prefix string) topics {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		prefix = "homed"
	}
	return topics{
		prefix:  prefix,
		service: prefix + "/service/" + service,
		status:  prefix + "/status/" + service,
		event:   prefix + "/event/" + service,
		command: prefix + "/command/" + service,
	}
}

// device returns the property topic of a device.
func (t topics) device(name string) string {
	return t.prefix + "/fd/" + service + "/" + name
}

// Command actions.
const (
	actionRemoveDevice     = "removeDevice"
	actionSetupDevice      = "setupDevice"
	actionSetDeviceName    = "setDeviceName"
	actionTogglePermitJoin = "togglePermitJoin"
)

// command is a message on the command topic.
type command struct {
	Action  string `json:"action"`
	Device  string `json:"device,omitempty"`
	Name    string `json:"name,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"`
}

func parseCommand(payload []byte) (command, error) {
	var cmd command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return cmd, fmt.Errorf("decode command: %w", err)
	}
	switch cmd.Action {
	case actionRemoveDevice, actionSetupDevice, actionSetDeviceName:
		if cmd.Device == "" {
			return cmd, fmt.Errorf("%s: device is required", cmd.Action)
		}
	case actionTogglePermitJoin:
	case "":
		return cmd, fmt.Errorf("action is required")
	default:
		return cmd, fmt.Errorf("%w: %q", errUnknownAction, cmd.Action)
	}
	return cmd, nil
}
