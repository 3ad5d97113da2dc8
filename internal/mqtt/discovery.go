//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/binary_sensor/pir_hallway/occupancy/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic,omitempty"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	EntityCategory    string   `json:"entity_category,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	PayloadPress      string   `json:"payload_press,omitempty"`
	Device            haDevice `json:"device"`
}

// topicName sanitizes a display name for use in MQTT topics: lowercase and
// only safe characters.
func topicName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, name)
}

// nodeID returns the unique identifier for the HA device registry.
func nodeID(name string) string {
	return "pir_" + topicName(name)
}

// buildDiscovery generates the HA discovery messages for the sensor: the
// occupancy binary sensor, a last-change timestamp, and one condense button
// per queue.
func buildDiscovery(name, prefix string) []discoveryMsg {
	avail := prefix + "/bridge/state"
	stateTopic := prefix + "/" + topicName(name)
	cmdTopic := stateTopic + "/set"
	node := nodeID(name)

	haDev := haDevice{
		Identifiers:  []string{node},
		Manufacturer: "pir-go-home",
		Model:        "Dual-queue PIR sensor",
		Name:         name,
	}

	msgs := []discoveryMsg{
		buildBinarySensor(node, name, stateTopic, avail, haDev,
			"occupancy", "Occupancy", "occupancy",
			"{{ 'ON' if value_json.occupancy else 'OFF' }}"),
		buildSensor(node, name, stateTopic, avail, haDev,
			"last_change", "Last Change", "timestamp",
			"{{ value_json.last_change }}"),
	}
	for _, q := range []string{"detect", "remove"} {
		msgs = append(msgs, buildButton(node, name, cmdTopic, avail, haDev,
			"condense_"+q, "Condense "+q+" queue",
			fmt.Sprintf(`{"condense":%q}`, q)))
	}
	return msgs
}

func buildBinarySensor(node, displayName, stateTopic, avail string, haDev haDevice,
	objectID, suffix, deviceClass, valueTmpl string) discoveryMsg {

	topic := fmt.Sprintf("homeassistant/binary_sensor/%s/%s/config", node, objectID)
	payload := haDiscovery{
		Name:              displayName + " " + suffix,
		UniqueID:          node + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     valueTmpl,
		DeviceClass:       deviceClass,
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildSensor(node, displayName, stateTopic, avail string, haDev haDevice,
	objectID, suffix, deviceClass, valueTmpl string) discoveryMsg {

	topic := fmt.Sprintf("homeassistant/sensor/%s/%s/config", node, objectID)
	payload := haDiscovery{
		Name:              displayName + " " + suffix,
		UniqueID:          node + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     valueTmpl,
		DeviceClass:       deviceClass,
		EntityCategory:    "diagnostic",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildButton(node, displayName, cmdTopic, avail string, haDev haDevice,
	objectID, suffix, press string) discoveryMsg {

	topic := fmt.Sprintf("homeassistant/button/%s/%s/config", node, objectID)
	payload := haDiscovery{
		Name:              displayName + " " + suffix,
		UniqueID:          node + "_" + objectID,
		CommandTopic:      cmdTopic,
		AvailabilityTopic: avail,
		PayloadPress:      press,
		EntityCategory:    "config",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

// buildRemoveDiscovery generates empty retained messages that remove the
// sensor's entities from HA.
func buildRemoveDiscovery(name string) []discoveryMsg {
	node := nodeID(name)
	components := []struct{ comp, obj string }{
		{"binary_sensor", "occupancy"},
		{"sensor", "last_change"},
		{"button", "condense_detect"},
		{"button", "condense_remove"},
	}

	var msgs []discoveryMsg
	for _, c := range components {
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/%s/%s/%s/config", c.comp, node, c.obj),
			Payload: nil, // empty retained = delete
		})
	}
	return msgs
}
