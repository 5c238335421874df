//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"strings"
	"time"

	"launcher-ate/internal/events"
)

// message is one MQTT publish.
type message struct {
	Topic    string
	Payload  []byte
	Retained bool
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
	StateTopic        string   `json:"state_topic"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	Device            haDevice `json:"device"`
}

// topicSegment makes s safe as a single MQTT topic level.
func topicSegment(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' || r == '.' {
			return r
		}
		return '_'
	}, s)
}

// eventPayload is the JSON body published for an event.
func eventPayload(e events.Event) []byte {
	body := make(map[string]any, len(e.Data)+3)
	for k, v := range e.Data {
		body[k] = v
	}
	body["event"] = e.Type
	body["seq"] = e.Seq
	body["time"] = e.Time.Format(time.RFC3339Nano)
	return mustJSON(body)
}

// buildMessages maps a lifecycle event to the publishes it causes. campaign
// is the ID of the campaign in progress, used for step events which do not
// carry it.
func buildMessages(prefix, campaign string, e events.Event) []message {
	d := e.Data

	switch e.Type {
	case events.CampaignStarted:
		id := topicSegment(d.String("id"))
		return []message{
			{Topic: prefix + "/campaign/" + id + "/started", Payload: eventPayload(e)},
			{Topic: prefix + "/campaign/current", Payload: []byte(d.String("id")), Retained: true},
		}
	case events.CampaignFinished:
		id := topicSegment(d.String("id"))
		payload := eventPayload(e)
		return []message{
			{Topic: prefix + "/campaign/" + id + "/finished", Payload: payload, Retained: true},
			{Topic: prefix + "/campaign/last", Payload: payload, Retained: true},
			{Topic: prefix + "/campaign/current", Payload: []byte{}, Retained: true},
		}
	case events.StepStarted, events.StepFinished:
		if campaign == "" {
			return nil
		}
		phase := "started"
		if e.Type == events.StepFinished {
			phase = "finished"
		}
		topic := prefix + "/campaign/" + topicSegment(campaign) + "/" + topicSegment(d.String("kind")) + "/" + topicSegment(d.String("name")) + "/" + phase
		return []message{{Topic: topic, Payload: eventPayload(e)}}
	case events.StateChanged:
		return []message{{Topic: prefix + "/state", Payload: []byte(d.String("state")), Retained: true}}
	case events.PortConfirmed, events.PortRejected:
		key := d.String("serial")
		if key == "" {
			key = d.String("port")
		}
		return []message{{Topic: prefix + "/ports/" + topicSegment(key), Payload: eventPayload(e), Retained: true}}
	case events.ReportAppended:
		id := d.String("id")
		if id == "" {
			id = campaign
		}
		if id == "" {
			return nil
		}
		return []message{{Topic: prefix + "/campaign/" + topicSegment(id) + "/report", Payload: eventPayload(e), Retained: true}}
	}
	return nil
}

// buildDiscovery returns HA discovery configs for the bench: the orchestrator
// state and the verdict of the last campaign.
func buildDiscovery(discoveryPrefix, prefix, node string) []message {
	nodeID := "launcher_ate_" + topicSegment(node)
	dev := haDevice{
		Identifiers: []string{nodeID},
		Model:       "launcher-ate",
		Name:        "Launcher ATE " + node,
	}
	avail := prefix + "/bridge/state"

	state := haDiscovery{
		Name:              dev.Name + " State",
		UniqueID:          nodeID + "_state",
		StateTopic:        prefix + "/state",
		AvailabilityTopic: avail,
		Device:            dev,
	}
	verdict := haDiscovery{
		Name:              dev.Name + " Last Campaign",
		UniqueID:          nodeID + "_last_campaign",
		StateTopic:        prefix + "/campaign/last",
		AvailabilityTopic: avail,
		ValueTemplate:     "{{ 'ON' if value_json.passed else 'OFF' }}",
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		Device:            dev,
	}
	return []message{
		{Topic: discoveryPrefix + "/sensor/" + nodeID + "/state/config", Payload: mustJSON(state), Retained: true},
		{Topic: discoveryPrefix + "/binary_sensor/" + nodeID + "/last_campaign/config", Payload: mustJSON(verdict), Retained: true},
	}
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
