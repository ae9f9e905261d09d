package delivery

import "fmt"

// TopicSet holds the broker subjects for one desk unit, derived from the
// configured prefix and subject ID.
type TopicSet struct {
	Status    string // outbound presence status
	Heartbeat string // outbound liveness
	Messages  string // inbound requests and notifications
	Responses string // outbound responses to inbound requests
	Acks      string // inbound delivery acknowledgements
	Sightings string // inbound beacon sightings from the BLE relay
}

// NewTopicSet builds the subjects, e.g. prefix "consultease/faculty" and
// subject "1" yields "consultease/faculty/1/status" and so on.
func NewTopicSet(prefix, subjectID string) TopicSet {
	base := fmt.Sprintf("%s/%s", prefix, subjectID)
	return TopicSet{
		Status:    base + "/status",
		Heartbeat: base + "/heartbeat",
		Messages:  base + "/messages",
		Responses: base + "/responses",
		Acks:      base + "/acks",
		Sightings: base + "/sightings",
	}
}
