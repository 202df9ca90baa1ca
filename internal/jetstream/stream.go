package jetstream

import (
	"strings"
	"time"

	nats "github.com/nats-io/nats.go"
)

const (
	StreamName    = "RELAY"
	SubjectPrefix = "relay.delivery."
	// DeliverySubjects matches every delivery summary subject.
	DeliverySubjects = SubjectPrefix + "*"
)

func EnsureStream(js nats.JetStreamContext) error {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{DeliverySubjects},
		Storage:    nats.FileStorage,
		MaxAge:     24 * time.Hour,
		Retention:  nats.WorkQueuePolicy,
		Duplicates: 2 * time.Minute,
	})
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return err
	}
	return nil
}

var subjectToken = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "\t", "_", "\r", "_", "\n", "_")

// DeliverySubject is the subject a stream's summary is published on. Stream
// ids are client-chosen, so characters with meaning in subjects are masked.
func DeliverySubject(streamID string) string {
	if streamID == "" {
		streamID = "_"
	}
	return SubjectPrefix + subjectToken.Replace(streamID)
}
