package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/nats-io/nats.go"
)

const (
	defaultStream  = "REVIEWLOG"
	defaultSubject = "reviewlog.event"
)

// NATSSink publishes notifications to a JetStream stream under
// <subject>.<event type>.
type NATSSink struct {
	conn    *nats.Conn
	js      nats.JetStreamContext
	subject string
}

// ConnectNATS dials url and makes sure the stream capturing subject exists.
func ConnectNATS(url, stream, subject string) (*NATSSink, error) {
	if stream == "" {
		stream = defaultStream
	}
	if subject == "" {
		subject = defaultSubject
	}
	conn, err := nats.Connect(url, nats.Name("reviewlog"))
	if err != nil {
		return nil, err
	}
	js, err := conn.JetStream()
	if err != nil {
		_ = conn.Drain()
		conn.Close()
		return nil, err
	}
	if err := EnsureStream(js, stream, subject+".>"); err != nil {
		_ = conn.Drain()
		conn.Close()
		return nil, err
	}
	return &NATSSink{conn: conn, js: js, subject: subject}, nil
}

// EnsureStream creates the stream if it does not exist yet.
func EnsureStream(js nats.JetStreamContext, name string, subjects ...string) error {
	_, err := js.StreamInfo(name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return err
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:      name,
		Subjects:  subjects,
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
		Replicas:  1,
	})
	return err
}

// Subject returns the subject a notification is published on.
func (s *NATSSink) Subject(n Notification) string {
	kind := string(n.Event.Type)
	if n.Error != "" {
		kind = "rejected"
	}
	if kind == "" || strings.ContainsAny(kind, ". *>") {
		kind = "unknown"
	}
	return s.subject + "." + kind
}

func (s *NATSSink) Publish(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(s.Subject(n))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, n.UserID+"/"+n.Event.ID)
	_, err = s.js.PublishMsg(msg, nats.Context(ctx))
	return err
}

func (s *NATSSink) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	err := s.conn.Drain()
	s.conn.Close()
	return err
}
