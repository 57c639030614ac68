package email

import (
	"context"
	"errors"
	"net/textproto"
	"strings"
	"testing"

	outboxdomain "github.com/smallbiznis/sitebridge/internal/outbox/domain"
	"github.com/stretchr/testify/assert"
)

func TestClassifySMTP(t *testing.T) {
	assert.NoError(t, classifySMTP(nil))

	permanent := classifySMTP(&textproto.Error{Code: 550, Msg: "mailbox unavailable"})
	assert.Equal(t, outboxdomain.ClassPermanent, outboxdomain.Classify(permanent))

	busy := classifySMTP(&textproto.Error{Code: 421, Msg: "try again later"})
	assert.NotEqual(t, outboxdomain.ClassPermanent, outboxdomain.Classify(busy))
}

func TestRenderHeaders(t *testing.T) {
	p := NewSMTP(Config{Host: "localhost", Port: 1025, From: "no-reply@sitebridge.local"})
	raw := string(p.render(Message{To: []string{"a@example.com", "b@example.com"}, Subject: "RFI #12 answered", HTML: "<p>hi</p>"}))

	assert.Contains(t, raw, "From: no-reply@sitebridge.local\r\n")
	assert.Contains(t, raw, "To: a@example.com, b@example.com\r\n")
	assert.Contains(t, raw, "Subject: RFI #12 answered\r\n")
	assert.True(t, strings.HasSuffix(raw, "\r\n\r\n<p>hi</p>"))
}

func TestSendWithoutRecipientsIsPermanent(t *testing.T) {
	err := NewSMTP(Config{Host: "localhost", Port: 1025}).Send(context.Background(), Message{Subject: "x"})
	assert.Equal(t, outboxdomain.ClassPermanent, outboxdomain.Classify(err))
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	assert.NoError(t, r.Send(context.Background(), Message{To: []string{"a@example.com"}}))
	assert.Len(t, r.Sent(), 1)

	r.Err = errors.New("down")
	assert.Error(t, r.Send(context.Background(), Message{}))
	assert.Len(t, r.Sent(), 1)
}
