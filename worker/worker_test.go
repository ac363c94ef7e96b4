package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sequencer/models"
	"sequencer/sequence"
)

func quietLogger() *logrus.Entry {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(log)
}

func TestReplyReferences(t *testing.T) {
	header := "From: Ada <ada@example.com>\r\n" +
		"Subject: Re: Welcome\r\n" +
		"In-Reply-To: <m3@acme.com>\r\n" +
		"References: <m1@acme.com> <m2@acme.com>\r\n" +
		"\t<m3@acme.com>\r\n" +
		"\r\n"

	refs, err := ReplyReferences(strings.NewReader(header))
	require.NoError(t, err)
	assert.Equal(t, []string{"m3@acme.com", "m2@acme.com", "m1@acme.com"}, refs)

	refs, err = ReplyReferences(strings.NewReader("Subject: hello\r\n\r\n"))
	require.NoError(t, err)
	assert.Empty(t, refs)
}

type fakeRecorder struct {
	known map[string]bool
	fail  error
	calls []sequence.EngagementInput
}

func (f *fakeRecorder) RecordReply(_ context.Context, in sequence.EngagementInput) (sequence.EventResult, error) {
	f.calls = append(f.calls, in)
	if f.fail != nil {
		return sequence.EventResult{}, f.fail
	}
	if !f.known[in.MessageID] {
		return sequence.EventResult{}, sequence.ErrNotFound
	}
	return sequence.EventResult{Recorded: true, Stopped: true}, nil
}

func TestReplyWorker_HandleMessage(t *testing.T) {
	header := "In-Reply-To: <foreign@other.com>\r\nReferences: <m1@acme.com> <foreign@other.com>\r\n\r\n"
	sender := &models.Sender{WorkspaceID: 4}
	env := &imap.Envelope{
		Date:    time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		Subject: "Re: Welcome",
		From:    []*imap.Address{{MailboxName: "ada", HostName: "example.com"}},
	}

	rec := &fakeRecorder{known: map[string]bool{"m1@acme.com": true}}
	rw := NewReplyWorker(nil, rec, "secret", time.Minute, quietLogger())
	ok, err := rw.handleMessage(context.Background(), sender, strings.NewReader(header), env)
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, rec.calls, 2)
	assert.Equal(t, "foreign@other.com", rec.calls[0].MessageID)
	last := rec.calls[1]
	assert.Equal(t, "m1@acme.com", last.MessageID)
	assert.Equal(t, uint(4), last.WorkspaceID)
	assert.Equal(t, env.Date, last.OccurredAt)
	assert.Equal(t, "ada@example.com", last.Metadata["from"])

	rec = &fakeRecorder{}
	rw = NewReplyWorker(nil, rec, "secret", time.Minute, quietLogger())
	ok, err = rw.handleMessage(context.Background(), sender, strings.NewReader(header), env)
	require.NoError(t, err)
	assert.False(t, ok)

	rec = &fakeRecorder{fail: errors.New("db down")}
	rw = NewReplyWorker(nil, rec, "secret", time.Minute, quietLogger())
	_, err = rw.handleMessage(context.Background(), sender, strings.NewReader(header), env)
	assert.Error(t, err)
}

type fakeProcessor struct {
	mu     sync.Mutex
	passes int
	sweeps int
	ran    chan struct{}
}

func (f *fakeProcessor) RunPass(context.Context) (sequence.PassResult, error) {
	f.mu.Lock()
	f.passes++
	f.mu.Unlock()
	select {
	case f.ran <- struct{}{}:
	default:
	}
	return sequence.PassResult{Processed: 1, Succeeded: 1}, nil
}

func (f *fakeProcessor) SweepScores(context.Context) (sequence.SweepResult, error) {
	f.mu.Lock()
	f.sweeps++
	f.mu.Unlock()
	return sequence.SweepResult{}, nil
}

func TestSequenceWorker_RunsImmediatelyAndStops(t *testing.T) {
	proc := &fakeProcessor{ran: make(chan struct{}, 1)}
	sw := NewSequenceWorker(proc, time.Hour, time.Hour, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sw.Start(ctx)
		close(done)
	}()

	select {
	case <-proc.ran:
	case <-time.After(2 * time.Second):
		t.Fatal("first pass did not run")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}

	proc.mu.Lock()
	defer proc.mu.Unlock()
	assert.Equal(t, 1, proc.passes)
	assert.Equal(t, 0, proc.sweeps)
}
