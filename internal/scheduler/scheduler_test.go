package scheduler

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kir-gadjello/zier-alpha/internal/config"
	"github.com/kir-gadjello/zier-alpha/internal/ingress"
)

type recordingBus struct {
	mu   sync.Mutex
	msgs []ingress.Message
}

func (b *recordingBus) Push(_ context.Context, m ingress.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, m)
	return nil
}

func (b *recordingBus) messages() []ingress.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ingress.Message(nil), b.msgs...)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		spec    string
		wantErr bool
	}{
		{"0 9 * * 1-5", false},
		{"*/30 * * * * *", false},
		{"@every 5m", false},
		{"@hourly", false},
		{"not a schedule", true},
		{"61 * * * *", true},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			err := Validate(tt.spec)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadJobsReportsBadEntries(t *testing.T) {
	s := New(&recordingBus{})
	errs := s.LoadJobs([]config.JobConfig{
		{Name: "digest", Schedule: "0 8 * * *", Prompt: "summarize"},
		{Name: "broken", Schedule: "whenever"},
		{Schedule: "@hourly"},
	})
	assert.Len(t, errs, 2)

	entries := s.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "digest", entries[0].Name)
	assert.Equal(t, "job", entries[0].Kind)
	next, err := time.ParseInLocation("2006-01-02 15:04:05", entries[0].Next, time.Local)
	require.NoError(t, err, "an unstarted scheduler still reports the next run")
	assert.True(t, next.After(time.Now()))
	assert.Equal(t, 8, next.Hour())
}

func TestTriggerPushesTrustedPayloads(t *testing.T) {
	bus := &recordingBus{}
	s := New(bus)
	require.Empty(t, s.LoadJobs([]config.JobConfig{{Name: "digest", Schedule: "@daily", Prompt: "summarize inbox"}}))
	require.NoError(t, s.RegisterScript("cleanup", "@daily", "/ws/scripts/cleanup.star"))

	require.NoError(t, s.Trigger("digest"))
	require.NoError(t, s.Trigger("script:cleanup"))
	assert.Error(t, s.Trigger("cleanup"))
	assert.Error(t, s.Trigger("nope"))

	msgs := bus.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "scheduler:digest", msgs[0].Source)
	assert.Equal(t, "EXECUTE_JOB: summarize inbox", msgs[0].Payload)
	assert.Equal(t, "scheduler:script:cleanup", msgs[1].Source)
	assert.True(t, strings.HasPrefix(msgs[1].Source, ScriptSource))
	assert.Equal(t, "EXECUTE_SCRIPT: /ws/scripts/cleanup.star", msgs[1].Payload)

	router := ingress.NewRouter(nil, nil)
	assert.Equal(t, ingress.TrustedEvent, router.Route(msgs[0]))
}

func TestRegisterScriptReplacesSameName(t *testing.T) {
	bus := &recordingBus{}
	s := New(bus)
	require.NoError(t, s.RegisterScript("sync", "@hourly", "/a.star"))
	require.NoError(t, s.RegisterScript("sync", "@daily", "/b.star"))
	require.Error(t, s.RegisterScript("sync", "bogus", "/c.star"))

	require.Len(t, s.Entries(), 1)
	require.NoError(t, s.Trigger("script:sync"))
	assert.Equal(t, "EXECUTE_SCRIPT: /b.star", bus.messages()[0].Payload)

	assert.True(t, s.Remove("script:sync"))
	assert.False(t, s.Remove("script:sync"))
	assert.Empty(t, s.Entries())
}

func TestScriptScheduleCannotReplaceOperatorJob(t *testing.T) {
	bus := &recordingBus{}
	s := New(bus)
	require.Empty(t, s.LoadJobs([]config.JobConfig{{Name: "digest", Schedule: "@daily", Prompt: "summarize inbox"}}))
	require.NoError(t, s.RegisterScript("digest", "@hourly", "/ws/scripts/evil.star"))
	assert.Error(t, s.RegisterScript("", "@hourly", "/ws/scripts/evil.star"))

	entries := s.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, Entry{Name: "digest", Kind: "job", Next: entries[0].Next}, entries[0])
	assert.Equal(t, "script:digest", entries[1].Name)
	assert.Equal(t, "script", entries[1].Kind)

	require.NoError(t, s.Trigger("digest"))
	msgs := bus.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "scheduler:digest", msgs[0].Source)
	assert.Equal(t, "EXECUTE_JOB: summarize inbox", msgs[0].Payload)
}

func TestStartFiresOnSchedule(t *testing.T) {
	bus := &recordingBus{}
	s := New(bus)
	require.NoError(t, s.RegisterScript("tick", "@every 1s", "/tick.star"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	assert.Eventually(t, func() bool { return len(bus.messages()) > 0 }, 3*time.Second, 50*time.Millisecond)
}
