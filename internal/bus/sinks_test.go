package bus

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

type recordingPublisher struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (p *recordingPublisher) Publish(subject string, data []byte) error {
	if p.err != nil {
		return p.err
	}
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	return nil
}

func TestEventWireFormat(t *testing.T) {
	ev := Event{
		Type:            EventWalletFound,
		Timestamp:       time.Date(2025, 10, 26, 10, 0, 0, 0, time.FixedZone("CET", 3600)),
		InvestigationID: "inv-9",
		Data:            Data{"address": "0xabc", "chain": "ETH"},
	}
	line, err := ev.JSONL()
	require.NoError(t, err)
	assert.NotContains(t, string(line), "\n")
	assert.Contains(t, string(line), `"timestamp":"2025-10-26T09:00:00Z"`)
	assert.Contains(t, string(line), `"event_type":"wallet_found"`)

	var back Event
	require.NoError(t, json.Unmarshal(line, &back))
	assert.Equal(t, ev.Type, back.Type)
	assert.True(t, ev.Timestamp.Equal(back.Timestamp))
	assert.Equal(t, "0xabc", back.Data.String("address"))

	empty, err := Event{Type: EventLog}.JSONL()
	require.NoError(t, err)
	assert.Contains(t, string(empty), `"data":{}`)
}

func TestUnmarshalNormalisesUnknownTypes(t *testing.T) {
	var ev Event
	require.NoError(t, json.Unmarshal([]byte(`{"event_type":"weird","timestamp":"2025-01-01T00:00:00Z","investigation_id":"x","data":{"n":3}}`), &ev))
	assert.Equal(t, EventLog, ev.Type)
	assert.Equal(t, 3, ev.Data.Int("n"))
	assert.Equal(t, 0, ev.Data.Int("missing"))

	assert.Error(t, json.Unmarshal([]byte(`{"event_type":"log","timestamp":"yesterday"}`), &ev))
}

func TestJSONLSinkWritesOneLinePerEvent(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONLSink(&buf)
	ctx := context.Background()
	require.NoError(t, sink.HandleEvent(ctx, Event{Type: EventLog, Data: Data{"msg": "a"}}))
	require.NoError(t, sink.HandleEvent(ctx, Event{Type: EventProgress}))

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"msg":"a"`)

	require.NoError(t, sink.Close())
	assert.ErrorIs(t, sink.HandleEvent(ctx, Event{Type: EventLog}), ErrSinkClosed)
}

func TestJSONLFileSinkAppendsPerInvestigation(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "events")
	sink, err := NewJSONLFileSink(dir, "inv-7")
	require.NoError(t, err)
	require.NoError(t, sink.HandleEvent(context.Background(), Event{Type: EventSiteStarted, InvestigationID: "inv-7"}))
	require.NoError(t, sink.Close())

	raw, err := os.ReadFile(filepath.Join(dir, "inv-7.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(raw), "\n"))
	assert.Contains(t, string(raw), `"site_started"`)
}

func TestWebSocketSinkSlowConsumerIsDetached(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := New("inv-ws", zaptest.NewLogger(t))
	defer b.Close()

	ws := NewWebSocketSink(2)
	b.AddSink(ws)
	for i := 0; i < 3; i++ {
		b.Emit(context.Background(), EventProgress, Data{"i": i})
	}
	assert.Equal(t, 0, b.SinkCount(), "overflowing the buffer detaches the sink")

	var frames int
	for range ws.Messages() {
		frames++
	}
	assert.Equal(t, 2, frames, "buffered frames stay readable and the channel is closed")
	assert.ErrorIs(t, ws.HandleEvent(context.Background(), Event{}), ErrSinkClosed)
}

func TestNATSSinkSubjects(t *testing.T) {
	pub := &recordingPublisher{}
	sink := NewNATSSink(pub, "scam.watch.")
	require.NoError(t, sink.HandleEvent(context.Background(), Event{Type: EventWalletFound, InvestigationID: "a.b c"}))
	require.Equal(t, []string{"scam.watch.a_b_c.wallet_found"}, pub.subjects)
	assert.Contains(t, string(pub.payloads[0]), `"investigation_id":"a.b c"`)

	def := NewNATSSink(pub, "")
	assert.Equal(t, "snare.events._.log", def.Subject(Event{Type: EventLog}))

	pub.err = errors.New("nats: connection closed")
	assert.Error(t, sink.HandleEvent(context.Background(), Event{Type: EventLog}))
}

func TestMemorySinkClear(t *testing.T) {
	s := NewMemorySink()
	_ = s.HandleEvent(context.Background(), Event{Type: EventLog})
	_ = s.HandleEvent(context.Background(), Event{Type: EventError})
	assert.Len(t, s.OfType(EventError), 1)
	s.Clear()
	assert.Equal(t, 0, s.Count())
}

func TestLoggingSinkNeverFails(t *testing.T) {
	s := NewLoggingSink(zaptest.NewLogger(t))
	assert.NoError(t, s.HandleEvent(context.Background(), Event{Type: EventLog, Data: Data{"msg": strings.Repeat("y", 500)}}))
	assert.NoError(t, NewLoggingSink(nil).HandleEvent(context.Background(), Event{}))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a := New("b-id", zaptest.NewLogger(t))
	z := New("a-id", zaptest.NewLogger(t))
	defer a.Close()
	defer z.Close()
	r.Register(a)
	r.Register(z)
	assert.Equal(t, []string{"a-id", "b-id"}, r.IDs())

	got, ok := r.Get("b-id")
	require.True(t, ok)
	assert.Same(t, a, got)

	replacement := New("b-id", zaptest.NewLogger(t))
	defer replacement.Close()
	r.Register(replacement)
	r.Remove(a)
	_, ok = r.Get("b-id")
	assert.True(t, ok, "stale removal leaves the replacement registered")
	r.Remove(replacement)
	_, ok = r.Get("b-id")
	assert.False(t, ok)
}

func TestParseGuidanceCommand(t *testing.T) {
	cmd, err := ParseGuidanceCommand([]byte(`{"action":"type","value":"hunter2","reason":"password field"}`))
	require.NoError(t, err)
	assert.Equal(t, GuidanceType, cmd.Action)
	assert.Equal(t, "hunter2", cmd.Value)

	_, err = ParseGuidanceCommand([]byte(`{"action":"goto"}`))
	assert.ErrorIs(t, err, ErrInvalidCommand)
	_, err = ParseGuidanceCommand([]byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidCommand)

	cmd, err = ParseGuidanceCommand([]byte(`{"action":"stop"}`))
	require.NoError(t, err)
	assert.Equal(t, GuidanceStop, cmd.Action)
}
