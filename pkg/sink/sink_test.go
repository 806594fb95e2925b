package sink

import (
	"bytes"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/roffe/pidscan/pkg/pidscan"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu      sync.Mutex
	name    string
	results []pidscan.Result
	closed  bool
	block   chan struct{}
}

func (m *memSink) Name() string { return m.name }

func (m *memSink) Write(r pidscan.Result) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, r)
	return nil
}

func (m *memSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memSink) snapshot() ([]pidscan.Result, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]pidscan.Result(nil), m.results...), m.closed
}

func result(pid uint16, payload ...byte) pidscan.Result {
	return pidscan.Result{Session: "s1", Ecu: 0x7E4, PID: pid, Payload: payload, Time: time.Now()}
}

func quiet() *logrus.Entry {
	l, _ := test.NewNullLogger()
	return logrus.NewEntry(l)
}

func TestManagerFanOut(t *testing.T) {
	mgr := NewManager(quiet())
	a := &memSink{name: "a"}
	b := &memSink{name: "b"}
	mgr.Add(a)
	mgr.Add(b)

	for pid := uint16(0); pid < 5; pid++ {
		require.NoError(t, mgr.Push(result(pid, byte(pid))))
	}
	mgr.Close()

	for _, s := range []*memSink{a, b} {
		got, closed := s.snapshot()
		assert.True(t, closed, s.name)
		require.Len(t, got, 5, s.name)
		for i, r := range got {
			assert.Equal(t, uint16(i), r.PID)
		}
	}
	assert.ErrorIs(t, mgr.Push(result(9)), ErrClosed)
}

func TestManagerDropsSlowSink(t *testing.T) {
	logger, hook := test.NewNullLogger()
	mgr := NewManager(logrus.NewEntry(logger))
	defer mgr.Close()
	slow := &memSink{name: "slow", block: make(chan struct{})}
	mgr.Add(slow)

	// One result is held by Write, 100 fill the queue, the rest fail.
	for i := 0; i < 111; i++ {
		require.NoError(t, mgr.Push(result(uint16(i))))
	}
	require.Eventually(t, func() bool {
		for _, e := range hook.AllEntries() {
			if e.Level == logrus.ErrorLevel && strings.Contains(e.Message, "slow: removed") {
				return true
			}
		}
		return false
	}, 2*time.Second, time.Millisecond)

	close(slow.block)
	require.Eventually(t, func() bool {
		_, closed := slow.snapshot()
		return closed
	}, 2*time.Second, time.Millisecond)
	got, _ := slow.snapshot()
	assert.Less(t, len(got), 111)
}

func TestAddAfterClose(t *testing.T) {
	mgr := NewManager(quiet())
	mgr.Close()
	s := &memSink{name: "late"}
	mgr.Add(s)
	_, closed := s.snapshot()
	assert.True(t, closed)
}

func TestTable(t *testing.T) {
	tbl := NewTable(0)
	require.NoError(t, tbl.Write(result(0x20, 0xAA)))
	require.NoError(t, tbl.Write(result(0x03, 0x01, 0x02)))
	require.NoError(t, tbl.Write(result(0x20, 0xBB)))
	other := result(0x01, 0xFF)
	other.Ecu = 0x7E0
	require.NoError(t, tbl.Write(other))

	assert.Equal(t, 3, tbl.Len())
	r, ok := tbl.Get(0x7E4, 0x20)
	require.True(t, ok)
	assert.Equal(t, []byte{0xBB}, r.Payload)
	_, ok = tbl.Get(0x7E4, 0x21)
	assert.False(t, ok)

	entries := tbl.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, uint32(0x7E0), entries[0].Ecu)
	assert.Equal(t, uint16(0x03), entries[1].PID)
	assert.Equal(t, uint16(0x20), entries[2].PID)

	var buf bytes.Buffer
	require.NoError(t, tbl.Format(&buf))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "ECU"))
	assert.Contains(t, lines[2], "0003")
	assert.Contains(t, lines[2], "01 02")
	require.NoError(t, tbl.Close())
}

func TestTableExpiry(t *testing.T) {
	tbl := NewTable(20 * time.Millisecond)
	require.NoError(t, tbl.Write(result(1, 1)))
	assert.Equal(t, 1, tbl.Len())
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 0, tbl.Len())
	assert.Empty(t, tbl.Entries())
}

func TestCBORFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	c, err := NewCBORFile(dir, 0x7E4)
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(c.Filename()))
	assert.Contains(t, filepath.Base(c.Filename()), "pidscan-7E4-")

	in := []pidscan.Result{result(0, 0xAA), result(2, 0xBB, 0xCC), result(0x1234, make([]byte, 40)...)}
	for _, r := range in {
		require.NoError(t, c.Write(r))
	}
	require.NoError(t, c.Close())

	records, err := ReadCBORFile(c.Filename())
	require.NoError(t, err)
	require.Len(t, records, len(in))
	for i, rec := range records {
		assert.Equal(t, in[i].Session, rec.Session)
		assert.Equal(t, in[i].Ecu, rec.Ecu)
		assert.Equal(t, in[i].PID, rec.PID)
		assert.Equal(t, in[i].Payload, rec.Payload)
		assert.True(t, in[i].Time.Equal(rec.Time), "time %v != %v", in[i].Time, rec.Time)
	}
}

type fakeToken struct {
	err  error
	done chan struct{}
}

func newToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}         { return t.done }
func (t *fakeToken) Error() error { return t.err }

type fakePublisher struct {
	topics   []string
	payloads [][]byte
	err      error
}

func (p *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, payload.([]byte))
	return newToken(p.err)
}

func TestMQTTWrite(t *testing.T) {
	pub := &fakePublisher{}
	m := &MQTT{cfg: &MQTTConfig{Broker: "localhost:1883", Topic: "ovms/pidscan"}, pub: pub}

	require.NoError(t, m.Write(result(0x0102, 0x62, 0x01, 0x02, 0xAB)))
	require.Len(t, pub.topics, 1)
	assert.Equal(t, "ovms/pidscan/7E4/0102", pub.topics[0])

	var msg map[string]any
	require.NoError(t, json.Unmarshal(pub.payloads[0], &msg))
	assert.Equal(t, "7E4", msg["ecu"])
	assert.Equal(t, "0102", msg["pid"])
	assert.Equal(t, "620102AB", msg["payload"])
	assert.Equal(t, "s1", msg["session"])

	pub.err = errors.New("not connected")
	assert.ErrorContains(t, m.Write(result(1)), "not connected")
	require.NoError(t, m.Close())
}

func TestLogSink(t *testing.T) {
	logger, hook := test.NewNullLogger()
	l := NewLog(logrus.NewEntry(logger))
	require.NoError(t, l.Write(result(0x10, 0xDE, 0xAD)))
	require.Len(t, hook.AllEntries(), 1)
	e := hook.LastEntry()
	assert.Equal(t, "DE AD", e.Message)
	assert.Equal(t, "0010", e.Data["pid"])
	assert.Equal(t, "7E4", e.Data["ecu"])
}
