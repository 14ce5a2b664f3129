package confchan

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"balancebot/internal/config"
	"balancebot/internal/pid"
	"balancebot/internal/state"
	"balancebot/internal/supervisor"
)

type fakeTuner struct {
	mu      sync.Mutex
	cur     config.Tuning
	applied []config.Tuning
	err     error
}

func (f *fakeTuner) ApplyTuning(t config.Tuning) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.applied = append(f.applied, t)
	if t.YawPID != nil {
		f.cur.YawPID = t.YawPID
	}
	return nil
}

func (f *fakeTuner) Tuning() config.Tuning {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cur
}

func newTuner() *fakeTuner {
	return &fakeTuner{cur: config.TuningOf(config.Default())}
}

func TestHandle(t *testing.T) {
	tu := newTuner()
	var persisted []config.Tuning
	c := &Channel{tuner: tu, persist: func(t config.Tuning) error {
		persisted = append(persisted, t)
		return nil
	}}

	r := c.Handle(nil)
	require.True(t, r.OK)
	require.Equal(t, pid.Gains{Kp: 25, Ki: 100, Kd: 2}, *r.Tuning.YawPID)

	r = c.Handle([]byte(`{"yaw":{"Kp":1,"Ki":2,"Kd":3}}`))
	require.True(t, r.OK, r.Error)
	require.Equal(t, pid.Gains{Kp: 1, Ki: 2, Kd: 3}, *r.Tuning.YawPID)
	require.Empty(t, persisted)

	r = c.Handle([]byte(`{"yaw":{"Kp":4,"Ki":5,"Kd":6},"persist":true}`))
	require.True(t, r.OK, r.Error)
	require.Len(t, persisted, 1)
	require.Equal(t, pid.Gains{Kp: 4, Ki: 5, Kd: 6}, *persisted[0].YawPID)

	r = c.Handle([]byte(`{"yaw":{"Kp":1},"bogus":1}`))
	require.False(t, r.OK)
	require.Contains(t, r.Error, "unknown key")

	tu.err = errors.New("config fault: tuning: lqr.r must be > 0")
	r = c.Handle([]byte(`{"lqr":{"Q":[1,1,1,1],"R":0}}`))
	require.False(t, r.OK)
	require.Equal(t, "config fault: tuning: lqr.r must be > 0", r.Error)
	require.Len(t, tu.applied, 2)
}

func TestHandle_PersistFailure(t *testing.T) {
	c := &Channel{tuner: newTuner(), persist: func(config.Tuning) error { return errors.New("read-only fs") }}
	r := c.Handle([]byte(`{"yaw":{"Kp":1,"Ki":1,"Kd":1},"persist":true}`))
	require.False(t, r.OK)
	require.Equal(t, "applied but not saved: read-only fs", r.Error)
}

func TestChannel_RequestReply(t *testing.T) {
	b, err := StartBroker("127.0.0.1:0")
	require.NoError(t, err)
	defer b.Close()

	st := state.NewStore()
	st.Publish(state.Snapshot{Tick: 9, Mode: supervisor.Engaged})
	tu := newTuner()
	ch, err := Connect(Config{URL: b.URL(), ConfigSubject: "bb.config", StateSubject: "bb.state"}, tu, st, nil)
	require.NoError(t, err)
	defer ch.Close()

	nc, err := nats.Connect(b.URL())
	require.NoError(t, err)
	defer nc.Close()

	msg, err := nc.Request("bb.config", []byte(`{"yaw":{"Kp":7,"Ki":8,"Kd":9}}`), 2*time.Second)
	require.NoError(t, err)
	var r Reply
	require.NoError(t, json.Unmarshal(msg.Data, &r))
	require.True(t, r.OK, r.Error)
	require.Equal(t, pid.Gains{Kp: 7, Ki: 8, Kd: 9}, *tu.Tuning().YawPID)

	msg, err = nc.Request("bb.config", []byte(`[1]`), 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(msg.Data, &r))
	require.False(t, r.OK)
	require.Equal(t, "invalid json: expected object", r.Error)

	msg, err = nc.Request("bb.state", nil, 2*time.Second)
	require.NoError(t, err)
	var snap state.Snapshot
	require.NoError(t, json.Unmarshal(msg.Data, &snap))
	require.EqualValues(t, 9, snap.Tick)
	require.Equal(t, supervisor.Engaged, snap.Mode)
}

func TestConnect_Errors(t *testing.T) {
	_, err := Connect(Config{URL: "nats://127.0.0.1:1"}, newTuner(), state.NewStore(), nil)
	require.EqualError(t, err, "confchan: subjects are required")

	_, err = Connect(Config{URL: "nats://127.0.0.1:1", ConfigSubject: "a", StateSubject: "b"}, newTuner(), state.NewStore(), nil)
	require.Error(t, err)
}

func TestStartBroker_BadListen(t *testing.T) {
	_, err := StartBroker("nope")
	require.Error(t, err)
}
