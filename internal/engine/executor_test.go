package engine

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/chanbind/internal/bus"
	"github.com/nextlevelbuilder/chanbind/internal/dispatch"
	"github.com/nextlevelbuilder/chanbind/internal/policy"
	"github.com/nextlevelbuilder/chanbind/internal/store"
)

type memRecorder struct {
	mu   sync.Mutex
	recs []*store.DecisionRecord
	err  error
}

func (m *memRecorder) Record(_ context.Context, rec *store.DecisionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return m.err
}

func newTestExecutor(opts ...Option) *Executor {
	base := []Option{WithDispatchOptions(dispatch.Options{InitialBackoff: time.Millisecond})}
	return New(policy.DefaultHandlers(), append(base, opts...)...)
}

func privateBinding() policy.Binding {
	return policy.Binding{
		ID:        "feishu-private",
		ChannelID: "feishu",
		AccountID: "default",
		Policy:    &policy.Spec{Type: policy.TypePrivate, Config: json.RawMessage(`{"allowedUsers":["u1"]}`)},
	}
}

func message(from, content string) *bus.MessageContext {
	return &bus.MessageContext{
		MessageID: "m1",
		ChannelID: "feishu",
		AccountID: "default",
		From:      from,
		Content:   content,
		Type:      "text",
		Timestamp: time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC),
	}
}

func TestExecute_PrivateEndToEnd(t *testing.T) {
	e := newTestExecutor()
	res, err := e.Execute(t.Context(), ExecutionContext{
		Message:  message("u2", "hi"),
		AgentID:  "agent-1",
		Bindings: []policy.Binding{privateBinding()},
	}, nil)
	require.NoError(t, err)

	assert.False(t, res.Allow)
	require.NotNil(t, res.PolicyResult)
	assert.NotEmpty(t, res.PolicyResult.AutoReply)
	assert.Nil(t, res.DispatchResult)
	require.NotNil(t, res.Binding)
	assert.Equal(t, BindingRef{ID: "feishu-private", PolicyType: policy.TypePrivate}, *res.Binding)
}

func TestExecute_PrivateAutoReplyDispatched(t *testing.T) {
	e := newTestExecutor()
	var sent []bus.RouteTarget
	send := func(_ context.Context, target bus.RouteTarget, _ *bus.MessageContext) error {
		sent = append(sent, target)
		return nil
	}
	res, err := e.Execute(t.Context(), ExecutionContext{
		Message:  message("u2", "hi"),
		Bindings: []policy.Binding{privateBinding()},
	}, send)
	require.NoError(t, err)

	assert.False(t, res.Allow)
	require.NotNil(t, res.DispatchResult)
	assert.Equal(t, 1, res.DispatchResult.Attempted)
	require.Len(t, sent, 1)
	assert.Equal(t, bus.RouteTarget{ChannelID: "feishu", AccountID: "default", To: "u2"}, sent[0])
}

func TestExecute_AllowedSenderNotDispatched(t *testing.T) {
	e := newTestExecutor()
	called := false
	send := func(context.Context, bus.RouteTarget, *bus.MessageContext) error {
		called = true
		return nil
	}
	res, err := e.Execute(t.Context(), ExecutionContext{
		Message:  message("u1", "hi"),
		Bindings: []policy.Binding{privateBinding()},
	}, send)
	require.NoError(t, err)
	assert.True(t, res.Allow)
	assert.Nil(t, res.DispatchResult)
	assert.False(t, called)
}

func TestExecute_NoBindingFailsOpen(t *testing.T) {
	e := newTestExecutor()
	for _, bindings := range [][]policy.Binding{
		nil,
		{{ID: "x", ChannelID: "wecom", AccountID: "default", Policy: &policy.Spec{Type: policy.TypePrivate}}},
	} {
		res, err := e.Execute(t.Context(), ExecutionContext{Message: message("u2", "hi"), Bindings: bindings}, nil)
		require.NoError(t, err)
		assert.True(t, res.Allow)
		assert.Equal(t, "No matching channel binding found", res.Reason)
		assert.Nil(t, res.Binding)
		assert.Nil(t, res.PolicyResult)
	}
}

func TestExecute_UnknownPolicyFailsClosed(t *testing.T) {
	e := newTestExecutor()
	b := privateBinding()
	b.Policy.Type = "mystery"
	res, err := e.Execute(t.Context(), ExecutionContext{Message: message("u1", "hi"), Bindings: []policy.Binding{b}}, nil)
	require.NoError(t, err)
	assert.False(t, res.Allow)
	assert.Equal(t, "Policy handler not found for type: mystery", res.Reason)
}

func TestExecute_InvalidContext(t *testing.T) {
	e := newTestExecutor()

	_, err := e.Execute(t.Context(), ExecutionContext{}, nil)
	assert.True(t, errors.Is(err, ErrInvalidContext))

	msg := message("u1", "hi")
	msg.ChannelID = ""
	_, err = e.Execute(t.Context(), ExecutionContext{Message: msg}, nil)
	assert.True(t, errors.Is(err, ErrInvalidContext))

	// explicit channel/account override the message's
	res, err := e.Execute(t.Context(), ExecutionContext{Message: msg, ChannelID: "feishu", AccountID: "default",
		Bindings: []policy.Binding{privateBinding()}}, nil)
	require.NoError(t, err)
	assert.True(t, res.Allow)
}

func TestExecute_BroadcastPartialFailure(t *testing.T) {
	rec := &memRecorder{}
	e := newTestExecutor(WithDecisionRecorder(rec), WithClock(func() time.Time { return time.Unix(100, 0) }))
	b := policy.Binding{
		ID:        "bc",
		ChannelID: "feishu",
		AccountID: "default",
		Policy: &policy.Spec{Type: policy.TypeBroadcast, Config: json.RawMessage(`{
			"targetChannels":[{"channelId":"a","accountId":"1"},{"channelId":"b","accountId":"1"}],
			"retryCount":1
		}`)},
	}
	var mu sync.Mutex
	attempts := map[string]int{}
	send := func(_ context.Context, target bus.RouteTarget, msg *bus.MessageContext) error {
		mu.Lock()
		defer mu.Unlock()
		attempts[target.ChannelID]++
		if msg.Metadata["broadcasted"] != true {
			return errors.New("untagged")
		}
		if target.ChannelID == "a" {
			return errors.New("down")
		}
		return nil
	}

	res, err := e.Execute(t.Context(), ExecutionContext{Message: message("u1", "news"), AgentID: "ag", Bindings: []policy.Binding{b}}, send)
	require.NoError(t, err)

	assert.False(t, res.Allow)
	assert.Equal(t, "broadcasted", res.Reason)
	require.NotNil(t, res.DispatchResult)
	assert.Len(t, res.DispatchResult.Succeeded, 1)
	assert.Len(t, res.DispatchResult.Failed, 1)
	assert.Equal(t, 2, attempts["a"])
	assert.Equal(t, 1, attempts["b"])

	require.Len(t, rec.recs, 1)
	got := rec.recs[0]
	assert.Equal(t, "bc", got.BindingID)
	assert.Equal(t, policy.TypeBroadcast, got.PolicyType)
	assert.Equal(t, "ag", got.AgentID)
	assert.Equal(t, 1, got.Succeeded)
	assert.Equal(t, 1, got.Failed)
	assert.ElementsMatch(t, []string{"a:1", "b:1"}, got.Targets)
	assert.Equal(t, time.Unix(100, 0), got.Time)
	assert.NotEmpty(t, got.ID)
}

func TestExecute_RecorderFailureIsIgnored(t *testing.T) {
	rec := &memRecorder{err: errors.New("disk full")}
	e := newTestExecutor(WithDecisionRecorder(rec))
	res, err := e.Execute(t.Context(), ExecutionContext{Message: message("u1", "hi")}, nil)
	require.NoError(t, err)
	assert.True(t, res.Allow)
	assert.Len(t, rec.recs, 1)
}

func TestExecute_IsolatedEngines(t *testing.T) {
	a := newTestExecutor()
	b := newTestExecutor()
	b.Registry().Unregister(policy.TypePrivate)

	assert.True(t, a.IsPolicyAvailable(policy.TypePrivate))
	assert.False(t, b.IsPolicyAvailable(policy.TypePrivate))
	assert.Len(t, a.ListAvailablePolicies(), 12)
	assert.Len(t, b.ListAvailablePolicies(), 11)

	_, err := b.Handler(policy.TypePrivate)
	assert.ErrorIs(t, err, policy.ErrHandlerNotFound)
}

func TestValidateChannelBindings(t *testing.T) {
	e := newTestExecutor()

	good := privateBinding()
	dup := privateBinding()
	noID := privateBinding()
	noID.ID = ""
	badCfg := privateBinding()
	badCfg.ID = "bad"
	badCfg.Policy = &policy.Spec{Type: policy.TypeQueue, Config: json.RawMessage(`{"maxSize":0}`)}

	v := e.ValidateChannelBindings([]policy.Binding{good})
	assert.True(t, v.Valid)
	assert.Empty(t, v.Errors)

	v = e.ValidateChannelBindings([]policy.Binding{good, dup, noID, badCfg})
	assert.False(t, v.Valid)
	assert.Equal(t, []string{
		`feishu-private: id "feishu-private" duplicates bindings[0]`,
		"bindings[2]: id is required",
		"bad: policy.config.maxSize must be > 0, got 0",
	}, v.Errors)
	require.Len(t, v.Bindings, 4)
	assert.True(t, v.Bindings[0].Valid)
	assert.False(t, v.Bindings[1].Valid)
}

func TestExecute_ConcurrentCallsShareHandlerState(t *testing.T) {
	e := newTestExecutor()
	b := policy.Binding{
		ID:        "q",
		ChannelID: "feishu",
		AccountID: "default",
		Policy:    &policy.Spec{Type: policy.TypeQueue, Config: json.RawMessage(`{"maxSize":10}`)},
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for range 25 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.Execute(t.Context(), ExecutionContext{Message: message("u1", "hi"), Bindings: []policy.Binding{b}}, nil)
			if err == nil && res.Allow {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, allowed)

	e.Reset()
	res, err := e.Execute(t.Context(), ExecutionContext{Message: message("u1", "hi"), Bindings: []policy.Binding{b}}, nil)
	require.NoError(t, err)
	assert.True(t, res.Allow)
}

func TestExecute_ReleaseFreesQueueSlot(t *testing.T) {
	e := newTestExecutor()
	b := policy.Binding{
		ID:        "q",
		ChannelID: "feishu",
		AccountID: "default",
		Policy:    &policy.Spec{Type: policy.TypeQueue, Config: json.RawMessage(`{"maxSize":1}`)},
	}
	ec := ExecutionContext{Message: message("u1", "hi"), Bindings: []policy.Binding{b}}

	res, err := e.Execute(t.Context(), ec, nil)
	require.NoError(t, err)
	require.True(t, res.Allow)

	res2, err := e.Execute(t.Context(), ec, nil)
	require.NoError(t, err)
	assert.False(t, res2.Allow)

	assert.True(t, e.Release(*res.Binding, "m1"))
	assert.False(t, e.Release(BindingRef{ID: "q", PolicyType: policy.TypePrivate}, "m1"))
	assert.False(t, e.Release(BindingRef{ID: "q", PolicyType: "mystery"}, "m1"))

	res, err = e.Execute(t.Context(), ec, nil)
	require.NoError(t, err)
	assert.True(t, res.Allow)
}

func TestExecutor_CloseReleasesMonitorLogs(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "monitor.jsonl")
	e := newTestExecutor()
	b := policy.Binding{
		ID:        "mon",
		ChannelID: "feishu",
		AccountID: "default",
		Policy: &policy.Spec{Type: policy.TypeMonitor,
			Config: json.RawMessage(`{"monitorChannels":["feishu"],"logPath":` + jsonString(logPath) + `}`)},
	}
	res, err := e.Execute(t.Context(), ExecutionContext{Message: message("u1", "watched"), Bindings: []policy.Binding{b}}, nil)
	require.NoError(t, err)
	assert.False(t, res.Allow)

	require.NoError(t, e.Close())
	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"content":"watched"`)

	assert.NoError(t, e.Close())
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
