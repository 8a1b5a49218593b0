package policy

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(b bool) *bool { return &b }

func TestResolveBinding(t *testing.T) {
	r := NewResolver(NewRegistry(nil))

	bindings := []Binding{
		{ID: "other-channel", ChannelID: "wecom", AccountID: "default", Priority: 100},
		{ID: "disabled", ChannelID: "feishu", AccountID: "default", Priority: 50, Enabled: boolPtr(false)},
		{ID: "low", ChannelID: "feishu", AccountID: "default", Priority: 1},
		{ID: "high-a", ChannelID: "feishu", AccountID: "default", Priority: 10},
		{ID: "high-b", ChannelID: "feishu", AccountID: "default", Priority: 10},
		{ID: "other-account", ChannelID: "feishu", AccountID: "ops", Priority: 99},
	}

	tests := []struct {
		name      string
		bindings  []Binding
		channel   string
		account   string
		wantID    string
		wantFound bool
	}{
		{"no bindings", nil, "feishu", "default", "", false},
		{"no match", bindings, "dingtalk", "default", "", false},
		{"highest priority, first of ties", bindings, "feishu", "default", "high-a", true},
		{"account must match", bindings, "feishu", "ops", "other-account", true},
		{"only disabled match", bindings[1:2], "feishu", "default", "", false},
		{"default priority zero", []Binding{
			{ID: "zero", ChannelID: "feishu", AccountID: "default"},
			{ID: "neg", ChannelID: "feishu", AccountID: "default", Priority: -1},
		}, "feishu", "default", "zero", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, ok := r.ResolveBinding(tt.bindings, tt.channel, tt.account)
			assert.Equal(t, tt.wantFound, ok)
			if tt.wantFound {
				require.NotNil(t, b)
				assert.Equal(t, tt.wantID, b.ID)
			} else {
				assert.Nil(t, b)
			}
		})
	}
}

func TestResolveBinding_TiesKeepListOrder(t *testing.T) {
	r := NewResolver(NewRegistry(nil))
	for _, first := range []string{"x", "y", "z"} {
		var bindings []Binding
		bindings = append(bindings, Binding{ID: first, ChannelID: "c", AccountID: "a", Priority: 3})
		for _, id := range []string{"x", "y", "z"} {
			if id != first {
				bindings = append(bindings, Binding{ID: id, ChannelID: "c", AccountID: "a", Priority: 3})
			}
		}
		b, ok := r.ResolveBinding(bindings, "c", "a")
		require.True(t, ok)
		assert.Equal(t, first, b.ID)
	}
}

func TestApplyPolicy_UnknownTypeFailsClosed(t *testing.T) {
	r := NewResolver(NewRegistry(nil))
	res := r.ApplyPolicy(t.Context(), pcFor(binding("b1", "nope", ""), inbound("u1", "hi")))
	assert.False(t, res.Allow)
	assert.Equal(t, "Policy handler not found for type: nope", res.Reason)
}

func TestApplyPolicy_HandlerErrorAndPanic(t *testing.T) {
	reg := NewRegistry(map[string]Handler{
		"err": &stubHandler{typ: "err", process: func(context.Context, *ProcessContext) (*Result, error) {
			return nil, errors.New("boom")
		}},
		"panic": &stubHandler{typ: "panic", process: func(context.Context, *ProcessContext) (*Result, error) {
			panic("kaboom")
		}},
		"nil": &stubHandler{typ: "nil", process: func(context.Context, *ProcessContext) (*Result, error) {
			return nil, nil
		}},
	})
	r := NewResolver(reg)

	res := r.ApplyPolicy(t.Context(), pcFor(binding("b", "err", ""), inbound("u1", "hi")))
	assert.False(t, res.Allow)
	assert.Equal(t, "Policy processing failed: boom", res.Reason)

	res = r.ApplyPolicy(t.Context(), pcFor(binding("b", "panic", ""), inbound("u1", "hi")))
	assert.False(t, res.Allow)
	assert.Equal(t, "Policy processing failed: kaboom", res.Reason)

	res = r.ApplyPolicy(t.Context(), pcFor(binding("b", "nil", ""), inbound("u1", "hi")))
	assert.False(t, res.Allow)
	assert.True(t, strings.HasPrefix(res.Reason, "Policy processing failed:"))
}

func TestApplyPolicy_InvalidConfigDenies(t *testing.T) {
	r := NewResolver(NewRegistry(DefaultHandlers()))
	res := r.ApplyPolicy(t.Context(), pcFor(binding("b", TypePrivate, `{"allowedUsers": 7}`), inbound("u1", "hi")))
	assert.False(t, res.Allow)
	assert.Contains(t, res.Reason, "Policy processing failed: allowedUsers")
}

func validBinding() Binding {
	return Binding{
		ID:        "b1",
		ChannelID: "feishu",
		AccountID: "default",
		Policy:    &Spec{Type: TypePrivate, Config: json.RawMessage(`{"allowedUsers":["u1"]}`)},
	}
}

func TestValidateBinding_RoundTrip(t *testing.T) {
	r := NewResolver(NewRegistry(DefaultHandlers()))

	b := validBinding()
	vr := r.ValidateBinding(&b)
	assert.True(t, vr.Valid)
	assert.Empty(t, vr.Errors)

	mutations := []struct {
		field  string
		mutate func(b *Binding)
	}{
		{"id", func(b *Binding) { b.ID = "" }},
		{"channelId", func(b *Binding) { b.ChannelID = "" }},
		{"accountId", func(b *Binding) { b.AccountID = "" }},
		{"policy", func(b *Binding) { b.Policy = nil }},
		{"policy.type", func(b *Binding) { b.Policy.Type = "" }},
		{"allowedUsers", func(b *Binding) { b.Policy.Config = json.RawMessage(`{}`) }},
	}
	for _, m := range mutations {
		t.Run(m.field, func(t *testing.T) {
			b := validBinding()
			m.mutate(&b)
			vr := r.ValidateBinding(&b)
			assert.False(t, vr.Valid)
			require.NotEmpty(t, vr.Errors)
			assert.Contains(t, strings.Join(vr.Errors, "\n"), m.field)
		})
	}
}

func TestValidateBinding_UnknownType(t *testing.T) {
	r := NewResolver(NewRegistry(DefaultHandlers()))
	b := validBinding()
	b.Policy.Type = "teleport"
	vr := r.ValidateBinding(&b)
	assert.False(t, vr.Valid)
	assert.Equal(t, []string{"policy.type: unknown policy type teleport"}, vr.Errors)
}

func TestValidateBinding_ConfigErrorPaths(t *testing.T) {
	r := NewResolver(NewRegistry(DefaultHandlers()))

	tests := []struct {
		config string
		want   []string
	}{
		{`[]`, []string{"policy.config: expected object, got array"}},
		{`{"allowedUsers":"u1"}`, []string{"policy.config.allowedUsers: expected array of strings, got string"}},
		{`{}`, []string{"policy.config.allowedUsers is required"}},
	}
	for _, tt := range tests {
		t.Run(tt.config, func(t *testing.T) {
			b := validBinding()
			b.Policy.Config = json.RawMessage(tt.config)
			assert.Equal(t, tt.want, r.ValidateBinding(&b).Errors)
		})
	}
}
