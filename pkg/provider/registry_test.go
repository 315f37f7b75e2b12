package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	kind    Kind
	model   string
	healthy bool
	text    string
}

func (f *fakeProvider) Generate(ctx context.Context, req Request) *Result {
	if !f.healthy {
		return &Result{Kind: f.kind, Model: f.model, Err: "provider down"}
	}
	if req.OnDelta != nil {
		req.OnDelta(f.text)
	}
	return &Result{Text: f.text, Kind: f.kind, Model: f.model}
}

func (f *fakeProvider) Healthy(ctx context.Context) bool { return f.healthy }
func (f *fakeProvider) Kind() Kind                       { return f.kind }
func (f *fakeProvider) Model() string                    { return f.model }

func TestRegistrySelection(t *testing.T) {
	r := NewRegistry()
	stub := &fakeProvider{kind: KindStub, model: "stub", healthy: true}
	local := &fakeProvider{kind: KindLocalLLM, model: "qwen2.5-coder:1.5b", healthy: true}
	r.Register(stub)
	r.Register(local)

	t.Run("first registration becomes active", func(t *testing.T) {
		require.NotNil(t, r.Active())
		assert.Equal(t, KindStub, r.Active().Kind())
	})

	t.Run("use switches active", func(t *testing.T) {
		r.Use(KindLocalLLM)
		assert.Equal(t, KindLocalLLM, r.Active().Kind())
	})

	t.Run("unknown kind is a no-op", func(t *testing.T) {
		r.Use(KindPeerCoordinator)
		assert.Equal(t, KindLocalLLM, r.Active().Kind())
	})

	t.Run("available lists kinds in tier order", func(t *testing.T) {
		assert.Equal(t, []Kind{KindStub, KindLocalLLM}, r.Available())
	})
}

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry()
	assert.Nil(t, r.Active())
	assert.Empty(t, r.Available())
	r.Use(KindStub) // must not panic
}

func TestKindForParamSize(t *testing.T) {
	tests := []struct {
		name   string
		paramB float64
		want   Kind
	}{
		{"sub-2B goes to edge", 1.5, KindPeerEdge},
		{"mid-size defaults to edge", 3, KindPeerEdge},
		{"7B goes to coordinator", 7, KindPeerCoordinator},
		{"large goes to coordinator", 70, KindPeerCoordinator},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindForParamSize(tt.paramB))
		})
	}
}

func TestExtractCode(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "fenced with language",
			in:   "Here you go:\n```python\nprint(1)\n```\nDone.",
			want: "print(1)",
		},
		{
			name: "fenced without language",
			in:   "```\nconsole.log(1);\n```",
			want: "console.log(1);",
		},
		{
			name: "no fence returns trimmed text",
			in:   "  print(2)\n",
			want: "print(2)",
		},
		{
			name: "unterminated fence keeps body",
			in:   "```python\nprint(3)",
			want: "print(3)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractCode(tt.in))
		})
	}
}

func TestStubAlwaysSucceeds(t *testing.T) {
	s := NewStub()
	require.True(t, s.Healthy(context.Background()))

	res := s.Generate(context.Background(), Request{Prompt: "Write python code to add numbers"})
	require.False(t, res.Failed())
	assert.Contains(t, res.Text, "python")
	assert.Equal(t, KindStub, res.Kind)

	// Deterministic: same prompt, same completion.
	again := s.Generate(context.Background(), Request{Prompt: "Write python code to add numbers"})
	assert.Equal(t, res.Text, again.Text)
}
