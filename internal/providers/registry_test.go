package providers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct{ name string }

func (f *fakeClient) Name() string { return f.name }
func (f *fakeClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	return &ChatResult{Success: true, Content: "ok", Provider: f.name}, nil
}

func TestRegistryCaseNormalization(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeClient{name: "OpenAI"})

	got, err := r.Get("openai")
	require.NoError(t, err)
	assert.Equal(t, "OpenAI", got.Name())

	got, err = r.Get("OPENAI")
	require.NoError(t, err)
	assert.Equal(t, "OpenAI", got.Name())
}

func TestRegistryGetNotFound(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("missing")
	require.ErrorIs(t, err, ErrLLMNotFound)
}

func TestRegistryUnregister(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeClient{name: "rules"})
	r.Unregister("RULES")
	_, err := r.Get("rules")
	require.ErrorIs(t, err, ErrLLMNotFound)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorKindTransport, Classify(nil, assertErr))
	assert.Equal(t, ErrorKindEmpty, Classify(&ChatResult{Success: true, Content: ""}, nil))
	assert.Equal(t, ErrorKindExplicit, Classify(&ChatResult{Success: false}, nil))
	assert.Equal(t, ErrorKindNone, Classify(&ChatResult{Success: true, Content: "hi"}, nil))
}

var assertErr = &testError{"boom"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
