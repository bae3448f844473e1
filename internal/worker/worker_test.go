package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/foreman/internal/events"
	"github.com/msageha/foreman/internal/model"
)

func TestClassify_APIErrors(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		transient bool
	}{
		{"rate_limited", 429, true},
		{"server_error", 500, true},
		{"bad_gateway", 502, true},
		{"bad_request", 400, false},
		{"unauthorized", 401, false},
		{"not_found", 404, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := classify("chat completion", &openai.APIError{HTTPStatusCode: tc.status})
			assert.Equal(t, tc.transient, Transient(err))
		})
	}
}

func TestClassify_ContextErrors(t *testing.T) {
	assert.False(t, Transient(classify("pace", context.Canceled)))
	assert.True(t, Transient(classify("chat completion", context.DeadlineExceeded)))
}

func TestClassify_UnknownErrorIsFatal(t *testing.T) {
	err := classify("chat completion", errors.New("malformed response"))
	assert.False(t, Transient(err))
}

func TestTransient_PlainErrors(t *testing.T) {
	assert.False(t, Transient(errors.New("not classified")))
	assert.False(t, Transient(nil))
}

func TestError_Unwrap(t *testing.T) {
	underlying := errors.New("boom")
	err := &Error{Op: "stream", Transient: true, Err: underlying}
	assert.ErrorIs(t, err, underlying)
	assert.Contains(t, err.Error(), "stream")
}

func TestPacer_SpacesCalls(t *testing.T) {
	p := NewPacer(30 * time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, p.Wait(ctx))
	require.NoError(t, p.Wait(ctx))
	require.NoError(t, p.Wait(ctx))

	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestPacer_ZeroIntervalIsNoOp(t *testing.T) {
	p := NewPacer(0)
	start := time.Now()
	for i := 0; i < 100; i++ {
		require.NoError(t, p.Wait(context.Background()))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestPacer_CancelledWait(t *testing.T) {
	p := NewPacer(time.Hour)
	require.NoError(t, p.Wait(context.Background())) // first slot is immediate

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Wait(ctx), context.Canceled)
}

func TestNilPacer_Wait(t *testing.T) {
	var p *Pacer
	assert.NoError(t, p.Wait(context.Background()))
}

func TestDecodeArgs(t *testing.T) {
	assert.Nil(t, decodeArgs(""))

	payload := decodeArgs(`{"path": "main.go", "line": 3}`)
	assert.Equal(t, "main.go", payload["path"])

	broken := decodeArgs(`{not json`)
	assert.Equal(t, `{not json`, broken["raw_args"])
}

func TestStream_ErrAfterClose(t *testing.T) {
	ch := make(chan events.Record)
	st, fail := NewStream(ch)

	go func() {
		ch <- events.New(events.KindText)
		fail(fmt.Errorf("mid-stream failure"))
		close(ch)
	}()

	var got []events.Record
	for rec := range st.C {
		got = append(got, rec)
	}
	require.Len(t, got, 1)
	assert.EqualError(t, st.Err(), "mid-stream failure")
}

func TestNewOpenAIWorker_MissingKey(t *testing.T) {
	t.Setenv("FOREMAN_TEST_MISSING_KEY", "")
	_, err := NewOpenAIWorker(model.WorkerConfig{Model: "gpt-4o-mini", APIKeyEnv: "FOREMAN_TEST_MISSING_KEY"}, nil, nil)
	assert.ErrorContains(t, err, "FOREMAN_TEST_MISSING_KEY")
}

func TestOpenAISession_DoubleCloseIsSafe(t *testing.T) {
	t.Setenv("FOREMAN_TEST_KEY", "sk-test")
	w, err := NewOpenAIWorker(model.WorkerConfig{Model: "gpt-4o-mini", APIKeyEnv: "FOREMAN_TEST_KEY"}, NewPacer(0), nil)
	require.NoError(t, err)

	sess, err := w.Open(context.Background(), "run_0000000001_cccccccc")
	require.NoError(t, err)
	assert.NoError(t, sess.Close())
	assert.NoError(t, sess.Close())

	_, err = sess.Final(context.Background(), "summarize")
	assert.Error(t, err, "a closed session rejects calls")
}

func TestNoTools_UnknownToolRejected(t *testing.T) {
	_, err := NoTools{}.Invoke(context.Background(), "shell", nil)
	assert.Error(t, err)
}
