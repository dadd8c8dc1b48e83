package rotation

import (
	"context"
	"errors"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClassifyResponse(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		want   OutcomeKind
	}{
		{200, OutcomeSuccess},
		{301, OutcomeSuccess},
		{404, OutcomeSuccess},
		{403, OutcomeHTTPError},
		{429, OutcomeHTTPError},
		{503, OutcomeHTTPError},
		{500, OutcomeHTTPError},
		{400, OutcomeHTTPError},
		{407, OutcomeAuthFailure},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, ClassifyResponse(tc.status), "status %d", tc.status)
	}
}

func TestClassifyError(t *testing.T) {
	t.Parallel()

	require.Equal(t, OutcomeConnectionRefused, ClassifyError(syscall.ECONNREFUSED))
	require.Equal(t, OutcomeConnectionRefused,
		ClassifyError(&net.OpError{Err: syscall.ECONNREFUSED}))
	require.Equal(t, OutcomeTimeout, ClassifyError(context.DeadlineExceeded))
	require.Equal(t, OutcomeTimeout, ClassifyError(timeoutError{}))
	require.Equal(t, OutcomeTimeout, ClassifyError(errors.New("mystery failure")))
	require.Equal(t, OutcomeAuthFailure,
		ClassifyError(errors.New("Get \"https://x\": Proxy Authentication Required")),
		"a rejected CONNECT tunnel must classify like a 407 response")
}

func TestClassifierDecisionTable(t *testing.T) {
	t.Parallel()

	c := NewClassifier(Config{BlacklistThreshold: 3, BlacklistDuration: 30 * time.Minute})

	t.Run("success records only", func(t *testing.T) {
		v := c.Classify(Session{}, Outcome{Kind: OutcomeSuccess, StatusCode: 200})
		require.False(t, v.Rotate)
		require.False(t, v.Blacklist)
		require.False(t, v.Fatal)
	})

	t.Run("block below threshold rotates without blacklist", func(t *testing.T) {
		sess := Session{ConsecutiveFailures: 2}
		v := c.Classify(sess, Outcome{Kind: OutcomeHTTPError, StatusCode: 429})
		require.True(t, v.Rotate)
		require.False(t, v.Blacklist)
	})

	t.Run("block at threshold blacklists", func(t *testing.T) {
		sess := Session{ConsecutiveFailures: 3}
		v := c.Classify(sess, Outcome{Kind: OutcomeHTTPError, StatusCode: 429})
		require.True(t, v.Rotate)
		require.True(t, v.Blacklist)
		require.Equal(t, "http-429", v.Reason)
	})

	t.Run("plain http failure neither rotates nor blacklists", func(t *testing.T) {
		sess := Session{ConsecutiveFailures: 5}
		v := c.Classify(sess, Outcome{Kind: OutcomeHTTPError, StatusCode: 500})
		require.False(t, v.Rotate)
		require.False(t, v.Blacklist)
	})

	t.Run("timeout rotates only", func(t *testing.T) {
		sess := Session{ConsecutiveFailures: 9}
		v := c.Classify(sess, Outcome{Kind: OutcomeTimeout})
		require.True(t, v.Rotate)
		require.False(t, v.Blacklist)
	})

	t.Run("connection refused blacklists immediately", func(t *testing.T) {
		v := c.Classify(Session{ConsecutiveFailures: 1}, Outcome{Kind: OutcomeConnectionRefused})
		require.True(t, v.Rotate)
		require.True(t, v.Blacklist)
		require.Equal(t, "unreachable", v.Reason)
	})

	t.Run("auth failure is fatal", func(t *testing.T) {
		v := c.Classify(Session{}, Outcome{Kind: OutcomeAuthFailure, StatusCode: 407})
		require.True(t, v.Fatal)
		require.False(t, v.Rotate)
	})
}

// timeoutError satisfies net.Error for the transient bucket tests.
type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
