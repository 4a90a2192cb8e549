package peer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rajarshimaitra/gun"
)

type testPayload struct {
	N int    `json:"n"`
	S string `json:"s"`
}

func TestEnvelopeSignAndVerify(t *testing.T) {
	key, err := gun.GenerateEscrowKey()
	require.NoError(t, err)

	env, err := Seal(key, "c-1", "propose", &testPayload{N: 7, S: "x"})
	require.NoError(t, err)
	require.NoError(t, env.Verify(nil))
	require.NoError(t, env.Verify(env.From))

	var got testPayload
	require.NoError(t, env.Decode(&got))
	require.Equal(t, testPayload{N: 7, S: "x"}, got)

	// Pinned to a different sender key.
	other, err := gun.GenerateEscrowKey()
	require.NoError(t, err)
	otherEnv, err := Seal(other, "c-1", "propose", &testPayload{})
	require.NoError(t, err)
	err = env.Verify(otherEnv.From)
	require.ErrorIs(t, err, ErrBadEnvelope)

	// Any field mutation invalidates the signature.
	for _, mutate := range []func(e *Envelope){
		func(e *Envelope) { e.Payload = []byte(`{"n":8,"s":"x"}`) },
		func(e *Envelope) { e.Type = "accept" },
		func(e *Envelope) { e.ContractID = "c-2" },
		func(e *Envelope) { e.Sig[10] ^= 1 },
	} {
		bad := *env
		bad.Payload = append([]byte(nil), env.Payload...)
		bad.Sig = append([]byte(nil), env.Sig...)
		mutate(&bad)
		require.ErrorIs(t, bad.Verify(nil), ErrBadEnvelope)
	}
}

func TestPipe(t *testing.T) {
	a, b := Pipe()
	key, err := gun.GenerateEscrowKey()
	require.NoError(t, err)
	env, err := Seal(key, "c-1", "ping", &testPayload{N: 1})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, a.Send(ctx, env))
	got, err := b.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, env.Digest(), got.Digest())

	// Recv honors context deadlines.
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = b.Recv(short)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, a.Close())
	_, err = b.Recv(ctx)
	require.Error(t, err)
}

func TestTCPRoundTrip(t *testing.T) {
	ctx := context.Background()
	key, err := gun.GenerateEscrowKey()
	require.NoError(t, err)

	type accepted struct {
		conn Conn
		err  error
	}
	ch := make(chan accepted, 1)
	addr := "127.0.0.1:28764"
	go func() {
		conn, err := Accept(ctx, addr)
		ch <- accepted{conn, err}
	}()

	var dialed Conn
	require.Eventually(t, func() bool {
		c, err := Dial(ctx, addr)
		if err != nil {
			return false
		}
		dialed = c
		return true
	}, 2*time.Second, 20*time.Millisecond)
	defer dialed.Close()

	srv := <-ch
	require.NoError(t, srv.err)
	defer srv.conn.Close()

	env, err := Seal(key, "c-1", "ping", &testPayload{N: 42})
	require.NoError(t, err)
	require.NoError(t, dialed.Send(ctx, env))
	got, err := srv.conn.Recv(ctx)
	require.NoError(t, err)
	require.NoError(t, got.Verify(env.From))
	require.Equal(t, env.Digest(), got.Digest())

	// Deadline on a silent socket surfaces as context.DeadlineExceeded.
	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = srv.conn.Recv(short)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
