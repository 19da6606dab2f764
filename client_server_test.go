package ncp

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncplib/go-ncp/packet"
	"github.com/ncplib/go-ncp/value"
)

func startTestServer(t *testing.T, handler Handler, opts ...Option) int {
	t.Helper()
	srv, err := Start(context.Background(), handler, "127.0.0.1", 0, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = srv.Close()
		_ = srv.WaitClosed()
	})
	return srv.Addr().(*net.TCPAddr).Port
}

func TestHandshakeCompletes(t *testing.T) {
	conns := make(chan *Connection, 1)
	handler := func(ctx context.Context, conn *Connection) error {
		conns <- conn
		<-ctx.Done()
		return nil
	}
	port := startTestServer(t, handler)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Connect(ctx, "127.0.0.1", port, WithClientID([4]byte{0xde, 0xad, 0xbe, 0xef}))
	require.NoError(t, err)
	defer client.Close()

	select {
	case conn := <-conns:
		assert.Equal(t, "deadbeef", conn.RemoteIdentity())
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never invoked")
	}
}

func TestExecuteAgainstServer(t *testing.T) {
	handler := func(ctx context.Context, conn *Connection) error {
		for ev := range conn.Fields(ctx) {
			if ev.Err != nil {
				return nil
			}
			reply := packet.NewParams()
			reply.Set("RSLT", value.String("ok"))
			if err := conn.SendReply(ev.PacketType, ev.Field.Name, ev.Field.ID, reply); err != nil {
				return err
			}
		}
		return nil
	}
	port := startTestServer(t, handler)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Connect(ctx, "127.0.0.1", port)
	require.NoError(t, err)
	defer client.Close()

	params := packet.NewParams()
	params.Set("SAMP", value.Int(1024))
	got, err := client.Execute(ctx, "DSPC", "SWEP", params)
	require.NoError(t, err)

	v, ok := got.Get("RSLT")
	require.True(t, ok)
	assert.Equal(t, value.String("ok"), v)
}

func TestHandshakeMissingCIWRepliesUnauthorized(t *testing.T) {
	handler := func(ctx context.Context, conn *Connection) error {
		t.Error("handler must not run when the handshake fails")
		return nil
	}
	port := startTestServer(t, handler)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Connect(ctx, "127.0.0.1", port, WithAutoAuth(false))
	require.NoError(t, err)
	defer client.Close()

	_, err = client.RecvField(ctx, "LINK", "HELO", nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := client.RecvField(ctx, "LINK", "ERRO", nil)
		done <- err
	}()
	// Let the waiter register before provoking the reply.
	time.Sleep(20 * time.Millisecond)

	// CCRE without the required CIW param.
	_, err = client.Send("LINK", FieldInput{Name: "CCRE"})
	require.NoError(t, err)

	select {
	case err := <-done:
		var cmdErr *CommandError
		require.ErrorAs(t, err, &cmdErr)
		assert.Equal(t, int32(401), cmdErr.Code)
		assert.Equal(t, "CIW - This field is required", cmdErr.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the error reply")
	}
}

func TestHandlerErrorsAreClassified(t *testing.T) {
	cases := []struct {
		name       string
		handlerErr error
		wantCode   int32
		wantMsg    string
	}{
		{
			name:       "command error replies bad request",
			handlerErr: &CommandError{PacketType: "DSPC", FieldName: "SWEP", Message: "nope", Code: 400},
			wantCode:   400,
			wantMsg:    "Bad request",
		},
		{
			name:       "unexpected error replies server error",
			handlerErr: errors.New("boom"),
			wantCode:   500,
			wantMsg:    "Server error",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := func(ctx context.Context, conn *Connection) error {
				if _, err := conn.RecvField(ctx, "CTRL", "PING", nil); err != nil {
					return err
				}
				return tc.handlerErr
			}
			port := startTestServer(t, handler, WithAutoAuth(false))

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			client, err := Connect(ctx, "127.0.0.1", port, WithAutoAuth(false))
			require.NoError(t, err)
			defer client.Close()

			done := make(chan error, 1)
			go func() {
				_, err := client.RecvField(ctx, "LINK", "ERRO", nil)
				done <- err
			}()
			// Let the waiter register before provoking the reply.
			time.Sleep(20 * time.Millisecond)

			_, err = client.Send("CTRL", FieldInput{Name: "PING"})
			require.NoError(t, err)

			select {
			case err := <-done:
				var cmdErr *CommandError
				require.ErrorAs(t, err, &cmdErr)
				assert.Equal(t, tc.wantCode, cmdErr.Code)
				assert.Equal(t, tc.wantMsg, cmdErr.Message)
			case <-time.After(2 * time.Second):
				t.Fatal("timed out waiting for the error reply")
			}
		})
	}
}

func TestServerCloseStopsAcceptingAndWaitClosedReturns(t *testing.T) {
	handler := func(ctx context.Context, conn *Connection) error {
		<-ctx.Done()
		return nil
	}
	srv, err := Start(context.Background(), handler, "127.0.0.1", 0)
	require.NoError(t, err)
	port := srv.Addr().(*net.TCPAddr).Port

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Connect(ctx, "127.0.0.1", port)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, srv.Close())
	require.NoError(t, srv.WaitClosed())

	_, err = Connect(ctx, "127.0.0.1", port, WithDialTimeout(time.Second))
	require.Error(t, err, "a closed server must not accept new connections")
}
