package wsbus

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/abeljaev/fandomat/internal/machine"
	"github.com/abeljaev/fandomat/internal/vision"
)

type busFixture struct {
	server  *Server
	gateway *vision.Gateway
	cmds    chan machine.Command
	url     string
}

func newBusFixture(t *testing.T, policy vision.Policy) *busFixture {
	t.Helper()

	gateway := vision.NewGateway(policy, t.TempDir(), nil)
	cmds := make(chan machine.Command, 16)
	server := NewServer("", gateway, cmds, nil)

	ts := httptest.NewServer(http.HandlerFunc(server.handleWS))
	t.Cleanup(ts.Close)

	return &busFixture{
		server:  server,
		gateway: gateway,
		cmds:    cmds,
		url:     "ws" + strings.TrimPrefix(ts.URL, "http"),
	}
}

func (f *busFixture) dial(t *testing.T, role string) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(role)))
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var env envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func nextCommand(t *testing.T, cmds chan machine.Command) machine.Command {
	t.Helper()

	select {
	case cmd := <-cmds:
		return cmd
	case <-time.After(2 * time.Second):
		t.Fatal("no command forwarded")
		return machine.Command{}
	}
}

func TestServerAppRegistration(t *testing.T) {
	f := newBusFixture(t, vision.PolicyReplace)
	f.dial(t, "app")

	// A fresh management peer triggers an immediate device-info refresh.
	cmd := nextCommand(t, f.cmds)
	require.Equal(t, machine.CmdGetDeviceInfo, cmd.Name)

	require.Eventually(t, func() bool { return f.server.PeerCount() == 1 },
		time.Second, 5*time.Millisecond)
}

func TestServerRejectsBadRegistration(t *testing.T) {
	f := newBusFixture(t, vision.PolicyReplace)

	conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("admin")))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	require.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation),
		"expected policy violation close, got %v", err)
}

func TestServerCommandForwarding(t *testing.T) {
	f := newBusFixture(t, vision.PolicyReplace)
	conn := f.dial(t, "app")

	nextCommand(t, f.cmds) // initial device-info refresh

	payload := `{"command": "dump_container", "container_type": "plastic"}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(payload)))

	cmd := nextCommand(t, f.cmds)
	require.Equal(t, machine.CmdDumpContainer, cmd.Name)
	require.Equal(t, "plastic", cmd.Param)
	require.NotNil(t, cmd.Reply)

	// The reply path reaches the issuing peer only.
	cmd.Reply(machine.Event{
		Name: machine.EventContainerDumped,
		Data: map[string]any{"container_type": "plastic"},
	})

	env := readEnvelope(t, conn)
	require.Equal(t, machine.EventContainerDumped, env.Event)
	require.Equal(t, "plastic", env.Data["container_type"])
}

func TestServerRejectsUnknownCommand(t *testing.T) {
	f := newBusFixture(t, vision.PolicyReplace)
	conn := f.dial(t, "app")
	nextCommand(t, f.cmds)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"command": "self_destruct"}`)))

	env := readEnvelope(t, conn)
	require.Equal(t, machine.EventCommandError, env.Event)
	require.Equal(t, "unknown_command", env.Data["error"])

	// The session survives the rejection.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"command": "get_device_info"}`)))
	cmd := nextCommand(t, f.cmds)
	require.Equal(t, machine.CmdGetDeviceInfo, cmd.Name)
}

func TestServerRejectsMalformedCommand(t *testing.T) {
	f := newBusFixture(t, vision.PolicyReplace)
	conn := f.dial(t, "app")
	nextCommand(t, f.cmds)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json at all`)))

	env := readEnvelope(t, conn)
	require.Equal(t, machine.EventCommandError, env.Event)
	require.Equal(t, "malformed_command", env.Data["error"])
}

func TestServerBroadcast(t *testing.T) {
	f := newBusFixture(t, vision.PolicyReplace)

	first := f.dial(t, "app")
	second := f.dial(t, "app")
	nextCommand(t, f.cmds)
	nextCommand(t, f.cmds)

	require.Eventually(t, func() bool { return f.server.PeerCount() == 2 },
		time.Second, 5*time.Millisecond)

	f.server.Publish(machine.Event{
		Name: machine.EventContainerAccepted,
		Data: map[string]any{"type": "PET", "counter": 1},
	})

	for _, conn := range []*websocket.Conn{first, second} {
		env := readEnvelope(t, conn)
		require.Equal(t, machine.EventContainerAccepted, env.Event)
		require.Equal(t, "PET", env.Data["type"])
	}
}

func TestServerVisionSession(t *testing.T) {
	f := newBusFixture(t, vision.PolicyReplace)
	conn := f.dial(t, "vision")

	require.Eventually(t, f.gateway.WorkerAttached, time.Second, 5*time.Millisecond)

	// The attached peer carries classification requests out...
	require.NoError(t, f.gateway.RequestClassification(5))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "bottle_exist", string(frame))

	// ...and worker verdicts back in.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("bank")))

	select {
	case r := <-f.gateway.Results():
		require.Equal(t, vision.Result{Gen: 5, Label: vision.LabelCAN}, r)
	case <-time.After(2 * time.Second):
		t.Fatal("no classification result delivered")
	}
}

func TestServerVisionDetachOnDisconnect(t *testing.T) {
	f := newBusFixture(t, vision.PolicyReplace)
	conn := f.dial(t, "vision")

	require.Eventually(t, f.gateway.WorkerAttached, time.Second, 5*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return !f.gateway.WorkerAttached() },
		time.Second, 5*time.Millisecond)
}

func TestServerSecondVisionRejected(t *testing.T) {
	f := newBusFixture(t, vision.PolicyReject)
	f.dial(t, "vision")

	require.Eventually(t, f.gateway.WorkerAttached, time.Second, 5*time.Millisecond)

	second, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	require.NoError(t, err)
	defer second.Close()

	require.NoError(t, second.WriteMessage(websocket.TextMessage, []byte("vision")))

	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = second.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation),
		"expected policy violation close, got %v", err)

	require.True(t, f.gateway.WorkerAttached(), "first worker must keep its slot")
}
