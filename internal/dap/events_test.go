// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"encoding/json"
	"errors"
	"net"
	"testing"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/perldbg/internal/classifier"
	"github.com/microsoft/perldbg/internal/connection"
	"github.com/microsoft/perldbg/internal/session"
	"github.com/microsoft/perldbg/pkg/networking"
	"github.com/microsoft/perldbg/pkg/testutil"
)

func TestStoppedReasons(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		command  string
		expected string
	}{
		{"c", stoppedReasonBreakpoint},
		{"c 12", stoppedReasonBreakpoint},
		{"n", stoppedReasonStep},
		{"s", stoppedReasonStep},
		{"r", stoppedReasonStep},
		{"R", stoppedReasonEntry},
	}

	tr := NewTranslator()
	for _, tc := range testCases {
		messages := tr.Translate(connection.Event{
			Kind:     connection.EventStopped,
			Response: &classifier.ParsedResponse{EchoedCommand: tc.command},
		})
		require.Len(t, messages, 1)
		stopped, isStopped := messages[0].(*dap.StoppedEvent)
		require.True(t, isStopped)
		require.Equal(t, tc.expected, stopped.Body.Reason, tc.command)
		require.Equal(t, ThreadID, stopped.Body.ThreadId)
		require.True(t, stopped.Body.AllThreadsStopped)
	}
}

func TestSequenceNumbersIncrease(t *testing.T) {
	t.Parallel()

	tr := NewTranslator()
	first := tr.Translate(connection.Event{Kind: connection.EventTermination})
	second := tr.Translate(connection.Event{Kind: connection.EventOutput, Text: "hello"})
	require.Equal(t, 1, first[0].GetSeq())
	require.Equal(t, 2, second[0].GetSeq())
}

func TestExceptionAndDataBreakpoint(t *testing.T) {
	t.Parallel()

	tr := NewTranslator()
	res := &classifier.ParsedResponse{
		Errors: []classifier.ErrorRecord{{Message: "Illegal division by zero at test.pl line 4."}},
		WatchChanges: []classifier.WatchChange{
			{ID: 0, Expression: "$x"},
			{ID: 1, Expression: "$y"},
		},
	}

	exception := tr.Translate(connection.Event{Kind: connection.EventException, Response: res})[0].(*dap.StoppedEvent)
	require.Equal(t, stoppedReasonException, exception.Body.Reason)
	require.Equal(t, "Illegal division by zero at test.pl line 4.", exception.Body.Text)

	watch := tr.Translate(connection.Event{Kind: connection.EventDataBreakpoint, Response: res})[0].(*dap.StoppedEvent)
	require.Equal(t, stoppedReasonDataBreakpoint, watch.Body.Reason)
	require.Equal(t, "$x changed; $y changed", watch.Body.Description)
}

func TestNewSourcesBecomeLoadedSourceEvents(t *testing.T) {
	t.Parallel()

	tr := NewTranslator()
	messages := tr.Translate(connection.Event{
		Kind: connection.EventNewSource,
		Response: &classifier.ParsedResponse{
			NewSources: []string{"new loaded source /work/lib/Foo.pm", "new loaded source lib/Bar.pm"},
		},
	})
	require.Len(t, messages, 2)

	first := messages[0].(*dap.LoadedSourceEvent)
	require.Equal(t, "new", first.Body.Reason)
	require.Equal(t, "/work/lib/Foo.pm", first.Body.Source.Path)
	require.Equal(t, "Foo.pm", first.Body.Source.Name)
	require.Equal(t, "lib/Bar.pm", messages[1].(*dap.LoadedSourceEvent).Body.Source.Path)
}

func TestClosedAndOutputEvents(t *testing.T) {
	t.Parallel()

	tr := NewTranslator()

	exited := tr.Translate(connection.Event{Kind: connection.EventClosed, ExitCode: 2})[0].(*dap.ExitedEvent)
	require.Equal(t, 2, exited.Body.ExitCode)

	out := tr.Translate(connection.Event{Kind: connection.EventOutput, Text: "x is 21"})[0].(*dap.OutputEvent)
	require.Equal(t, "stdout", out.Body.Category)
	require.Equal(t, "x is 21\n", out.Body.Output)

	raw := tr.Translate(connection.Event{Kind: connection.EventRawWrite, Text: "p $x"})[0].(*dap.OutputEvent)
	require.Equal(t, "console", raw.Body.Category)
	require.Equal(t, "> p $x\n", raw.Body.Output)

	errOut := tr.Translate(connection.Event{Kind: connection.EventError, Err: errors.New("broken pipe")})[0].(*dap.OutputEvent)
	require.Equal(t, "stderr", errOut.Body.Category)

	require.Empty(t, tr.Translate(connection.Event{Kind: connection.EventError}))
	require.Empty(t, tr.Translate(connection.Event{Kind: connection.EventRelayListening}))
}

func TestRelayListeningEventEncoding(t *testing.T) {
	t.Parallel()

	tr := NewTranslator()
	relay := session.RelayInfo{
		Src: networking.Endpoint{Address: "10.0.0.5", Port: 40001},
		Via: networking.Endpoint{Address: "10.0.0.1", Port: 5000},
		Dst: networking.Endpoint{Address: "127.0.0.1", Port: 40002},
	}
	messages := tr.Translate(connection.Event{Kind: connection.EventRelayListening, Relay: &relay})
	require.Len(t, messages, 1)

	encoded, err := json.Marshal(messages[0])
	require.NoError(t, err)

	var decoded struct {
		Type  string            `json:"type"`
		Event string            `json:"event"`
		Body  session.RelayInfo `json:"body"`
	}
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	require.Equal(t, "event", decoded.Type)
	require.Equal(t, RelayListeningEventName, decoded.Event)
	require.Equal(t, relay, decoded.Body)
}

func TestForward(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, defaultTransportTestTimeout)
	defer cancel()

	adapterConn, clientConn := net.Pipe()
	transport := NewTCPTransport(adapterConn)
	defer transport.Close()

	events := make(chan connection.Event, 4)
	events <- connection.Event{Kind: connection.EventOutput, Text: "hello"}
	events <- connection.Event{Kind: connection.EventTermination}
	close(events)

	forwarded := make(chan error, 1)
	go func() {
		forwarded <- Forward(ctx, events, transport, testutil.NewLogForTesting(t.Name()))
	}()

	client := NewTCPTransport(clientConn)
	defer client.Close()
	msg, err := client.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "hello\n", msg.(*dap.OutputEvent).Body.Output)

	msg, err = client.ReadMessage()
	require.NoError(t, err)
	require.IsType(t, &dap.TerminatedEvent{}, msg)

	require.NoError(t, <-forwarded)
}
