// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"

	"github.com/microsoft/perldbg/internal/connection"
	"github.com/microsoft/perldbg/pkg/networking"
)

// Returned in the error response to requests the event stream does not support.
const unsupportedRequestErrorID = 1001

// ErrClientDisconnected is returned by Serve when the client ended the session with a "disconnect" request.
var ErrClientDisconnected = errors.New("the DAP client disconnected")

// Serve waits for a single DAP client on the listener and forwards connection events to it.
// The listener is closed once a client is accepted or ctx is done.
// Serve returns nil when the event channel is closed, and ErrClientDisconnected when the client leaves first.
func Serve(ctx context.Context, listener net.Listener, events <-chan connection.Event, log logr.Logger) error {
	log = log.WithName("dap-server")

	conn, acceptErr := acceptClient(ctx, listener)
	if acceptErr != nil {
		return acceptErr
	}
	log.V(1).Info("DAP client connected", "Client", networking.EndpointOf(conn.RemoteAddr()).String())

	transport := NewTCPTransport(conn)
	defer func() { _ = transport.Close() }()

	translator := NewTranslator()
	serveCtx, serveCancel := context.WithCancel(ctx)
	defer serveCancel()

	clientDone := make(chan error, 1)
	go func() {
		clientDone <- handleRequests(transport, translator, log)
		serveCancel()
	}()

	forwardErr := forward(serveCtx, events, transport, translator, log)
	if ctx.Err() == nil && serveCtx.Err() != nil {
		// The request loop ended first.
		return <-clientDone
	}
	return forwardErr
}

func acceptClient(ctx context.Context, listener net.Listener) (net.Conn, error) {
	stop := context.AfterFunc(ctx, func() { _ = listener.Close() })
	defer stop()
	defer func() { _ = listener.Close() }()

	conn, err := listener.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to accept a DAP client: %w", err)
	}
	return conn, nil
}

// handleRequests reads client messages until the client disconnects or the transport is closed.
func handleRequests(transport Transport, translator *Translator, log logr.Logger) error {
	for {
		msg, readErr := transport.ReadMessage()
		if readErr != nil {
			if errors.Is(readErr, ErrTransportClosed) || networking.IsExpectedConnCloseErr(readErr) {
				return ErrClientDisconnected
			}
			return readErr
		}

		reqMsg, isRequest := msg.(dap.RequestMessage)
		if !isRequest {
			log.V(1).Info("ignoring DAP message that is not a request", "Message", fmt.Sprintf("%T", msg))
			continue
		}
		req := reqMsg.GetRequest()

		if _, isDisconnect := msg.(*dap.DisconnectRequest); isDisconnect {
			writeErr := transport.WriteMessage(&dap.DisconnectResponse{Response: translator.response(req, true, "")})
			if writeErr != nil {
				log.V(1).Info("could not acknowledge disconnect request", "Error", writeErr.Error())
			}
			return ErrClientDisconnected
		}

		log.V(1).Info("rejecting unsupported DAP request", "Command", req.Command)
		errorText := fmt.Sprintf("perldbg only streams debugger events, '%s' is not supported", req.Command)
		writeErr := transport.WriteMessage(&dap.ErrorResponse{
			Response: translator.response(req, false, errorText),
			Body: dap.ErrorResponseBody{
				Error: &dap.ErrorMessage{Id: unsupportedRequestErrorID, Format: errorText},
			},
		})
		if writeErr != nil {
			return writeErr
		}
	}
}

func (t *Translator) response(req *dap.Request, success bool, message string) dap.Response {
	return dap.Response{
		ProtocolMessage: dap.ProtocolMessage{
			Seq:  t.nextSeq(),
			Type: "response",
		},
		Command:    req.Command,
		RequestSeq: req.Seq,
		Success:    success,
		Message:    message,
	}
}
