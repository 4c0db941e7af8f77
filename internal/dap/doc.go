/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

/*
Package dap presents debugger connection events as Debug Adapter Protocol (DAP) messages.

# Event mapping

  - stopped: "stopped" event, reason "breakpoint" after continue, "step" after next/step/return
  - exception: "stopped" event with reason "exception" and the error message as text
  - data-breakpoint: "stopped" event with reason "data breakpoint"
  - termination: "terminated" event
  - closed: "exited" event carrying the exit code
  - new-source: one "loadedSource" event per newly loaded file
  - relay-listening: custom "perlRelayListening" event with the relay endpoints
  - output, raw-output, raw-write and error: "output" events

# Serving clients

Serve accepts one DAP client over TCP and streams the events to it. The client can end the session
with a "disconnect" request; other requests are answered with an error response.

All messages use a single thread (ThreadID), since the debugger REPL has no notion of threads.
*/
package dap
