// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"

	"github.com/microsoft/perldbg/internal/classifier"
	"github.com/microsoft/perldbg/internal/connection"
	"github.com/microsoft/perldbg/internal/session"
	"github.com/microsoft/perldbg/internal/signature"
)

const (
	ThreadID = 1

	RelayListeningEventName = "perlRelayListening"

	stoppedReasonStep           = "step"
	stoppedReasonBreakpoint     = "breakpoint"
	stoppedReasonEntry          = "entry"
	stoppedReasonException      = "exception"
	stoppedReasonDataBreakpoint = "data breakpoint"
)

// RelayListeningEvent tells the client that a forked child's debugger can be attached to.
type RelayListeningEvent struct {
	dap.Event

	Body session.RelayInfo `json:"body"`
}

// Translator converts connection events to DAP messages with increasing sequence numbers.
// It is safe for concurrent use.
type Translator struct {
	seq *atomic.Int64
}

func NewTranslator() *Translator {
	return &Translator{seq: &atomic.Int64{}}
}

// Translate returns the DAP messages for ev. Events without a DAP counterpart yield no messages.
func (t *Translator) Translate(ev connection.Event) []dap.Message {
	switch ev.Kind {
	case connection.EventStopped:
		return []dap.Message{t.stopped(stoppedReasonFor(ev.Response), "", "")}

	case connection.EventException:
		return []dap.Message{t.stopped(stoppedReasonException, "Paused on exception", exceptionText(ev.Response))}

	case connection.EventDataBreakpoint:
		return []dap.Message{t.stopped(stoppedReasonDataBreakpoint, watchDescription(ev.Response), "")}

	case connection.EventTermination:
		return []dap.Message{&dap.TerminatedEvent{Event: t.event("terminated")}}

	case connection.EventClosed:
		return []dap.Message{&dap.ExitedEvent{
			Event: t.event("exited"),
			Body:  dap.ExitedEventBody{ExitCode: int(ev.ExitCode)},
		}}

	case connection.EventNewSource:
		if ev.Response == nil {
			return nil
		}
		var messages []dap.Message
		for _, payload := range ev.Response.NewSources {
			path := strings.TrimSpace(strings.TrimPrefix(payload, signature.DefaultNewSourceMarker))
			if path == "" {
				continue
			}
			messages = append(messages, &dap.LoadedSourceEvent{
				Event: t.event("loadedSource"),
				Body: dap.LoadedSourceEventBody{
					Reason: "new",
					Source: dap.Source{Name: filepath.Base(path), Path: path},
				},
			})
		}
		return messages

	case connection.EventRelayListening:
		if ev.Relay == nil {
			return nil
		}
		return []dap.Message{&RelayListeningEvent{Event: t.event(RelayListeningEventName), Body: *ev.Relay}}

	case connection.EventOutput:
		return []dap.Message{t.output("stdout", ev.Text+"\n")}

	case connection.EventRawOutput:
		return []dap.Message{t.output("console", ev.Text)}

	case connection.EventRawWrite:
		return []dap.Message{t.output("console", "> "+ev.Text+"\n")}

	case connection.EventError:
		if ev.Err == nil {
			return nil
		}
		return []dap.Message{t.output("stderr", ev.Err.Error()+"\n")}

	default:
		return nil
	}
}

func (t *Translator) nextSeq() int {
	return int(t.seq.Add(1))
}

func (t *Translator) event(name string) dap.Event {
	return dap.Event{
		ProtocolMessage: dap.ProtocolMessage{
			Seq:  t.nextSeq(),
			Type: "event",
		},
		Event: name,
	}
}

func (t *Translator) stopped(reason, description, text string) *dap.StoppedEvent {
	return &dap.StoppedEvent{
		Event: t.event("stopped"),
		Body: dap.StoppedEventBody{
			Reason:            reason,
			Description:       description,
			Text:              text,
			ThreadId:          ThreadID,
			AllThreadsStopped: true,
		},
	}
}

func (t *Translator) output(category, text string) *dap.OutputEvent {
	return &dap.OutputEvent{
		Event: t.event("output"),
		Body: dap.OutputEventBody{
			Category: category,
			Output:   text,
		},
	}
}

func stoppedReasonFor(res *classifier.ParsedResponse) string {
	if res == nil {
		return stoppedReasonStep
	}
	verb, _, _ := strings.Cut(strings.TrimSpace(res.EchoedCommand), " ")
	switch verb {
	case "c":
		return stoppedReasonBreakpoint
	case "R":
		return stoppedReasonEntry
	default:
		return stoppedReasonStep
	}
}

func exceptionText(res *classifier.ParsedResponse) string {
	if res == nil {
		return ""
	}
	if len(res.Errors) > 0 {
		return res.Errors[0].Message
	}
	return res.LastDataLine()
}

func watchDescription(res *classifier.ParsedResponse) string {
	if res == nil {
		return ""
	}
	descriptions := make([]string, 0, len(res.WatchChanges))
	for _, wc := range res.WatchChanges {
		descriptions = append(descriptions, fmt.Sprintf("%s changed", wc.Expression))
	}
	return strings.Join(descriptions, "; ")
}

// Forward writes the DAP rendition of every connection event to the transport until the
// event channel is closed or ctx is done.
func Forward(ctx context.Context, events <-chan connection.Event, transport Transport, log logr.Logger) error {
	return forward(ctx, events, transport, NewTranslator(), log)
}

func forward(ctx context.Context, events <-chan connection.Event, transport Transport, translator *Translator, log logr.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, isOpen := <-events:
			if !isOpen {
				return nil
			}
			for _, msg := range translator.Translate(ev) {
				if writeErr := transport.WriteMessage(msg); writeErr != nil {
					return fmt.Errorf("failed to forward %s event: %w", ev.Kind, writeErr)
				}
			}
			log.V(1).Info("forwarded connection event", "Event", ev.String())
		}
	}
}
