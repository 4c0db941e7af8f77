package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/microsoft/perldbg/internal/relay"
	"github.com/microsoft/perldbg/pkg/networking"
)

type relayFlagValues struct {
	port         int
	bindAddress  string
	relayAddress string
	maxDebuggers int
}

func NewRelayCommand(log logr.Logger) *cobra.Command {
	flags := &relayFlagValues{}

	relayCmd := &cobra.Command{
		Use:   "relay",
		Short: "Makes debuggers that connect remotely attachable",
		Long: `Makes debuggers that connect remotely attachable.

Waits for Perl debuggers started with PERLDB_OPTS="RemotePort=<host>:<port>" to connect. Each debugger gets its own relay port,
which a debugger front end (for example "perldbg console --mode attach") can connect to.`,
		RunE: runRelay(flags, log),
		Args: cobra.NoArgs,
	}

	fs := relayCmd.Flags()
	fs.IntVarP(&flags.port, "port", "p", 0, "Port to wait for debuggers on (default: any free port)")
	fs.StringVar(&flags.bindAddress, "bind", networking.AllInterfaces, "Address to wait for debuggers on")
	fs.StringVar(&flags.relayAddress, "relay-bind", networking.Localhost, "Address the relay ports listen on")
	fs.IntVar(&flags.maxDebuggers, "max", 0, "Stop after relaying this many debuggers (0 means no limit)")
	AddMonitorFlags(relayCmd)

	return relayCmd
}

func runRelay(flags *relayFlagValues, log logr.Logger) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		log = log.WithName("relay")
		ctx := Monitor(cmd.Context(), log)

		listener, err := networking.ListenTCP(flags.bindAddress, flags.port)
		if err != nil {
			return err
		}
		context.AfterFunc(ctx, func() { _ = listener.Close() })

		fmt.Fprintf(cmd.OutOrStdout(), "Waiting for debuggers on %s\n", networking.EndpointOf(listener.Addr()))
		return serveRelays(ctx, listener, flags.relayAddress, flags.maxDebuggers, cmd.OutOrStdout(), log)
	}
}

// Accepts debugger connections and wraps each in a relay until the listener is closed or
// maxDebuggers connections were served. Waits for all relays to finish before returning.
func serveRelays(ctx context.Context, listener net.Listener, relayAddress string, maxDebuggers int, out io.Writer, log logr.Logger) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for served := 0; maxDebuggers <= 0 || served < maxDebuggers; served++ {
		conn, acceptErr := listener.Accept()
		if acceptErr != nil {
			if ctx.Err() != nil || errors.Is(acceptErr, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("failed to accept debugger connection: %w", acceptErr)
		}

		r, relayErr := relay.New(conn, relayAddress, log)
		if relayErr != nil {
			_ = conn.Close()
			log.Error(relayErr, "could not start relay", "Debugger", conn.RemoteAddr().String())
			continue
		}
		fmt.Fprintf(out, "Debugger at %s can be attached to at %s\n",
			networking.EndpointOf(conn.RemoteAddr()), networking.EndpointOf(r.Addr()))

		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case <-r.Done():
			case <-ctx.Done():
				if killErr := r.Kill(); killErr != nil {
					log.Error(killErr, "could not stop relay")
				}
			}
			toClient, toBase := r.Stats()
			log.V(1).Info("relay finished", "Port", r.Port(), "ToClient", toClient, "ToBase", toBase)
		}()
	}

	_ = listener.Close()
	return nil
}
