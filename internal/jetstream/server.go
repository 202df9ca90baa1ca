// Package jetstream runs the embedded NATS JetStream server that carries
// delivery summaries from the emission loops to the processor.
package jetstream

import (
	"errors"
	"fmt"
	"time"

	server "github.com/nats-io/nats-server/v2/server"
	nats "github.com/nats-io/nats.go"
)

var errNotReady = errors.New("embedded NATS server not ready")

type Server struct{ ns *server.Server }

// NewServer starts an in-process JetStream server persisting to storeDir.
// It accepts no network clients.
func NewServer(storeDir string) (*Server, error) {
	ns, err := server.NewServer(&server.Options{
		ServerName: "relay",
		DontListen: true,
		JetStream:  true,
		StoreDir:   storeDir,
		NoSigs:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, errNotReady
	}
	return &Server{ns: ns}, nil
}

func (s *Server) Connect() (*nats.Conn, error) {
	return nats.Connect(s.ns.ClientURL(), nats.InProcessServer(s.ns), nats.Name("relay"))
}

func (s *Server) Shutdown() {
	s.ns.Shutdown()
	s.ns.WaitForShutdown()
}
