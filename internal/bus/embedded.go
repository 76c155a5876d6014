package bus

import (
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
)

// embeddedServer wraps an in-process NATS server used when taskd runs
// without external infrastructure (single-binary mode and tests).
type embeddedServer struct {
	srv *natsserver.Server
}

// startEmbeddedServer starts an in-process NATS server on a random
// loopback port.
func startEmbeddedServer() (*embeddedServer, error) {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1, // random available port
		NoLog:  true,
		NoSigs: true,
	}

	srv, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create server: %w", err)
	}

	go srv.Start()

	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		return nil, fmt.Errorf("server not ready within 10s")
	}

	return &embeddedServer{srv: srv}, nil
}

// ClientURL returns the URL clients connect to.
func (e *embeddedServer) ClientURL() string {
	return e.srv.ClientURL()
}

// Shutdown stops the server and waits for it to exit.
func (e *embeddedServer) Shutdown() {
	e.srv.Shutdown()
	e.srv.WaitForShutdown()
}
