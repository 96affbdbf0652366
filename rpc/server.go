// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"fmt"
	"net"
	"net/http"

	"github.com/gorilla/rpc"
	"github.com/gorilla/rpc/json2"
)

// NewServer builds the JSON-RPC 2.0 handler, registering Service under
// the "noir" prefix so methods are addressed as "noir.Status",
// "noir.Block", and so on.
func NewServer(backend Backend) (*rpc.Server, error) {
	s := rpc.NewServer()
	s.RegisterCodec(json2.NewCodec(), "application/json")
	if err := s.RegisterService(NewService(backend), "noir"); err != nil {
		return nil, fmt.Errorf("rpc: registering service: %w", err)
	}
	return s, nil
}

// ListenAndServe starts the RPC surface on addr's "/rpc" path in the
// background and returns the *http.Server so the node can Shutdown it
// at the appropriate point in spec.md §5's teardown order.
func ListenAndServe(addr string, backend Backend) (*http.Server, error) {
	server, err := NewServer(backend)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/rpc", server)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("rpc: listening on %s: %w", addr, err)
	}
	httpServer := &http.Server{Addr: addr, Handler: mux}
	go httpServer.Serve(ln)
	return httpServer, nil
}
