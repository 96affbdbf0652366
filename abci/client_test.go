// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package abci

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeApp is a minimal in-process stand-in for the application process,
// answering whatever request it's sent over a net.Pipe the same length-
// prefixed framing Client uses (spec.md §4.13, §6).
func fakeApp(t *testing.T, conn net.Conn, handle func(Request) Response) {
	t.Helper()
	for {
		body, err := readFrame(conn)
		if err != nil {
			return
		}
		var req Request
		require.NoError(t, json.Unmarshal(body, &req))
		resp := handle(req)
		resp.Type = req.Type
		out, err := json.Marshal(resp)
		require.NoError(t, err)
		if err := writeFrame(conn, out); err != nil {
			return
		}
	}
}

func TestClient_Echo(t *testing.T) {
	connClient, connApp := net.Pipe()
	defer connClient.Close()
	go fakeApp(t, connApp, func(req Request) Response {
		return Response{Echo: req.Echo}
	})

	c := NewClient(connClient)
	got, err := c.Echo("hello")
	require.NoError(t, err)
	require.Equal(t, "hello", got)
}

func TestClient_Commit_ReturnsAppHash(t *testing.T) {
	connClient, connApp := net.Pipe()
	defer connClient.Close()
	go fakeApp(t, connApp, func(req Request) Response {
		return Response{Commit: ResponseCommitData{Data: []byte("app-hash-bytes")}}
	})

	c := NewClient(connClient)
	resp, err := c.Commit()
	require.NoError(t, err)
	require.Equal(t, []byte("app-hash-bytes"), resp.Data)
}

func TestClient_DeliverTx_PropagatesCode(t *testing.T) {
	connClient, connApp := net.Pipe()
	defer connClient.Close()
	go fakeApp(t, connApp, func(req Request) Response {
		if len(req.DeliverTx.Tx) == 0 {
			return Response{DeliverTx: ResponseDeliverTxData{Code: 1, Log: "empty tx"}}
		}
		return Response{DeliverTx: ResponseDeliverTxData{Code: CodeOK}}
	})

	c := NewClient(connClient)
	resp, err := c.DeliverTx(RequestDeliverTxData{Tx: nil})
	require.NoError(t, err)
	require.Equal(t, uint32(1), resp.Code)

	resp, err = c.DeliverTx(RequestDeliverTxData{Tx: []byte("tx")})
	require.NoError(t, err)
	require.Equal(t, CodeOK, resp.Code)
}

func TestClient_SerializesConcurrentCalls(t *testing.T) {
	connClient, connApp := net.Pipe()
	defer connClient.Close()
	go fakeApp(t, connApp, func(req Request) Response {
		time.Sleep(time.Millisecond)
		return Response{Echo: req.Echo}
	})

	c := NewClient(connClient)
	done := make(chan error, 2)
	go func() { _, err := c.Echo("a"); done <- err }()
	go func() { _, err := c.Echo("b"); done <- err }()
	require.NoError(t, <-done)
	require.NoError(t, <-done)
}
