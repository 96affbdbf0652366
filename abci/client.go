// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package abci implements the out-of-process application boundary: a
// length-prefixed framed request/response client (spec.md §4.13, §6) and
// the concrete BlockExecutor that drives begin_block/deliver_tx/
// end_block/commit against it.
package abci

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/noirhq/noir/config"
)

// RequestType tags which ABCI call a Request carries, matching the
// variant list spec.md §6 enumerates for the ABCI boundary.
type RequestType string

const (
	RequestEcho              RequestType = "echo"
	RequestFlush             RequestType = "flush"
	RequestInfo               RequestType = "info"
	RequestInitChain          RequestType = "init_chain"
	RequestQuery              RequestType = "query"
	RequestBeginBlock         RequestType = "begin_block"
	RequestCheckTx            RequestType = "check_tx"
	RequestDeliverTx          RequestType = "deliver_tx"
	RequestEndBlock           RequestType = "end_block"
	RequestCommit             RequestType = "commit"
	RequestListSnapshots      RequestType = "list_snapshots"
	RequestOfferSnapshot      RequestType = "offer_snapshot"
	RequestLoadSnapshotChunk  RequestType = "load_snapshot_chunk"
	RequestApplySnapshotChunk RequestType = "apply_snapshot_chunk"
)

// CodeOK is the ABCI response code meaning success; any other value is an
// application error (spec.md §7's "Application error" category).
const CodeOK uint32 = 0

// Request is one framed ABCI call. Only the field matching Type is
// populated; the rest are left zero. A single envelope type (rather than
// one Go type per request) keeps framing and dispatch uniform, mirroring
// the MConn frame envelope's Kind/payload shape elsewhere in this module.
type Request struct {
	Type RequestType

	Echo       string          `json:",omitempty"`
	Info       RequestInfoData `json:",omitempty"`
	InitChain  RequestInitChainData `json:",omitempty"`
	Query      RequestQueryData     `json:",omitempty"`
	BeginBlock RequestBeginBlockData `json:",omitempty"`
	CheckTx    RequestCheckTxData    `json:",omitempty"`
	DeliverTx  RequestDeliverTxData  `json:",omitempty"`

	OfferSnapshot     RequestOfferSnapshotData     `json:",omitempty"`
	LoadSnapshotChunk RequestLoadSnapshotChunkData `json:",omitempty"`
	ApplySnapshotChunk RequestApplySnapshotChunkData `json:",omitempty"`
}

// RequestInfoData carries the handshake version/app-version exchanged by
// Info.
type RequestInfoData struct {
	Version      string
	BlockVersion uint64
}

// RequestInitChainData seeds the application with genesis validators and
// consensus params.
type RequestInitChainData struct {
	ChainID         string
	Time            time.Time
	Validators      []ValidatorUpdate
	ConsensusParams ConsensusParams
	AppStateBytes   []byte
}

// RequestQueryData is an out-of-consensus read against application
// state.
type RequestQueryData struct {
	Path   string
	Data   []byte
	Height int64
	Prove  bool
}

// RequestBeginBlockData opens a new block's execution.
type RequestBeginBlockData struct {
	Hash                []byte
	Height              int64
	Time                time.Time
	LastCommitInfo      LastCommitInfo
	ByzantineValidators []Misbehavior
}

// RequestCheckTxData validates a transaction before/after mempool
// admission. Recheck is true when re-validating after a commit (spec.md
// §6's "CheckTx further carries a RECHECK flag").
type RequestCheckTxData struct {
	Tx      []byte
	Recheck bool
}

// RequestDeliverTxData executes one transaction within the current
// block.
type RequestDeliverTxData struct {
	Tx []byte
}

// RequestOfferSnapshotData and its siblings below support state-sync
// snapshot installation; they're part of the ABCI contract spec.md §6
// lists even though state-sync itself is out of this module's scope.
type RequestOfferSnapshotData struct {
	Height uint64
	Format uint32
	Hash   []byte
	Chunks uint32
	Metadata []byte
	AppHash  []byte
}

type RequestLoadSnapshotChunkData struct {
	Height uint64
	Format uint32
	Chunk  uint32
}

type RequestApplySnapshotChunkData struct {
	Index  uint32
	Chunk  []byte
	Sender string
}

// ValidatorUpdate, Misbehavior, LastCommitInfo, and ConsensusParams are
// the ABCI-boundary shapes of their types.* counterparts: the ABCI
// application is an external collaborator (spec.md's explicit Non-goal),
// so these are deliberately independent wire types rather than aliases,
// the same way the wire Header/Commit types stay independent of the
// consensus engine's internal representations.
type ValidatorUpdate struct {
	PubKey      []byte
	VotingPower int64
}

type Misbehavior struct {
	ValidatorAddress []byte
	Height           int64
	Time             time.Time
	TotalVotingPower int64
}

type VoteInfo struct {
	ValidatorAddress []byte
	VotingPower      int64
	SignedLastBlock  bool
}

type LastCommitInfo struct {
	Round int32
	Votes []VoteInfo
}

type ConsensusParams struct {
	MaxBytes int64
	MaxGas   int64
}

// Response is Request's counterpart: the one field matching the
// originating Type is populated.
type Response struct {
	Type RequestType

	Echo      string
	Info      ResponseInfoData
	InitChain ResponseInitChainData
	Query     ResponseQueryData

	CheckTx   ResponseCheckTxData
	DeliverTx ResponseDeliverTxData
	EndBlock  ResponseEndBlockData
	Commit    ResponseCommitData

	ListSnapshots     ResponseListSnapshotsData
	OfferSnapshot     ResponseOfferSnapshotData
	LoadSnapshotChunk ResponseLoadSnapshotChunkData
	ApplySnapshotChunk ResponseApplySnapshotChunkData
}

type ResponseInfoData struct {
	Data             string
	Version          string
	AppVersion       uint64
	LastBlockHeight  int64
	LastBlockAppHash []byte
}

type ResponseInitChainData struct {
	ConsensusParams *ConsensusParams
	Validators      []ValidatorUpdate
	AppHash         []byte
}

type ResponseQueryData struct {
	Code   uint32
	Log    string
	Index  int64
	Key    []byte
	Value  []byte
	Height int64
}

type ResponseCheckTxData struct {
	Code uint32
	Data []byte
	Log  string
	Gas  int64
}

type ResponseDeliverTxData struct {
	Code uint32
	Data []byte
	Log  string
	Gas  int64
}

type ResponseEndBlockData struct {
	ValidatorUpdates      []ValidatorUpdate
	ConsensusParamUpdates *ConsensusParams
}

type ResponseCommitData struct {
	Data          []byte // new app hash
	RetainHeight  int64
}

type ResponseListSnapshotsData struct {
	Snapshots []Snapshot
}

type Snapshot struct {
	Height   uint64
	Format   uint32
	Chunks   uint32
	Hash     []byte
	Metadata []byte
}

type ResponseOfferSnapshotData struct {
	Result string // "accept", "abort", "reject", "reject_format", "reject_sender"
}

type ResponseLoadSnapshotChunkData struct {
	Chunk []byte
}

type ResponseApplySnapshotChunkData struct {
	Result        string // "accept", "abort", "retry", "retry_snapshot", "reject_snapshot"
	RefetchChunks []uint32
	RejectSenders []string
}

// Client is a single, serialized connection to the application process.
// ABCI calls are request/response and strictly ordered, so one mutex
// guards the whole round trip, request and response together (spec.md
// §4.13).
type Client struct {
	conn net.Conn
	mu   sync.Mutex
}

// Dial opens the ABCI connection described by cfg (spec.md §6: "a Unix
// socket or TCP").
func Dial(cfg config.ABCIConfig) (*Client, error) {
	network := cfg.Transport
	if network == "" {
		network = "tcp"
	}
	conn, err := net.DialTimeout(network, cfg.Address, cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("abci: dialing application at %s://%s: %w", network, cfg.Address, err)
	}
	return NewClient(conn), nil
}

// NewClient wraps an already-connected conn (used directly by tests over
// net.Pipe, where Dial's network dialing doesn't apply).
func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn}
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(req Request) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("abci: encoding request: %w", err)
	}
	if err := writeFrame(c.conn, body); err != nil {
		return Response{}, fmt.Errorf("abci: writing request: %w", err)
	}
	respBody, err := readFrame(c.conn)
	if err != nil {
		return Response{}, fmt.Errorf("abci: reading response: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return Response{}, fmt.Errorf("abci: decoding response: %w", err)
	}
	if resp.Type != req.Type {
		return Response{}, fmt.Errorf("abci: response type %q does not match request type %q", resp.Type, req.Type)
	}
	return resp, nil
}

func writeFrame(w io.Writer, body []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// Echo round-trips msg through the application, used as a liveness probe.
func (c *Client) Echo(msg string) (string, error) {
	resp, err := c.call(Request{Type: RequestEcho, Echo: msg})
	if err != nil {
		return "", err
	}
	return resp.Echo, nil
}

// Flush is a no-op round trip that fences prior async calls; this client
// is fully synchronous, so Flush only exists to satisfy the boundary
// contract spec.md §6 names.
func (c *Client) Flush() error {
	_, err := c.call(Request{Type: RequestFlush})
	return err
}

// Info exchanges version/app-version and the application's last applied
// height, used on startup to detect a crash mid-commit (spec.md §4.13's
// closing note on WAL-replay-retries-commit).
func (c *Client) Info(req RequestInfoData) (ResponseInfoData, error) {
	resp, err := c.call(Request{Type: RequestInfo, Info: req})
	return resp.Info, err
}

// InitChain seeds genesis validators/params into a fresh application.
func (c *Client) InitChain(req RequestInitChainData) (ResponseInitChainData, error) {
	resp, err := c.call(Request{Type: RequestInitChain, InitChain: req})
	return resp.InitChain, err
}

// Query performs an out-of-consensus read.
func (c *Client) Query(req RequestQueryData) (ResponseQueryData, error) {
	resp, err := c.call(Request{Type: RequestQuery, Query: req})
	return resp.Query, err
}

// BeginBlock opens execution of one block.
func (c *Client) BeginBlock(req RequestBeginBlockData) error {
	_, err := c.call(Request{Type: RequestBeginBlock, BeginBlock: req})
	return err
}

// CheckTx validates tx for mempool admission (or re-validation, when
// Recheck is set).
func (c *Client) CheckTx(req RequestCheckTxData) (ResponseCheckTxData, error) {
	resp, err := c.call(Request{Type: RequestCheckTx, CheckTx: req})
	return resp.CheckTx, err
}

// DeliverTx executes tx within the currently open block.
func (c *Client) DeliverTx(req RequestDeliverTxData) (ResponseDeliverTxData, error) {
	resp, err := c.call(Request{Type: RequestDeliverTx, DeliverTx: req})
	return resp.DeliverTx, err
}

// EndBlock closes execution of the currently open block, returning any
// validator-set or consensus-param updates.
func (c *Client) EndBlock(height int64) (ResponseEndBlockData, error) {
	resp, err := c.call(Request{Type: RequestEndBlock})
	_ = height // height is implicit: it was fixed by the preceding BeginBlock
	return resp.EndBlock, err
}

// Commit persists the application's state and returns its new hash.
func (c *Client) Commit() (ResponseCommitData, error) {
	resp, err := c.call(Request{Type: RequestCommit})
	return resp.Commit, err
}

// ListSnapshots, OfferSnapshot, LoadSnapshotChunk, and ApplySnapshotChunk
// support state-sync; wired through for contract completeness (spec.md
// §6) even though nothing in this module drives a state-sync flow yet.
func (c *Client) ListSnapshots() (ResponseListSnapshotsData, error) {
	resp, err := c.call(Request{Type: RequestListSnapshots})
	return resp.ListSnapshots, err
}

func (c *Client) OfferSnapshot(req RequestOfferSnapshotData) (ResponseOfferSnapshotData, error) {
	resp, err := c.call(Request{Type: RequestOfferSnapshot, OfferSnapshot: req})
	return resp.OfferSnapshot, err
}

func (c *Client) LoadSnapshotChunk(req RequestLoadSnapshotChunkData) (ResponseLoadSnapshotChunkData, error) {
	resp, err := c.call(Request{Type: RequestLoadSnapshotChunk, LoadSnapshotChunk: req})
	return resp.LoadSnapshotChunk, err
}

func (c *Client) ApplySnapshotChunk(req RequestApplySnapshotChunkData) (ResponseApplySnapshotChunkData, error) {
	resp, err := c.call(Request{Type: RequestApplySnapshotChunk, ApplySnapshotChunk: req})
	return resp.ApplySnapshotChunk, err
}
