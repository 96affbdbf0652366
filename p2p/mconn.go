// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package p2p

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luxfi/log"

	"github.com/noirhq/noir/config"
)

// ChannelDescriptor declares one logical stream multiplexed over an
// MConnection: its scheduling priority, how many unsent messages it may
// queue, and the largest complete message the receiver
// will reassemble before dropping the sender (spec.md §4.11).
type ChannelDescriptor struct {
	ID                 byte
	Priority           int32
	SendQueueCapacity  int
	RecvMessageCapacity int
}

// PacketMsg is one chunk of a multiplexed message: a channel id, an
// end-of-message marker, and its payload slice (spec.md §4.11). Frames
// are JSON-encoded, the same hand-rolled envelope convention used
// throughout this module rather than protobuf — no concrete .proto
// schema exists to ground one, and wal/reactor/blocksync already
// establish JSON-tagged envelopes as this codebase's wire convention.
type PacketMsg struct {
	ChannelID byte
	EOF        bool
	Data       []byte
}

type channelState struct {
	desc ChannelDescriptor

	mu          sync.Mutex
	sendQueue   [][]byte
	queuedBytes int
	sendingRest []byte // remaining bytes of the message currently being chunked out

	recvBuf []byte

	recentlySent int64
	totalSent    int64
}

func newChannelState(desc ChannelDescriptor) *channelState {
	return &channelState{desc: desc}
}

// enqueue appends msg to the channel's send queue, dropping the oldest
// queued message if the queue is full for a throttleable (priority <
// 0 reserved, here: all channels configured with SendQueueCapacity>0
// behave this way) channel — spec.md §4.12's "bounded peer queues,
// drop-oldest for throttleable channels" overflow policy, mirrored here
// per-channel since MConnection is where per-channel queues live.
func (cs *channelState) enqueue(msg []byte) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if len(cs.sendQueue) >= cs.desc.SendQueueCapacity {
		if cs.desc.SendQueueCapacity == 0 {
			return false
		}
		cs.sendQueue = cs.sendQueue[1:]
	}
	cs.sendQueue = append(cs.sendQueue, msg)
	cs.queuedBytes += len(msg)
	return true
}

func (cs *channelState) isEmpty() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.sendingRest) == 0 && len(cs.sendQueue) == 0
}

// nextPacket pops up to maxPayload bytes for this channel, pulling a
// new message off the queue if the previous one finished, and reports
// whether the returned packet completes that message (spec.md §4.11).
func (cs *channelState) nextPacket(maxPayload int) (PacketMsg, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if len(cs.sendingRest) == 0 {
		if len(cs.sendQueue) == 0 {
			return PacketMsg{}, false
		}
		cs.sendingRest = cs.sendQueue[0]
		cs.sendQueue = cs.sendQueue[1:]
	}

	n := len(cs.sendingRest)
	if n > maxPayload {
		n = maxPayload
	}
	chunk := cs.sendingRest[:n]
	cs.sendingRest = cs.sendingRest[n:]
	eof := len(cs.sendingRest) == 0

	cs.recentlySent += int64(len(chunk))
	cs.totalSent += int64(len(chunk))
	return PacketMsg{ChannelID: cs.desc.ID, EOF: eof, Data: chunk}, true
}

// recvPacket appends pkt's data to the channel's reassembly buffer,
// returning the complete message and clearing the buffer once pkt.EOF
// is set (spec.md §4.11).
func (cs *channelState) recvPacket(pkt PacketMsg) ([]byte, bool, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.recvBuf = append(cs.recvBuf, pkt.Data...)
	if len(cs.recvBuf) > cs.desc.RecvMessageCapacity {
		return nil, false, fmt.Errorf("p2p: channel %d message exceeds recv capacity %d", cs.desc.ID, cs.desc.RecvMessageCapacity)
	}
	if !pkt.EOF {
		return nil, false, nil
	}
	msg := cs.recvBuf
	cs.recvBuf = nil
	return msg, true, nil
}

// scheduleRatio is priority weighted by how little of this channel's
// own traffic has gone out recently, so a bursty low-priority channel
// doesn't permanently starve under a busy high-priority one (spec.md
// §4.11: "priority × (1 - recently_sent/total_sent)").
func (cs *channelState) scheduleRatio() float64 {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.totalSent == 0 {
		return float64(cs.desc.Priority)
	}
	return float64(cs.desc.Priority) * (1 - float64(cs.recentlySent)/float64(cs.totalSent))
}

func (cs *channelState) resetRecentlySent() {
	cs.mu.Lock()
	cs.recentlySent = 0
	cs.mu.Unlock()
}

// frame is the encoded unit MConnection exchanges over the underlying
// SecretConnection's WriteFramed/ReadFramed transport: either a real
// PacketMsg or a zero-payload ping/pong control frame.
type frame struct {
	Kind string // "packet", "ping", "pong"
	Pkt  *PacketMsg `json:",omitempty"`
}

const (
	frameKindPacket = "packet"
	frameKindPing   = "ping"
	frameKindPong   = "pong"
)

// FramedConn is the transport seam MConnection needs under it: a
// SecretConnection in production, an in-memory pipe in tests.
type FramedConn interface {
	WriteFramed(data []byte) error
	ReadFramed() ([]byte, error)
	Close() error
}

// MConnection multiplexes many logical channels over one FramedConn,
// scheduling sends by priority, pinging to detect a silently dead peer,
// and reassembling each channel's messages independently (spec.md
// §4.11).
type MConnection struct {
	conn   FramedConn
	cfg    config.MConnConfig
	logger log.Logger

	onReceive func(chID byte, data []byte)
	onError   func(err error)

	channels   map[byte]*channelState
	channelIDs []byte

	lastMsgRecv atomic.Int64 // unix nano

	pongRecv chan struct{}
	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMConnection constructs an MConnection over conn with one
// channelState per descriptor. onReceive is called with each
// reassembled message; onError is called once, from whichever loop
// detects a fatal condition first, after which the connection is torn
// down (spec.md §4.11).
func NewMConnection(conn FramedConn, descs []ChannelDescriptor, cfg config.MConnConfig, logger log.Logger, onReceive func(chID byte, data []byte), onError func(err error)) *MConnection {
	mc := &MConnection{
		conn:      conn,
		cfg:       cfg,
		logger:    logger,
		onReceive: onReceive,
		onError:   onError,
		channels:  make(map[byte]*channelState, len(descs)),
		pongRecv:  make(chan struct{}, 1),
		quit:      make(chan struct{}),
	}
	for _, d := range descs {
		mc.channels[d.ID] = newChannelState(d)
		mc.channelIDs = append(mc.channelIDs, d.ID)
	}
	mc.lastMsgRecv.Store(time.Now().UnixNano())
	return mc
}

// Start launches the send and receive loops.
func (mc *MConnection) Start() {
	mc.wg.Add(2)
	go mc.sendRoutine()
	go mc.recvRoutine()
}

// Stop halts both loops and closes the underlying connection, in the
// order spec.md §5 prescribes for one connection's teardown: stop
// accepting new sends, let the receive side drain its last read, then
// close.
func (mc *MConnection) Stop() {
	mc.stopOnce.Do(func() {
		close(mc.quit)
		_ = mc.conn.Close()
	})
	mc.wg.Wait()
}

// Send enqueues data on chID, blocking until it's been accepted into
// the channel's send queue (the queue itself never blocks the caller
// beyond the drop-oldest policy, so this returns promptly).
func (mc *MConnection) Send(chID byte, data []byte) bool {
	cs, ok := mc.channels[chID]
	if !ok {
		return false
	}
	return cs.enqueue(data)
}

// TrySend is Send's non-blocking sibling; with the current drop-oldest
// queue implementation the two behave identically, kept distinct to
// match the Peer interface reactor/blocksync both depend on.
func (mc *MConnection) TrySend(chID byte, data []byte) bool {
	return mc.Send(chID, data)
}

func (mc *MConnection) sendRoutine() {
	defer mc.wg.Done()

	flush := time.NewTicker(mc.cfg.FlushThrottleTimeout)
	defer flush.Stop()
	ping := time.NewTicker(mc.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-mc.quit:
			return
		case <-ping.C:
			if err := mc.sendFrame(frame{Kind: frameKindPing}); err != nil {
				mc.fail(err)
				return
			}
			select {
			case <-mc.pongRecv:
			case <-time.After(mc.cfg.PongTimeout):
				mc.fail(fmt.Errorf("p2p: no pong within %s, peer is unresponsive", mc.cfg.PongTimeout))
				return
			case <-mc.quit:
				return
			}
		case <-flush.C:
			if err := mc.sendBatch(); err != nil {
				mc.fail(err)
				return
			}
		}
	}
}

// sendBatch picks the non-empty channel with the highest current
// schedule ratio and writes one packet from it, resetting every
// channel's recently-sent counter once per flush tick the way the
// teacher's batching loop amortizes the ratio over a window instead of
// recomputing it continuously (spec.md §4.11).
func (mc *MConnection) sendBatch() error {
	var best *channelState
	var bestRatio float64
	for _, id := range mc.channelIDs {
		cs := mc.channels[id]
		if cs.isEmpty() {
			continue
		}
		ratio := cs.scheduleRatio()
		if best == nil || ratio > bestRatio {
			best, bestRatio = cs, ratio
		}
	}
	if best == nil {
		return nil
	}
	pkt, ok := best.nextPacket(mc.cfg.MaxPacketMsgPayloadSize)
	if !ok {
		return nil
	}
	for _, id := range mc.channelIDs {
		mc.channels[id].resetRecentlySent()
	}
	return mc.sendFrame(frame{Kind: frameKindPacket, Pkt: &pkt})
}

func (mc *MConnection) sendFrame(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return mc.conn.WriteFramed(data)
}

func (mc *MConnection) recvRoutine() {
	defer mc.wg.Done()

	for {
		data, err := mc.conn.ReadFramed()
		if err != nil {
			select {
			case <-mc.quit:
				return
			default:
			}
			mc.fail(fmt.Errorf("p2p: reading frame: %w", err))
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			mc.fail(fmt.Errorf("p2p: decoding frame: %w", err))
			return
		}
		mc.lastMsgRecv.Store(time.Now().UnixNano())

		switch f.Kind {
		case frameKindPing:
			if err := mc.sendFrame(frame{Kind: frameKindPong}); err != nil {
				mc.fail(err)
				return
			}
		case frameKindPong:
			select {
			case mc.pongRecv <- struct{}{}:
			default:
			}
		case frameKindPacket:
			if f.Pkt == nil {
				continue
			}
			cs, ok := mc.channels[f.Pkt.ChannelID]
			if !ok {
				mc.logger.Warn("p2p: packet for unknown channel", "channel", f.Pkt.ChannelID)
				continue
			}
			msg, complete, err := cs.recvPacket(*f.Pkt)
			if err != nil {
				mc.fail(err)
				return
			}
			if complete {
				mc.onReceive(f.Pkt.ChannelID, msg)
			}
		}
	}
}

func (mc *MConnection) fail(err error) {
	if mc.onError != nil {
		mc.onError(err)
	}
	go mc.Stop()
}

// LastMessageAt returns when the last frame of any kind (including
// pings) was received, used by the peer manager to detect a connection
// that's gone silent beyond what the ping/pong cycle alone would catch.
func (mc *MConnection) LastMessageAt() time.Time {
	return time.Unix(0, mc.lastMsgRecv.Load())
}

// NoirChannelDescriptors is the fixed channel layout every MConnection
// in this node opens, matching the wire channel ids spec.md §6 assigns:
// consensus state/data/vote/vote-set-bits plus evidence and block-sync
// (mempool's 0x30 and PEX's 0x00 are boundary-only and not wired here).
func NoirChannelDescriptors(cfg config.MConnConfig) []ChannelDescriptor {
	return []ChannelDescriptor{
		{ID: 0x20, Priority: 5, SendQueueCapacity: cfg.SendQueueCapacity, RecvMessageCapacity: 1024 * 1024},
		{ID: 0x21, Priority: 10, SendQueueCapacity: cfg.SendQueueCapacity, RecvMessageCapacity: 100 * 1024 * 1024},
		{ID: 0x22, Priority: 10, SendQueueCapacity: cfg.SendQueueCapacity, RecvMessageCapacity: 1024 * 1024},
		{ID: 0x23, Priority: 5, SendQueueCapacity: cfg.SendQueueCapacity, RecvMessageCapacity: 1024 * 1024},
		{ID: 0x24, Priority: 1, SendQueueCapacity: cfg.SendQueueCapacity, RecvMessageCapacity: 1024 * 1024},
		{ID: 0x40, Priority: 3, SendQueueCapacity: cfg.SendQueueCapacity, RecvMessageCapacity: 100 * 1024 * 1024},
	}
}
