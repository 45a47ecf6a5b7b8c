package core

// zero_trust_data_channels.go implements the authenticated, ephemeral
// channels the Search Orchestrator's DHT fan-out uses to run a KeywordLookup
// against one remote peer: open, push the request/response frames, close.
// Channel state rides on the node's generic StateRW store (the credit
// ledger's State map in practice) so a crash mid-lookup leaves no dangling
// channel for a peer to keep writing into.

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// ZTChannel is one open request/response channel between this node and a
// remote peer.
type ZTChannel struct {
	ID      string    `json:"id"`
	Self    Address   `json:"self"`
	Peer    Address   `json:"peer"`
	Created time.Time `json:"created"`
	Closed  bool      `json:"closed"`
	NextSeq uint64    `json:"next_seq"`
}

// ZTMessage is a single frame exchanged over a channel.
type ZTMessage struct {
	Channel string    `json:"channel"`
	From    Address   `json:"from"`
	Seq     uint64    `json:"seq"`
	Payload []byte    `json:"payload"`
	Time    time.Time `json:"time"`
}

// ChannelHub opens and tracks zero-trust channels against a StateRW store,
// broadcasting open/push/close events so the remote peer observes them over
// its own subscription to the same topic.
type ChannelHub struct {
	state     StateRW
	broadcast BroadcasterFunc

	mu   sync.Mutex
	subs map[string]chan ZTMessage
}

// NewChannelHub builds a hub persisting through state and announcing frames
// via broadcast.
func NewChannelHub(state StateRW, broadcast BroadcasterFunc) *ChannelHub {
	return &ChannelHub{state: state, broadcast: broadcast, subs: make(map[string]chan ZTMessage)}
}

// Open creates a new channel to peer and returns its ID.
func (h *ChannelHub) Open(self, peer Address) (string, error) {
	idBytes := make([]byte, 16)
	if _, err := rand.Read(idBytes); err != nil {
		return "", err
	}
	id := hex.EncodeToString(idBytes)
	ch := ZTChannel{ID: id, Self: self, Peer: peer, Created: time.Now().UTC()}
	raw, err := json.Marshal(ch)
	if err != nil {
		return "", err
	}
	if err := h.state.SetState(channelKey(id), raw); err != nil {
		return "", err
	}
	if h.broadcast != nil {
		_ = h.broadcast("ztdc:open", raw)
	}
	return id, nil
}

// Close marks id closed; it rejects closing an already-closed channel so a
// caller can't double-count teardown events.
func (h *ChannelHub) Close(id string) error {
	ch, err := h.load(id)
	if err != nil {
		return err
	}
	if ch.Closed {
		return NewError(ProtocolViolation, "ztdc.close", fmt.Errorf("channel %s already closed", id))
	}
	ch.Closed = true
	raw, err := json.Marshal(ch)
	if err != nil {
		return err
	}
	if err := h.state.SetState(channelKey(id), raw); err != nil {
		return err
	}
	if h.broadcast != nil {
		_ = h.broadcast("ztdc:close", raw)
	}
	return nil
}

// Push writes one frame onto the channel and broadcasts it.
func (h *ChannelHub) Push(id string, from Address, payload []byte) (ZTMessage, error) {
	ch, err := h.load(id)
	if err != nil {
		return ZTMessage{}, err
	}
	if ch.Closed {
		return ZTMessage{}, NewError(ProtocolViolation, "ztdc.push", fmt.Errorf("channel %s closed", id))
	}
	seq := ch.NextSeq
	ch.NextSeq++
	chRaw, err := json.Marshal(ch)
	if err != nil {
		return ZTMessage{}, err
	}
	if err := h.state.SetState(channelKey(id), chRaw); err != nil {
		return ZTMessage{}, err
	}
	msg := ZTMessage{Channel: id, From: from, Seq: seq, Payload: payload, Time: time.Now().UTC()}
	raw, err := json.Marshal(msg)
	if err != nil {
		return ZTMessage{}, err
	}
	if err := h.state.SetState(messageKey(id, seq), raw); err != nil {
		return ZTMessage{}, err
	}
	if h.broadcast != nil {
		_ = h.broadcast("ztdc:msg", raw)
	}
	return msg, nil
}

// Deliver routes an inbound frame (received over the node's pubsub topic) to
// whichever local caller is waiting on that channel, if any.
func (h *ChannelHub) Deliver(msg ZTMessage) {
	h.mu.Lock()
	ch, ok := h.subs[msg.Channel]
	h.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- msg:
	default:
	}
}

// Await returns the delivery channel for id, creating it if this is the
// first waiter.
func (h *ChannelHub) Await(id string) <-chan ZTMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.subs[id]
	if !ok {
		ch = make(chan ZTMessage, 4)
		h.subs[id] = ch
	}
	return ch
}

// StopAwait releases the delivery channel registered for id.
func (h *ChannelHub) StopAwait(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
}

func (h *ChannelHub) load(id string) (ZTChannel, error) {
	raw, err := h.state.GetState(channelKey(id))
	if err != nil {
		return ZTChannel{}, err
	}
	var ch ZTChannel
	if err := json.Unmarshal(raw, &ch); err != nil {
		return ZTChannel{}, err
	}
	return ch, nil
}

// List returns every channel this node has opened, drawn from the state
// store's "ztdc:ch:" prefix.
func (h *ChannelHub) List() ([]ZTChannel, error) {
	it := h.state.PrefixIterator([]byte("ztdc:ch:"))
	var out []ZTChannel
	for it.Next() {
		var ch ZTChannel
		if err := json.Unmarshal(it.Value(), &ch); err == nil {
			out = append(out, ch)
		}
	}
	if err := it.Error(); err != nil {
		return out, err
	}
	return out, nil
}

func channelKey(id string) []byte {
	return []byte("ztdc:ch:" + id)
}

func messageKey(id string, seq uint64) []byte {
	return []byte(fmt.Sprintf("ztdc:msg:%s:%08d", id, seq))
}
