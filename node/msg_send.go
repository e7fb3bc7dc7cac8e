package node

import (
	"golang.org/x/sync/errgroup"

	"github.com/gitzhang10/yac/conn"
	"github.com/gitzhang10/yac/sign"
	"github.com/gitzhang10/yac/types"
	"github.com/gitzhang10/yac/yac"
)

// seal encodes msg and signs the encoding with the node key.
func (n *Node) seal(msg interface{}) (*conn.Envelope, error) {
	payload, err := conn.EncodePayload(msg)
	if err != nil {
		return nil, err
	}
	return &conn.Envelope{
		Sender:  n.name,
		Payload: payload,
		Sig:     sign.SignEd25519(n.privateKey, payload),
	}, nil
}

// send message to all other nodes
func (n *Node) broadcast(msgType uint8, msg interface{}) error {
	if n.trans == nil {
		return ErrNotListening
	}
	env, err := n.seal(msg)
	if err != nil {
		return err
	}
	var g errgroup.Group
	for _, p := range n.peers.Peers() {
		p := p
		if p.Name == n.name {
			continue
		}
		g.Go(func() error {
			if err := n.trans.Send(p.Address, msgType, env); err != nil {
				n.logger.Debug("fail to send message", "type", msgType, "receiver", p.Name, "error", err)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// send message to one node
func (n *Node) sendTo(peer types.Peer, msgType uint8, msg interface{}) error {
	if n.trans == nil {
		return ErrNotListening
	}
	env, err := n.seal(msg)
	if err != nil {
		return err
	}
	return n.trans.Send(peer.Address, msgType, env)
}

// Broadcast implements yac.Network.
func (n *Node) Broadcast(vote yac.VoteMessage) {
	if err := n.broadcast(VoteTag, vote); err != nil {
		n.logger.Warn("vote did not reach every peer", "round", vote.Hash.Round, "error", err)
	}
}

// SendState implements yac.Network: a peer voting in a decided round gets the
// proof of the decision.
func (n *Node) SendState(to types.Peer, outcome yac.Outcome) {
	var err error
	switch {
	case outcome.Commit != nil:
		err = n.sendTo(to, CommitTag, *outcome.Commit)
	case outcome.Reject != nil:
		err = n.sendTo(to, RejectTag, *outcome.Reject)
	default:
		return
	}
	if err != nil {
		n.logger.Debug("fail to send round state", "round", outcome.Round, "receiver", to.Name, "error", err)
	}
}
