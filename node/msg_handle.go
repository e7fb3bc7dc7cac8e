package node

import (
	"context"

	"github.com/gitzhang10/yac/conn"
	"github.com/gitzhang10/yac/sign"
	"github.com/gitzhang10/yac/yac"
)

// HandleMsgLoop authenticates every received envelope and dispatches it.
func (n *Node) HandleMsgLoop(ctx context.Context) {
	msgCh := n.trans.MsgChan()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-msgCh:
			n.handleMsg(msg)
		}
	}
}

func (n *Node) handleMsg(msg conn.Message) {
	if n.isFaulty {
		return
	}
	if !n.verifySigED25519(msg.Sender, msg.Payload, msg.Sig) {
		n.logger.Error("fail to verify the message's signature", "type", msg.Type, "sender", msg.Sender)
		n.metrics.DroppedVotes.WithLabelValues("bad_envelope").Inc()
		return
	}
	switch msgAsserted := msg.Msg.(type) {
	case yac.VoteMessage:
		n.engine.OnVote(msgAsserted)
	case yac.CommitMessage:
		if err := n.engine.OnCommit(&msgAsserted); err != nil {
			n.logger.Debug("commit refused", "sender", msg.Sender, "error", err)
		}
	case yac.RejectMessage:
		if err := n.engine.OnReject(&msgAsserted); err != nil {
			n.logger.Debug("reject refused", "sender", msg.Sender, "error", err)
		}
	case BlockRequest:
		go n.serveBlocks(msg.Sender, msgAsserted)
	case BlockResponse:
		n.fetcher.deliver(msg.Sender, msgAsserted)
	}
}

func (n *Node) verifySigED25519(peer string, data []byte, sig []byte) bool {
	p, ok := n.peers.ByName(peer)
	if !ok {
		n.logger.Error("node is not in the cluster", "peer", peer)
		return false
	}
	b, err := sign.VerifySignEd25519(p.PublicKey, data, sig)
	if err != nil {
		n.logger.Error("fail to verify the ED25519 signature", "error", err)
		return false
	}
	return b
}
