package node

import (
	"strconv"
	"time"

	"github.com/gitzhang10/yac/conn"
)

const dialTimeout = 30 * time.Second

// StartP2PListen starts the node to listen for P2P connection.
func (n *Node) StartP2PListen() error {
	var err error
	n.trans, err = conn.NewTCPTransport(":"+strconv.Itoa(n.listenPort), dialTimeout,
		n.logger.Named("net"), n.maxPool, reflectedTypesMap)
	if err != nil {
		return err
	}
	return nil
}

// EstablishP2PConns establishes P2P connections with other nodes.
func (n *Node) EstablishP2PConns() error {
	if n.trans == nil {
		return ErrNotListening
	}
	for _, p := range n.peers.Peers() {
		if p.Name == n.name {
			continue
		}
		connect, err := n.trans.GetConn(p.Address)
		if err != nil {
			return err
		}
		err = n.trans.ReturnConn(connect)
		if err != nil {
			return err
		}
		n.logger.Debug("connection has been established", "sender", n.name, "receiver", p.Address)
	}
	return nil
}
