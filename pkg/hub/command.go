package hub

import (
	"encoding/json"

	"github.com/specdeck/specdeck/pkg/wire"
)

// handleCommand parses and dispatches one inbound frame. Every failure path
// ends in a best-effort negative ack; a bad command never costs the peer its
// connection.
func (h *Hub) handleCommand(c *Conn, raw []byte) {
	var cmd wire.Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		c.logger.Debug("Unparseable command frame", "err", err)
		// No request_id: none could be extracted from the frame.
		c.ack("", false, "validation_error: invalid payload")
		return
	}

	switch cmd.Action {
	case wire.ActionSubscribe:
		h.handleTopicsCommand(c, cmd, "subscribe", h.Subscribe)
	case wire.ActionUnsubscribe:
		h.handleTopicsCommand(c, cmd, "unsubscribe", h.Unsubscribe)
	case wire.ActionPing:
		c.ack(cmd.RequestID, true, "")
	default:
		c.logger.Debug("Command with unknown action", "action", cmd.Action)
		c.ack(cmd.RequestID, false, "missing or invalid action field")
	}
}

// handleTopicsCommand validates the topics payload shared by subscribe and
// unsubscribe, applies the registry operation, and acks the outcome.
func (h *Hub) handleTopicsCommand(c *Conn, cmd wire.Command, verb string, apply func(sessionID string, topics []string) error) {
	topics, err := cmd.Topics()
	if err != nil {
		c.logger.Debug("Invalid topics payload", "action", verb, "err", err)
		c.ack(cmd.RequestID, false, "validation_error: "+err.Error())
		return
	}
	if err := apply(c.sessionID, topics); err != nil {
		c.ack(cmd.RequestID, false, verb+" failed: "+err.Error())
		return
	}
	c.ack(cmd.RequestID, true, "")
}

// ack queues a command acknowledgement best-effort.
func (c *Conn) ack(requestID string, success bool, errMsg string) {
	c.trySendControl(&wire.Ack{
		Ack:       true,
		RequestID: requestID,
		Success:   success,
		Error:     errMsg,
	})
}
