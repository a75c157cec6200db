package command

import (
	"github.com/rickgao/xapi-client/internal/metrics"
	"github.com/rickgao/xapi-client/internal/protocol"
	"github.com/rickgao/xapi-client/internal/transport"
)

// handleMessage correlates one inbound frame with its transaction. Frames that
// cannot be matched are logged and dropped.
func (c *Channel) handleMessage(msg transport.Message) {
	resp, err := protocol.ParseResponse(msg.Data)
	if err != nil {
		c.drop("malformed", "malformed message", "error", err, "data", string(msg.Data))
		return
	}

	tag := resp.Tag()
	if tag == "" {
		if resp.Kind() == protocol.KindError {
			c.logger.Error("server error",
				"code", resp.ErrorCode,
				"description", resp.ErrorDescr,
			)
			return
		}
		c.drop("untagged", "message without customTag", "data", string(msg.Data))
		return
	}

	command, id, ok := protocol.ParseTag(tag)
	if !ok {
		c.drop("bad_tag", "unparseable customTag", "tag", tag)
		return
	}

	info, ok := c.queue.Get(id)
	if !ok || info.Command != command || !info.Status.Open() {
		c.drop("unmatched", "no open transaction for reply", "tag", tag)
		return
	}

	if resp.Kind() == protocol.KindError {
		rerr := resp.Err()
		if c.queue.RejectWithResponse(id, rerr, msg.ReceivedAt) {
			c.logger.Warn("command failed",
				"command", command,
				"transaction_id", id,
				"code", rerr.Code,
				"description", rerr.Description,
			)
		}
		return
	}

	info, ok = c.queue.Resolve(id, resp.Payload(), msg.ReceivedAt)
	if !ok {
		return
	}
	c.replies.Emit(command, Reply{
		Command:       command,
		TransactionID: id,
		Payload:       info.Response.Payload,
		SentAt:        info.SentAt,
		Received:      msg.ReceivedAt,
	})
}

func (c *Channel) drop(reason, msg string, args ...any) {
	metrics.DroppedMessagesTotal.WithLabelValues(channelName, reason).Inc()
	c.logger.Error(msg, args...)
}
