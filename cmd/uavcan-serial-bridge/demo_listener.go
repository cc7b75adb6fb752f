package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kstaniek/uavcan-serial/internal/session"
)

// logReceivedTransfers drains in and logs each received frame until ctx is
// cancelled or the Frames channel is closed; InputSession.Close does not
// close that channel, so cancelling ctx is what ends the loop. It exists so the demo binary exercises
// GetInputSession end to end; a real application would decode Payload
// against its own DSDL-generated types instead of just logging its length.
func logReceivedTransfers(ctx context.Context, l *slog.Logger, in *session.InputSession) {
	for {
		select {
		case <-ctx.Done():
			return
		case rf, ok := <-in.Frames():
			if !ok {
				return
			}
			source := "anonymous"
			if rf.Frame.Source != nil {
				source = fmt.Sprintf("%d", *rf.Frame.Source)
			}
			l.Debug("transfer_received",
				"transfer_id", rf.Frame.TransferID,
				"source", source,
				"payload_len", len(rf.Frame.Payload),
				"priority", rf.Frame.Priority,
				"timestamp", rf.Timestamp,
			)
		}
	}
}
