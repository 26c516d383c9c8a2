package main

import (
	"context"
	"fmt"
	"time"

	"github.com/ggoodman/mcp-session-go/mcp"
	"github.com/ggoodman/mcp-session-go/mcpserver"
	"github.com/ggoodman/mcp-session-go/session"
	"github.com/ggoodman/mcp-session-go/streaminghttp"
)

const maxCountdown = 60

type echoArgs struct {
	Message string `json:"message"`
}

type countdownArgs struct {
	From      int `json:"from"`
	PollAfter int `json:"pollAfter,omitempty"`
}

// demoTools are the tools the binary serves.
func demoTools() *mcpserver.Tools {
	return mcpserver.NewTools(
		mcpserver.TypedTool(mcp.Tool{
			Name:        "echo",
			Description: "Echo a message back",
			InputSchema: mcp.ObjectSchema(map[string]mcp.SchemaProperty{
				"message": {Type: "string", Description: "Text to echo"},
			}, "message"),
		}, func(ctx context.Context, a echoArgs) (*mcp.CallToolResult, error) {
			return mcp.TextResult(a.Message), nil
		}),
		mcpserver.TypedTool(mcp.Tool{
			Name:        "countdown",
			Description: "Count down one second at a time, reporting progress. Over HTTP the response stream switches to polling after pollAfter ticks.",
			InputSchema: mcp.ObjectSchema(map[string]mcp.SchemaProperty{
				"from":      {Type: "integer", Description: "Seconds to count down from"},
				"pollAfter": {Type: "integer", Description: "Tick after which the client is asked to reconnect"},
			}, "from"),
		}, countdown),
	)
}

func countdown(ctx context.Context, a countdownArgs) (*mcp.CallToolResult, error) {
	if a.From < 1 || a.From > maxCountdown {
		return mcp.ErrorResult(fmt.Sprintf("from must be between 1 and %d", maxCountdown)), nil
	}
	sess, _ := session.FromContext(ctx)
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for i := a.From; i > 0; i-- {
		if a.PollAfter > 0 && a.From-i == a.PollAfter {
			// Outside the HTTP transport there is no stream to switch.
			_ = streaminghttp.EnablePolling(ctx, time.Second)
		}
		if sess != nil {
			_ = sess.Notify(ctx, string(mcp.ProgressNotificationMethod), mcp.ProgressNotificationParams{
				ProgressToken: "countdown",
				Progress:      float64(a.From - i),
				Total:         float64(a.From),
			})
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	return mcp.TextResult("liftoff"), nil
}
