package providers

import (
	"github.com/orchestra-mcp/chatrelay/src/hub"
	"github.com/orchestra-mcp/chatrelay/src/metrics"
	"github.com/orchestra-mcp/chatrelay/src/tap"
	"github.com/orchestra-mcp/chatrelay/src/types"
)

// Compile-time interface assertions.
var (
	_ types.Conn   = (*fasthttpConn)(nil)
	_ hub.EventTap = (*tap.RedisTap)(nil)
	_ hub.Recorder = (*metrics.Recorder)(nil)
	_ tap.Tap      = (*tap.RedisTap)(nil)
)
