// Package mcpserver exposes terminal sessions as typed MCP (Model Context
// Protocol) tools over stdio JSON-RPC. The process hosts its own session
// stack: sessions created through the tools live until stdin closes, then
// every survivor is terminated.
package mcpserver

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/joestump/termhub/internal/config"
	"github.com/joestump/termhub/internal/schedule"
	"github.com/joestump/termhub/internal/services"
	"github.com/joestump/termhub/internal/session"
)

// Server holds the tool handlers' shared state.
type Server struct {
	registry  *session.Registry
	scheduler *schedule.Scheduler
	shell     []string // default command when create_session omits one
	user      string
	readOnly  bool
}

// NewServer wires the tool handlers to an existing registry and scheduler.
// The acting user and read-only mode are read from the environment.
func NewServer(reg *session.Registry, sched *schedule.Scheduler, shell []string) *Server {
	user := os.Getenv("TERMHUB_MCP_USER")
	if user == "" {
		user = "mcp"
	}
	readOnly := os.Getenv("TERMHUB_MCP_READONLY") == "true"

	return &Server{
		registry:  reg,
		scheduler: sched,
		shell:     shell,
		user:      user,
		readOnly:  readOnly,
	}
}

// Run builds a self-contained session stack from cfg and serves the tools on
// stdio. It blocks until stdin closes.
func Run(cfg config.Config) error {
	core := services.Build(cfg, services.Options{})
	s := NewServer(core.Registry, core.Scheduler, cfg.ShellCommand())

	mcpServer := server.NewMCPServer(
		"termhub",
		config.Version,
		server.WithToolCapabilities(true),
	)

	tools := []server.ServerTool{
		{Tool: listSessionsTool(), Handler: s.handleListSessions},
		{Tool: getOutputTool(), Handler: s.handleGetOutput},
		{Tool: listScheduledInputsTool(), Handler: s.handleListScheduledInputs},
	}
	if !s.readOnly {
		tools = append(tools,
			server.ServerTool{Tool: createSessionTool(), Handler: s.handleCreateSession},
			server.ServerTool{Tool: sendInputTool(), Handler: s.handleSendInput},
			server.ServerTool{Tool: terminateSessionTool(), Handler: s.handleTerminateSession},
			server.ServerTool{Tool: addScheduledInputTool(), Handler: s.handleAddScheduledInput},
		)
	}
	mcpServer.AddTools(tools...)

	stdio := server.NewStdioServer(mcpServer)
	stdio.SetErrorLogger(log.New(os.Stderr, "[mcp] ", log.LstdFlags))

	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := core.Shutdown(ctx); err != nil {
			log.Printf("[mcp] terminate sessions: %v", err)
		}
	}()
	return stdio.Listen(context.Background(), os.Stdin, os.Stdout)
}
