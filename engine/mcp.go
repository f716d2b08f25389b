package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/gridsync/kit"
)

// RegisterMCP registers read-only admin tools on an MCP server.
func (e *Engine) RegisterMCP(srv *mcp.Server) {
	e.registerStatusTool(srv)
	e.registerCellTool(srv)
	e.registerRecentTool(srv)
	e.registerSnapshotsTool(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func decodeInto[T any](req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	var r T
	if len(req.Params.Arguments) > 0 {
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
	}
	return &kit.MCPDecodeResult{Request: &r}, nil
}

func (e *Engine) tool(srv *mcp.Server, tool *mcp.Tool, ep kit.Endpoint, decode func(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error)) {
	if e.toolMW != nil {
		ep = e.toolMW(tool.Name)(ep)
	}
	kit.RegisterMCPTool(srv, tool, kit.Logging(e.logger, tool.Name)(ep), decode)
}

// --- grid_status ---

type statusResp struct {
	Status any `json:"status"`
	Stats  any `json:"stats"`
}

func (e *Engine) registerStatusTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "grid_status",
		Description: "Grid occupancy plus aggregate counters (occupied cells, distinct writers, total placements).",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	endpoint := func(ctx context.Context, _ any) (any, error) {
		st, err := e.Stats(ctx)
		if err != nil {
			return nil, err
		}
		return statusResp{Status: e.Status(), Stats: st}, nil
	}
	e.tool(srv, tool, endpoint, decodeInto[struct{}])
}

// --- grid_cell ---

type cellReq struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type cellResp struct {
	Occupied bool   `json:"occupied"`
	X        int    `json:"x"`
	Y        int    `json:"y"`
	Color    uint32 `json:"color,omitempty"`
	Writer   string `json:"writer,omitempty"`
}

func (e *Engine) registerCellTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "grid_cell",
		Description: "Current color and last writer of one cell.",
		InputSchema: inputSchema(map[string]any{
			"x": map[string]any{"type": "integer", "minimum": 0},
			"y": map[string]any{"type": "integer", "minimum": 0},
		}, []string{"x", "y"}),
	}
	endpoint := func(_ context.Context, req any) (any, error) {
		r := req.(*cellReq)
		if !e.InBounds(r.X, r.Y) {
			return nil, fmt.Errorf("(%d,%d) outside %dx%d", r.X, r.Y, e.Width(), e.Height())
		}
		c, ok := e.Cell(r.X, r.Y)
		return cellResp{Occupied: ok, X: r.X, Y: r.Y, Color: c.Color, Writer: c.Writer}, nil
	}
	e.tool(srv, tool, endpoint, decodeInto[cellReq])
}

// --- grid_recent_placements ---

type limitReq struct {
	Limit int `json:"limit"`
}

func (e *Engine) registerRecentTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "grid_recent_placements",
		Description: "Newest placement log entries, newest first. color -1 marks an erase.",
		InputSchema: inputSchema(map[string]any{
			"limit": map[string]any{"type": "integer", "description": "Max entries (default 100)"},
		}, nil),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		entries, err := e.RecentPlacements(ctx, req.(*limitReq).Limit)
		if err != nil {
			return nil, err
		}
		return map[string]any{"placements": entries}, nil
	}
	e.tool(srv, tool, endpoint, decodeInto[limitReq])
}

// --- grid_snapshots ---

func (e *Engine) registerSnapshotsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "grid_snapshots",
		Description: "Snapshots taken before clear, import and restore, newest first.",
		InputSchema: inputSchema(map[string]any{
			"limit": map[string]any{"type": "integer", "description": "Max snapshots (default 50)"},
		}, nil),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		snaps, err := e.Snapshots(ctx, req.(*limitReq).Limit)
		if err != nil {
			return nil, err
		}
		return map[string]any{"snapshots": snaps}, nil
	}
	e.tool(srv, tool, endpoint, decodeInto[limitReq])
}
