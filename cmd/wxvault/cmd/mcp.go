package cmd

import (
	"github.com/spf13/cobra"
	mcpserver "github.com/wesm/wxvault/internal/mcp"
	"github.com/wesm/wxvault/internal/service"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run MCP server for Claude Desktop integration",
	Long: `Start an MCP (Model Context Protocol) server over stdio.

This allows Claude Desktop (or any MCP client) to read your chat export
using the tools list_contacts, get_messages, get_status and locate_table.

Add to Claude Desktop config:
  {
    "mcpServers": {
      "wxvault": {
        "command": "wxvault",
        "args": ["mcp", "--db-path", "/path/to/export"]
      }
    }
  }`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.ValidateSource(); err != nil {
			return err
		}
		svc, err := service.Open(service.Options{
			Root:             cfg.Data.DBPath,
			SelfLabel:        cfg.Messages.SelfLabel,
			ShardConcurrency: cfg.Messages.ShardConcurrency,
			Logger:           logger,
		})
		if err != nil {
			return err
		}
		defer svc.Close()

		ctx := cmd.Context()
		if err := svc.Start(ctx, cfg.Cache.RefreshInterval.Duration); err != nil {
			return err
		}
		defer svc.Stop()

		return mcpserver.Serve(ctx, svc)
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
