package main

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func newCatalogsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalogs",
		Short: "List the catalog resources the API knows",
		Args:  cobra.NoArgs,
		RunE:  runCatalogs,
	}
	cmd.Flags().StringSlice("exclude", nil, "catalogs marked as excluded from --all")
	return cmd
}

func runCatalogs(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	api, err := newClient(cfg)
	if err != nil {
		return err
	}

	catalogs, err := api.Catalogs(cmd.Context())
	if err != nil {
		return fmt.Errorf("list catalogs: %w", err)
	}

	excluded := make(map[string]bool, len(cfg.Fetch.Exclude))
	for _, name := range cfg.Fetch.Exclude {
		excluded[strings.ToLower(strings.TrimSpace(name))] = true
	}

	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleLight)
	tbl.Style().Options.DrawBorder = false
	tbl.AppendHeader(table.Row{"Catalog", "Datasets", "Excluded"})
	total := 0
	for _, c := range catalogs {
		mark := ""
		if excluded[strings.ToLower(c.Name)] {
			mark = "yes"
		}
		tbl.AppendRow(table.Row{c.Name, humanize.Comma(int64(c.Count)), mark})
		total += c.Count
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, tbl.Render())
	fmt.Fprintf(out, "%d catalogs, %s datasets\n", len(catalogs), humanize.Comma(int64(total)))
	return nil
}
