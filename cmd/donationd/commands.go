package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/godonate/internal/config"
	"github.com/mihaimyh/godonate/pkg/donation"
	"github.com/mihaimyh/godonate/pkg/fees"
	"github.com/mihaimyh/godonate/storage/catalog"
)

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the configured database schemas",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := loadApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "catalog: %s\n", a.cfg.Catalog.DSN)

			if a.postgres != nil {
				if err := a.postgres.Migrate(ctx); err != nil {
					return err
				}
				fmt.Fprintln(out, "postgres: schema applied")
			}
			if a.events != nil {
				if err := a.events.CreateTable(ctx); err != nil {
					return err
				}
				fmt.Fprintf(out, "dynamodb: table %s ready\n", a.cfg.Storage.DynamoDB.EventsTable)
			}
			return nil
		},
	}
}

func newSweepCmd(configPath *string) *cobra.Command {
	var grace time.Duration

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one reconciliation pass and print the report",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := loadApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			sweepConfig := donation.SweepConfig{
				Grace:       a.cfg.Sweep.Grace,
				BatchSize:   a.cfg.Sweep.BatchSize,
				Concurrency: a.cfg.Sweep.Concurrency,
			}
			if cmd.Flags().Changed("grace") {
				sweepConfig.Grace = grace
			}

			report, err := donation.NewSweeper(a.service, sweepConfig).Run(ctx)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().DurationVar(&grace, "grace", 0, "override sweep.grace for this run")
	return cmd
}

func newFeesCmd(configPath *string) *cobra.Command {
	var amount int64

	cmd := &cobra.Command{
		Use:   "fees",
		Short: "Print the fee breakdown for a gross amount in cents",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Read(*configPath)
			if err != nil {
				return err
			}
			calc, err := fees.NewCalculator(cfg.Fees.Calculator())
			if err != nil {
				return err
			}
			breakdown, err := calc.Calculate(amount)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), breakdown)
		},
	}
	cmd.Flags().Int64Var(&amount, "amount", 0, "gross amount in cents")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func newCampaignsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "campaigns",
		Short: "Manage the campaign catalog",
	}

	openCatalog := func() (*catalog.Store, error) {
		cfg, err := config.Read(*configPath)
		if err != nil {
			return nil, err
		}
		return catalog.Open(cfg.Catalog.DSN)
	}

	var c donation.Campaign
	add := &cobra.Command{
		Use:   "add",
		Short: "Create or update a campaign",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openCatalog()
			if err != nil {
				return err
			}
			defer store.Close()
			return store.SaveCampaign(cmd.Context(), c)
		},
	}
	add.Flags().StringVar(&c.ID, "id", "", "campaign id")
	add.Flags().StringVar(&c.Name, "name", "", "display name")
	add.Flags().StringVar(&c.Status, "status", donation.CampaignActive, "campaign status")
	_ = add.MarkFlagRequired("id")

	var p donation.Participant
	addParticipant := &cobra.Command{
		Use:   "add-participant",
		Short: "Create or update a participant in an existing campaign",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openCatalog()
			if err != nil {
				return err
			}
			defer store.Close()
			return store.SaveParticipant(cmd.Context(), p)
		},
	}
	addParticipant.Flags().StringVar(&p.ID, "id", "", "participant id")
	addParticipant.Flags().StringVar(&p.CampaignID, "campaign", "", "campaign id")
	addParticipant.Flags().StringVar(&p.Name, "name", "", "display name")
	_ = addParticipant.MarkFlagRequired("id")
	_ = addParticipant.MarkFlagRequired("campaign")

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List campaigns",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openCatalog()
			if err != nil {
				return err
			}
			defer store.Close()

			campaigns, err := store.ListCampaigns(cmd.Context(), status)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tNAME")
			for _, c := range campaigns {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", c.ID, c.Status, c.Name)
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVar(&status, "status", "", "only list campaigns with this status")

	cmd.AddCommand(add, addParticipant, list)
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
