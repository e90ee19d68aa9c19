// production-admin runs one-off operations against the production database.
//
// Usage (from backend directory, same DB_* env as the server):
//
//	go run ./cmd/production-admin migrate
//	go run ./cmd/production-admin reconcile --org <id> [--fix]
//	go run ./cmd/production-admin export --org <id> --batch 12 [--out batch.xlsx]
//	go run ./cmd/production-admin outbox requeue [--org <id>]
//	go run ./cmd/production-admin token --org <id> --user 1 [--role admin]
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/mmdatafocus/erp_backend/config"
	"github.com/mmdatafocus/erp_backend/models"
	"github.com/mmdatafocus/erp_backend/models/reports"
	"github.com/mmdatafocus/erp_backend/utils"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "production-admin",
		Short: "Operational tooling for batch production and inventory settlement",
	}
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(outboxCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func connect() error {
	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		return errors.New("database not initialized (config.GetDB returned nil). Set DB_* env vars")
	}
	return nil
}

func orgContext(organizationId string) context.Context {
	ctx := utils.SystemContext(context.Background(), organizationId, "")
	return utils.SetUserNameInContext(ctx, "production-admin")
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the production tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := connect(); err != nil {
				return err
			}
			if err := models.AutoMigrate(); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Println("migrations applied")
			return nil
		},
	}
}

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Compare product stock with the movement ledger",
		Long:  "Lists products whose stock differs from the sum of their movements. With --fix, stock is rewritten from the ledger.",
		RunE: func(cmd *cobra.Command, args []string) error {
			organizationId, _ := cmd.Flags().GetString("org")
			fix, _ := cmd.Flags().GetBool("fix")
			if organizationId == "" {
				return errors.New("--org is required")
			}
			if err := connect(); err != nil {
				return err
			}
			drift, err := models.ReconcileStock(orgContext(organizationId), fix)
			if err != nil {
				return err
			}
			if len(drift) == 0 {
				fmt.Println("no drift")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PRODUCT\tNAME\tSTOCK\tLEDGER\tDIFF\tFIXED")
			for _, d := range drift {
				fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%d\t%t\n", d.ProductId, d.ProductName, d.Stock, d.LedgerStock, d.Difference, d.Fixed)
			}
			return w.Flush()
		},
	}
	cmd.Flags().String("org", "", "organization id")
	cmd.Flags().Bool("fix", false, "rewrite stock from the movement ledger")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a batch report workbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			organizationId, _ := cmd.Flags().GetString("org")
			batchId, _ := cmd.Flags().GetInt("batch")
			out, _ := cmd.Flags().GetString("out")
			if organizationId == "" || batchId <= 0 {
				return errors.New("--org and --batch are required")
			}
			if err := connect(); err != nil {
				return err
			}
			result, err := reports.ExportBatchReport(orgContext(organizationId), batchId)
			if result == nil {
				return err
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "upload failed: %v\n", err)
			}
			if out == "" {
				out = result.FileName
			}
			if err := os.WriteFile(out, result.Data, 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", out)
			if result.URL != "" {
				fmt.Printf("uploaded to %s\n", result.URL)
			}
			return nil
		},
	}
	cmd.Flags().String("org", "", "organization id")
	cmd.Flags().Int("batch", 0, "batch id")
	cmd.Flags().String("out", "", "output file (defaults to the generated name)")
	return cmd
}

func outboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and repair insight outbox delivery",
	}
	requeue := &cobra.Command{
		Use:   "requeue",
		Short: "Reset DEAD/FAILED outbox rows so they are delivered again",
		RunE: func(cmd *cobra.Command, args []string) error {
			organizationId, _ := cmd.Flags().GetString("org")
			if err := connect(); err != nil {
				return err
			}
			ctx := utils.SetIsAdminInContext(context.Background(), true)
			ctx = utils.SetSkipTenantScopeInContext(ctx, true)
			n, err := models.RequeueDeadOutbox(ctx, organizationId)
			if err != nil {
				return err
			}
			fmt.Printf("requeued %d outbox rows\n", n)
			return nil
		},
	}
	requeue.Flags().String("org", "", "organization id (empty for all)")
	cmd.AddCommand(requeue)
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			organizationId, _ := cmd.Flags().GetString("org")
			userId, _ := cmd.Flags().GetInt("user")
			name, _ := cmd.Flags().GetString("name")
			role, _ := cmd.Flags().GetString("role")
			if organizationId == "" {
				return errors.New("--org is required")
			}
			token, err := utils.JwtGenerate(userId, name, organizationId, role)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().String("org", "", "organization id")
	cmd.Flags().Int("user", 1, "user id")
	cmd.Flags().String("name", "operator", "user name")
	cmd.Flags().String("role", "operator", "role (admin for ops routes)")
	return cmd
}
