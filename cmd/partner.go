package cmd

import (
	"context"
	"fmt"
	"strings"

	"example.com/backstage/services/powerwatch/internal/core"
	"example.com/backstage/services/powerwatch/internal/infrastructure"
	"example.com/backstage/services/powerwatch/internal/utils"
	"github.com/spf13/cobra"
)

var partnerName string

var partnerCmd = &cobra.Command{
	Use:   "partner",
	Short: "Manage partner API access",
}

var partnerCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a partner and print its api key",
	Long:  `Creates a partner with a freshly generated api key. The key is printed once and cannot be recovered.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return createPartner(cmd)
	},
}

func init() {
	rootCmd.AddCommand(partnerCmd)
	partnerCmd.AddCommand(partnerCreateCmd)
	partnerCreateCmd.Flags().StringVar(&partnerName, "name", "", "partner display name")
	_ = partnerCreateCmd.MarkFlagRequired("name")
}

func createPartner(cmd *cobra.Command) error {
	name := strings.TrimSpace(partnerName)
	if name == "" {
		return fmt.Errorf("partner name is required")
	}

	db, err := infrastructure.NewDatabase(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	key, err := utils.GenerateAPIKey(24)
	if err != nil {
		return err
	}

	partner := &core.Partner{Name: name, APIKey: key}
	if err := core.NewRepository(db.DB).CreatePartner(context.Background(), partner); err != nil {
		return fmt.Errorf("failed to create partner: %w", err)
	}

	logger.WithField("partner_id", partner.ID).Info("Partner created")
	fmt.Fprintf(cmd.OutOrStdout(), "%s\n", key)
	return nil
}
