package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/intralog/drawbridge/pkg/config"
	"github.com/intralog/drawbridge/pkg/secrets"
)

func newCredentialsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage the encrypted credential store",
		Long: `Manage service credentials held in the encrypted credential file. The
file is encrypted with a master password taken from the ` + secrets.MasterKeyEnv + `
environment variable; the watch daemon reads the same variable to unlock
credentials at startup.

Known services: odoo, remote, email, portal.`,
	}

	cmd.AddCommand(newCredentialsSetCommand())
	cmd.AddCommand(newCredentialsListCommand())
	cmd.AddCommand(newCredentialsRemoveCommand())
	return cmd
}

func openSecrets() (*secrets.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return secrets.NewStore(cfg.Secrets.Path)
}

func newCredentialsSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set <service> <key> <value>",
		Short: "Store a credential",
		Example: `  # Store the Odoo password
  drawbridge credentials set odoo password 's3cret'

  # Store portal login
  drawbridge credentials set portal username intake-bot
  drawbridge credentials set portal password 's3cret'`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openSecrets()
			if err != nil {
				return err
			}
			if err := store.Set(args[0], args[1], args[2]); err != nil {
				return err
			}
			fmt.Printf("Stored %s/%s.\n", args[0], args[1])
			return nil
		},
	}
}

func newCredentialsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored credential keys",
		Long:  "List the services and keys in the credential store. Values are never printed.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openSecrets()
			if err != nil {
				return err
			}
			listing, err := store.List()
			if err != nil {
				return err
			}
			if len(listing) == 0 {
				fmt.Println("No credentials stored.")
				return nil
			}

			services := make([]string, 0, len(listing))
			for svc := range listing {
				services = append(services, svc)
			}
			sort.Strings(services)
			for _, svc := range services {
				keys := listing[svc]
				sort.Strings(keys)
				for _, key := range keys {
					fmt.Printf("%s/%s\n", svc, key)
				}
			}
			return nil
		},
	}
}

func newCredentialsRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <service> [key]",
		Short: "Remove a credential or a whole service",
		Example: `  # Remove one credential
  drawbridge credentials remove portal password

  # Remove every credential for a service
  drawbridge credentials remove portal`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openSecrets()
			if err != nil {
				return err
			}
			key := ""
			if len(args) == 2 {
				key = args[1]
			}
			if err := store.Remove(args[0], key); err != nil {
				return err
			}
			fmt.Println("Removed.")
			return nil
		},
	}
}
