package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/decksync/internal/auth"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage sync server accounts",
	}
	cmd.AddCommand(newUserAddCmd())
	return cmd
}

func newUserAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add NAME",
		Short: "Add an account, or reset its password",
		Long: "Store a bcrypt hash of the account password under server.users.\n" +
			"The password is read from " + EnvPassword + " or asked for.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.ToLower(args[0])
			if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\:`) {
				return configError{fmt.Errorf("invalid account name %q", args[0])}
			}
			secret := os.Getenv(EnvPassword)
			if secret == "" {
				var err error
				if secret, err = askNewSecret(name); err != nil {
					return err
				}
			}
			hash, err := auth.HashSecret(secret)
			if err != nil {
				return err
			}
			err = updateConfigFile(func(doc map[string]any) {
				section(section(doc, "server"), "users")[name] = hash
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Account %s saved\n", name)
			return nil
		},
	}
}

func askNewSecret(name string) (string, error) {
	var secret, again string
	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().Title("Password for "+name).EchoMode(huh.EchoModePassword).Value(&secret).
			Validate(func(s string) error {
				if len(s) < 8 {
					return errors.New("use at least 8 characters")
				}
				return nil
			}),
		huh.NewInput().Title("Repeat password").EchoMode(huh.EchoModePassword).Value(&again),
	))
	if err := form.Run(); err != nil {
		return "", err
	}
	if secret != again {
		return "", configError{errors.New("passwords do not match")}
	}
	return secret, nil
}
