package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openconduct/openconduct/pkg/config"
	"github.com/openconduct/openconduct/pkg/engine"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [envelope.json...]",
		Short: "Validate envelope files and the server configuration",
		Long: `Checks each envelope file structurally and prints its canonical
fingerprint. With no arguments, validates the configuration only.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(configPath); err != nil {
				return err
			}
			fmt.Println("configuration: ok")

			for _, path := range args {
				if err := validateEnvelopeFile(path); err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
			}
			return nil
		},
	}
	return cmd
}

func validateEnvelopeFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	env, err := engine.ValidateEnvelope(raw)
	if err != nil {
		return err
	}

	fp, err := engine.Fingerprint(env)
	if err != nil {
		return err
	}

	fmt.Printf("%s: ok (type=%s/%s operation=%s fingerprint=%s)\n",
		path, env.Type, env.TypeVersion, env.Operation, fp)
	return nil
}
