package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/idea-eval/internal/model"
)

var configsCmd = &cobra.Command{
	Use:   "configs",
	Short: "Manage model configurations",
	Long:  "Commands for listing, adding, testing and activating the model configurations the pipeline calls.",
}

// -- configs list --

var configsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List model configurations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("admin"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		configs, err := st.ListModelConfigs(ctx)
		if err != nil {
			return eris.Wrap(err, "configs list")
		}
		if len(configs) == 0 {
			fmt.Fprintln(os.Stderr, "No model configurations found.")
			return nil
		}

		formatConfigsList(os.Stdout, configs)
		return nil
	},
}

// -- configs add --

var configsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a draft model configuration",
	Long:  "Stores a new configuration in draft status. The credential is read from the environment variable named by --credential-env so it never appears in shell history.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("admin"); err != nil {
			return err
		}

		mc, err := modelConfigFromFlags(cmd)
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.SaveModelConfig(ctx, mc); err != nil {
			return eris.Wrap(err, "configs add")
		}
		fmt.Fprintf(os.Stdout, "Added %s (%s %s), status %s\n", mc.ID, mc.Provider, mc.Settings.Model, mc.Status)
		return nil
	},
}

// -- configs test --

var configsTestCmd = &cobra.Command{
	Use:   "test <config-id>",
	Short: "Send a probe prompt and mark the configuration tested",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("admin"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		mc, err := st.GetModelConfig(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "configs test")
		}

		rec, err := initGateway().TestConnection(ctx, *mc)
		if err != nil {
			zap.L().Warn("connection test failed",
				zap.String("config_id", mc.ID),
				zap.String("error_class", string(rec.ErrorClass)),
				zap.Error(err),
			)
			return eris.Wrapf(err, "configs test %s", mc.ID)
		}

		// An active config stays active; re-testing it must not take it
		// out of service.
		if mc.Status != model.ConfigStatusActive {
			if err := st.SetModelConfigStatus(ctx, mc.ID, model.ConfigStatusTested); err != nil {
				return eris.Wrap(err, "configs test")
			}
		}
		fmt.Fprintf(os.Stdout, "OK %s: %s in %s (%d tokens, %d attempts)\n",
			mc.ID, rec.Model, rec.Latency.Round(time.Millisecond), rec.TokensUsed, rec.Attempts)
		return nil
	},
}

// -- configs activate --

var configsActivateCmd = &cobra.Command{
	Use:   "activate <config-id>",
	Short: "Make a tested configuration the active one for a purpose",
	Long:  "Activates the configuration and deactivates the previously active configuration for the same purpose. Runs already started keep the configuration they pinned.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("admin"); err != nil {
			return err
		}

		purposeName, _ := cmd.Flags().GetString("purpose")
		purpose, err := model.ParsePurpose(purposeName)
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.ActivateModelConfig(ctx, args[0], purpose); err != nil {
			return eris.Wrap(err, "configs activate")
		}
		zap.L().Info("activated model config",
			zap.String("config_id", args[0]),
			zap.String("purpose", string(purpose)),
		)
		fmt.Fprintf(os.Stdout, "Activated %s for %s\n", args[0], purpose)
		return nil
	},
}

// -- configs deactivate --

var configsDeactivateCmd = &cobra.Command{
	Use:   "deactivate <config-id>",
	Short: "Take a configuration out of service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("admin"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.SetModelConfigStatus(ctx, args[0], model.ConfigStatusInactive); err != nil {
			return eris.Wrap(err, "configs deactivate")
		}
		fmt.Fprintf(os.Stdout, "Deactivated %s\n", args[0])
		return nil
	},
}

// modelConfigFromFlags builds a draft configuration from the add flags.
func modelConfigFromFlags(cmd *cobra.Command) (*model.ModelConfig, error) {
	name, _ := cmd.Flags().GetString("name")
	providerName, _ := cmd.Flags().GetString("provider")
	modelName, _ := cmd.Flags().GetString("model")
	purposeName, _ := cmd.Flags().GetString("purpose")
	endpoint, _ := cmd.Flags().GetString("endpoint")
	credEnv, _ := cmd.Flags().GetString("credential-env")
	temperature, _ := cmd.Flags().GetFloat64("temperature")
	maxTokens, _ := cmd.Flags().GetInt64("max-tokens")
	rateLimit, _ := cmd.Flags().GetInt("rate-limit")
	deployment, _ := cmd.Flags().GetString("deployment")
	apiVersion, _ := cmd.Flags().GetString("api-version")

	provider, err := model.ParseProvider(providerName)
	if err != nil {
		return nil, err
	}
	purpose, err := model.ParsePurpose(purposeName)
	if err != nil {
		return nil, err
	}
	if modelName == "" && provider != model.ProviderAzureOpenAI {
		return nil, eris.New("--model is required")
	}
	if provider == model.ProviderAzureOpenAI && (endpoint == "" || deployment == "") {
		return nil, eris.New("azure_openai requires --endpoint and --deployment")
	}
	if rateLimit < 0 {
		return nil, eris.Errorf("--rate-limit must be >= 0, got %d", rateLimit)
	}

	var credential string
	if credEnv != "" {
		credential = os.Getenv(credEnv)
		if credential == "" {
			return nil, eris.Errorf("environment variable %s is empty", credEnv)
		}
	}
	if name == "" {
		name = fmt.Sprintf("%s/%s", provider, modelName)
	}

	return &model.ModelConfig{
		Name:     name,
		Provider: provider,
		Purpose:  purpose,
		Status:   model.ConfigStatusDraft,
		Settings: model.ModelSettings{
			Endpoint:    endpoint,
			Credential:  credential,
			Model:       modelName,
			Temperature: temperature,
			MaxTokens:   maxTokens,
			RateLimit:   rateLimit,
			Deployment:  deployment,
			APIVersion:  apiVersion,
		},
	}, nil
}

// formatConfigsList writes a table of configurations to w. Credentials are
// never printed.
func formatConfigsList(out io.Writer, configs []model.ModelConfig) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tPROVIDER\tMODEL\tPURPOSE\tSTATUS\tVERSION\tRPM\tUPDATED")
	_, _ = fmt.Fprintln(w, "--\t----\t--------\t-----\t-------\t------\t-------\t---\t-------")

	for _, c := range configs {
		status := string(c.Status)
		if c.IsActive {
			status += "*"
		}
		rpm := "-"
		if c.Settings.RateLimit > 0 {
			rpm = fmt.Sprintf("%d", c.Settings.RateLimit)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			truncateID(c.ID),
			c.Name,
			c.Provider,
			c.Settings.Model,
			c.Purpose,
			status,
			c.Version,
			rpm,
			c.UpdatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// addConfigFlags registers the configs add flags on c.
func addConfigFlags(c *cobra.Command) {
	c.Flags().String("name", "", "display name (default provider/model)")
	c.Flags().String("provider", "", "anthropic, openai, azure_openai, gemini or gemma")
	c.Flags().String("model", "", "provider model identifier")
	c.Flags().String("purpose", string(model.PurposeEvaluation), "evaluation or verification")
	c.Flags().String("endpoint", "", "custom API endpoint")
	c.Flags().String("credential-env", "", "environment variable holding the API key")
	c.Flags().Float64("temperature", 0.2, "sampling temperature")
	c.Flags().Int64("max-tokens", 0, "max output tokens (0 = gateway default)")
	c.Flags().Int("rate-limit", 0, "requests per minute (0 = unlimited)")
	c.Flags().String("deployment", "", "azure_openai deployment name")
	c.Flags().String("api-version", "", "azure_openai API version")
}

func init() {
	addConfigFlags(configsAddCmd)
	_ = configsAddCmd.MarkFlagRequired("provider")

	configsActivateCmd.Flags().String("purpose", string(model.PurposeEvaluation), "evaluation or verification")

	configsCmd.AddCommand(configsListCmd)
	configsCmd.AddCommand(configsAddCmd)
	configsCmd.AddCommand(configsTestCmd)
	configsCmd.AddCommand(configsActivateCmd)
	configsCmd.AddCommand(configsDeactivateCmd)
	rootCmd.AddCommand(configsCmd)
}
