package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/duolab/duologue/internal/app"
	"github.com/duolab/duologue/internal/config"
	"github.com/duolab/duologue/internal/store"
)

func newPersonasCmd() *cobra.Command {
	personasCmd := &cobra.Command{
		Use:   "personas",
		Short: "Manage AI personas",
	}
	personasCmd.AddCommand(newPersonasCreateCmd())
	personasCmd.AddCommand(newPersonasListCmd())
	return personasCmd
}

func newPersonasCreateCmd() *cobra.Command {
	var (
		name         string
		providerName string
		model        string
		systemPrompt string
		guidelines   []string
		temperature  float32
		notes        string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a persona",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			a, err := app.Setup(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck

			if providerName == "" {
				providerName = cfg.DefaultProvider
			}
			p, err := a.Store.CreatePersona(cmd.Context(), &store.Persona{
				Name:         name,
				Provider:     providerName,
				Model:        model,
				SystemPrompt: systemPrompt,
				Guidelines:   guidelines,
				Temperature:  temperature,
				Notes:        notes,
			})
			if err != nil {
				return err
			}
			fmt.Printf("created persona %s (%s)\n", p.ID, p.Name)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&providerName, "provider", "", "provider key (googleai, openai, ollama)")
	cmd.Flags().StringVar(&model, "model", "", "model name (empty means provider default)")
	cmd.Flags().StringVar(&systemPrompt, "system-prompt", "", "system prompt")
	cmd.Flags().StringArrayVar(&guidelines, "guideline", nil, "behavioral guideline (repeatable)")
	cmd.Flags().Float32Var(&temperature, "temperature", 0.7, "sampling temperature")
	cmd.Flags().StringVar(&notes, "notes", "", "free-form notes")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func newPersonasListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List personas",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			a, err := app.Setup(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck

			personas, err := a.Store.ListPersonas(cmd.Context(), 100)
			if err != nil {
				return err
			}
			for _, p := range personas {
				fmt.Printf("%s  %-20s %s/%s temp=%.2f\n", p.ID, p.Name, p.Provider, p.Model, p.Temperature)
			}
			return nil
		},
	}
}
