package main

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/cihealer/internal/apikey"
	"github.com/kiranshivaraju/cihealer/internal/store"
	"github.com/spf13/cobra"
)

func newKeysCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys",
	}
	cmd.AddCommand(newKeysCreateCmd(opts), newKeysListCmd(opts), newKeysRevokeCmd(opts))
	return cmd
}

func newKeysCreateCmd(opts *rootOptions) *cobra.Command {
	var scopes []string
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a key and print it once",
		Example: `  cihealerctl keys create jenkins --scope ingest
  cihealerctl keys create alice --scope read --scope review`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, key, err := apikey.Generate(args[0], scopes)
			if err != nil {
				return err
			}
			ks, done, err := opts.keys(cmd)
			if err != nil {
				return err
			}
			defer done()
			if err := ks.CreateAPIKey(cmd.Context(), key); err != nil {
				return fmt.Errorf("store key: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "id:     %s\n", key.ID)
			fmt.Fprintf(out, "scopes: %s\n", strings.Join(key.Scopes, ","))
			fmt.Fprintf(out, "key:    %s\n", raw)
			fmt.Fprintln(out, "Store this key now; it cannot be shown again.")
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&scopes, "scope", nil,
		fmt.Sprintf("scope to grant, repeatable (%s)", strings.Join(apikey.Scopes, ", ")))
	return cmd
}

func newKeysListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List active keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ks, done, err := opts.keys(cmd)
			if err != nil {
				return err
			}
			defer done()
			keys, err := ks.ListAPIKeys(cmd.Context())
			if err != nil {
				return fmt.Errorf("list keys: %w", err)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tPREFIX\tSCOPES\tLAST USED")
			for _, k := range keys {
				lastUsed := "never"
				if k.LastUsedAt != nil {
					lastUsed = k.LastUsedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					k.ID, k.Name, k.KeyPrefix, strings.Join(k.Scopes, ","), lastUsed)
			}
			return tw.Flush()
		},
	}
}

func newKeysRevokeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke ID",
		Short: "Revoke a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid key id %q", args[0])
			}
			ks, done, err := opts.keys(cmd)
			if err != nil {
				return err
			}
			defer done()
			if err := ks.RevokeAPIKey(cmd.Context(), id); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("key %s not found or already revoked", id)
				}
				return fmt.Errorf("revoke key: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", id)
			return nil
		},
	}
}

func (o *rootOptions) keys(cmd *cobra.Command) (keyStore, func(), error) {
	url, err := o.url()
	if err != nil {
		return nil, nil, err
	}
	return o.open(cmd.Context(), url)
}
