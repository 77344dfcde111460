package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/Sternrassler/squeeze/pkg/credentials"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

func newKeysCmd(fs afero.Fs, global *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys",
		Long: `Manage the API keys squeeze rotates through. Keys are stored in the config
file; output only ever shows a short fingerprint of each key.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List configured keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context(), fs, global, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			keys := a.pool.Keys()
			if len(keys) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No keys configured. Add one with: squeeze keys add <key>")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "INDEX\tFINGERPRINT\tCURRENT")
			for i, k := range keys {
				marker := ""
				if i == a.pool.CurrentIndex() {
					marker = "*"
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\n", i, k.Fingerprint(), marker)
			}
			fmt.Fprintf(tw, "\nauto-rotate: %v\n", a.pool.AutoRotate())
			return tw.Flush()
		},
	})

	var skipValidation bool
	add := &cobra.Command{
		Use:   "add <key>",
		Short: "Add a key after checking it with the backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context(), fs, global, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			key := strings.TrimSpace(args[0])
			if !skipValidation && !a.pool.Validate(cmd.Context(), key) {
				return fmt.Errorf("key %s was rejected by the backend", credentials.Credential(key).Fingerprint())
			}
			before := a.pool.Len()
			a.pool.Add(key)
			if a.pool.Len() == before {
				fmt.Fprintln(cmd.OutOrStdout(), "Key already configured")
				return nil
			}
			if err := a.saveCredentials(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added key %s\n", credentials.Credential(key).Fingerprint())
			return nil
		},
	}
	add.Flags().BoolVar(&skipValidation, "no-validate", false, "store the key without checking it")
	cmd.AddCommand(add)

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <key|fingerprint>",
		Short: "Remove a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context(), fs, global, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			key, ok := findKey(a.pool.Keys(), args[0])
			if !ok {
				return fmt.Errorf("no key matches %q", args[0])
			}
			a.pool.Remove(key.String())
			if err := a.saveCredentials(); err != nil {
				return err
			}
			if a.tracker != nil {
				if err := a.tracker.Forget(cmd.Context(), key); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: could not clear usage: %v\n", err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed key %s\n", key.Fingerprint())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate [key]",
		Short: "Check keys against the backend",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context(), fs, global, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			keys := a.pool.Keys()
			if len(args) == 1 {
				keys = []credentials.Credential{credentials.Credential(strings.TrimSpace(args[0]))}
			}

			invalid := 0
			for _, k := range keys {
				status := "valid"
				if !a.pool.Validate(cmd.Context(), k.String()) {
					status = "invalid"
					invalid++
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", k.Fingerprint(), status)
			}
			if invalid > 0 {
				return fmt.Errorf("%d of %d keys invalid", invalid, len(keys))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "usage",
		Short: "Show this month's compression count per key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context(), fs, global, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			if a.tracker == nil {
				return fmt.Errorf("usage tracking needs redis.addr in the config")
			}
			usage, err := a.tracker.All(cmd.Context(), a.pool.Keys())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FINGERPRINT\tUSED\tLIMIT\tREMAINING\tSTATE")
			for _, u := range usage {
				state := "ok"
				switch {
				case !u.Known():
					state = "unknown"
				case u.Exhausted():
					state = "exhausted"
				case u.NearLimit():
					state = "near limit"
				}
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\n", u.Fingerprint, u.Count, u.Limit, u.Remaining(), state)
			}
			return tw.Flush()
		},
	})

	return cmd
}

// findKey matches either the full key or its fingerprint.
func findKey(keys []credentials.Credential, ref string) (credentials.Credential, bool) {
	ref = strings.TrimSpace(ref)
	for _, k := range keys {
		if k.String() == ref || k.Fingerprint() == ref {
			return k, true
		}
	}
	return "", false
}
