// devicemgr manipulates per-cgroup device access policies from the
// command line. It drives the same manager and cgroup drivers the node
// agent embeds. Manager state is not persisted, so every invocation
// starts from an empty policy store: reconfigure applies its diff to an
// empty policy before committing, and state prints an empty result.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/containerd/log"
	"github.com/spf13/cobra"

	"github.com/moby/devicemanager"
	"github.com/moby/devicemanager/devices"
	"github.com/moby/devicemanager/driver"
	"github.com/moby/devicemanager/driver/ebpfdriver"
	"github.com/moby/devicemanager/driver/systemddriver"
)

type rootOptions struct {
	driver   string
	workDir  string
	logLevel string
}

func main() {
	opts := rootOptions{}
	cmd := &cobra.Command{
		Use:           "devicemgr",
		Short:         "Manage per-cgroup device access policies",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return log.SetLevel(opts.logLevel)
		},
	}
	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.driver, "driver", "ebpf", `Cgroup driver to commit through ("ebpf" or "systemd")`)
	flags.StringVar(&opts.workDir, "work-dir", "/var/lib/devicemgr", "Directory for device manager state")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "Logging level")

	cmd.AddCommand(
		newConfigureCommand(&opts),
		newReconfigureCommand(&opts),
		newStateCommand(&opts),
		newDiffCommand(),
		newDetachCommand(),
	)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "devicemgr:", err)
		os.Exit(1)
	}
}

func newManager(cmd *cobra.Command, opts *rootOptions) (*devicemanager.Manager, func(), error) {
	var (
		d       driver.Driver
		cleanup = func() {}
	)
	switch opts.driver {
	case "ebpf":
		ed, err := ebpfdriver.New()
		if err != nil {
			return nil, nil, err
		}
		d = ed
	case "systemd":
		sd, err := systemddriver.New(cmd.Context())
		if err != nil {
			return nil, nil, err
		}
		d = sd
		cleanup = func() { sd.Close() }
	default:
		return nil, nil, fmt.Errorf("unknown driver %q", opts.driver)
	}

	m, err := devicemanager.New(opts.workDir, d)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return m, func() { m.Close(); cleanup() }, nil
}

func parseEntries(specs []string) ([]devices.Entry, error) {
	var entries []devices.Entry
	for _, s := range specs {
		e, err := devices.ParseEntry(s)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func parseNonWildcardEntries(specs []string) ([]devices.NonWildcardEntry, error) {
	entries, err := parseEntries(specs)
	if err != nil {
		return nil, err
	}
	return devices.ToNonWildcards(entries)
}

func newConfigureCommand(opts *rootOptions) *cobra.Command {
	var allowSpecs, denySpecs []string
	cmd := &cobra.Command{
		Use:   "configure [OPTIONS] CGROUP",
		Short: "Replace the device access policy of a cgroup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			allow, err := parseEntries(allowSpecs)
			if err != nil {
				return err
			}
			deny, err := parseNonWildcardEntries(denySpecs)
			if err != nil {
				return err
			}
			m, release, err := newManager(cmd, opts)
			if err != nil {
				return err
			}
			defer release()
			return m.Configure(cmd.Context(), args[0], allow, deny)
		},
	}
	flags := cmd.Flags()
	flags.StringArrayVar(&allowSpecs, "allow", nil, `Entry to grant, e.g. "c 3:1 rwm" (repeatable)`)
	flags.StringArrayVar(&denySpecs, "deny", nil, "Entry to revoke, wildcards not permitted (repeatable)")
	return cmd
}

func newReconfigureCommand(opts *rootOptions) *cobra.Command {
	var addSpecs, removeSpecs []string
	cmd := &cobra.Command{
		Use:   "reconfigure [OPTIONS] CGROUP",
		Short: "Incrementally adjust the device access policy of a cgroup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			additions, err := parseNonWildcardEntries(addSpecs)
			if err != nil {
				return err
			}
			removals, err := parseNonWildcardEntries(removeSpecs)
			if err != nil {
				return err
			}
			m, release, err := newManager(cmd, opts)
			if err != nil {
				return err
			}
			defer release()
			return m.Reconfigure(cmd.Context(), args[0], additions, removals)
		},
	}
	flags := cmd.Flags()
	flags.StringArrayVar(&addSpecs, "add", nil, "Entry to grant, wildcards not permitted (repeatable)")
	flags.StringArrayVar(&removeSpecs, "remove", nil, "Entry to revoke, wildcards not permitted (repeatable)")
	return cmd
}

func newStateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "state [CGROUP]",
		Short: "Print the tracked device access policies as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, release, err := newManager(cmd, opts)
			if err != nil {
				return err
			}
			defer release()

			var out interface{}
			if len(args) == 1 {
				policy, err := m.CgroupState(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				out = policy
			} else {
				state, err := m.State(cmd.Context())
				if err != nil {
					return err
				}
				out = state
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}

// newDiffCommand previews a reconfiguration without touching a cgroup.
func newDiffCommand() *cobra.Command {
	var allowSpecs, denySpecs, addSpecs, removeSpecs []string
	cmd := &cobra.Command{
		Use:   "diff [OPTIONS]",
		Short: "Print the policy that would result from a reconfiguration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			allow, err := parseEntries(allowSpecs)
			if err != nil {
				return err
			}
			deny, err := parseEntries(denySpecs)
			if err != nil {
				return err
			}
			additions, err := parseNonWildcardEntries(addSpecs)
			if err != nil {
				return err
			}
			removals, err := parseNonWildcardEntries(removeSpecs)
			if err != nil {
				return err
			}

			result := devicemanager.ApplyDiff(devicemanager.CgroupDeviceAccess{
				Allow: allow,
				Deny:  deny,
			}, additions, removals)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
	flags := cmd.Flags()
	flags.StringArrayVar(&allowSpecs, "allow", nil, "Allow entry of the starting policy (repeatable)")
	flags.StringArrayVar(&denySpecs, "deny", nil, "Deny entry of the starting policy (repeatable)")
	flags.StringArrayVar(&addSpecs, "add", nil, "Entry to grant (repeatable)")
	flags.StringArrayVar(&removeSpecs, "remove", nil, "Entry to revoke (repeatable)")
	return cmd
}

func newDetachCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "detach CGROUP",
		Short: "Remove the device program attached to a cgroup (ebpf driver only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := ebpfdriver.New()
			if err != nil {
				return err
			}
			return d.Detach(cmd.Context(), args[0])
		},
	}
}
