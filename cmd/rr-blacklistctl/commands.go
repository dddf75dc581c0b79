package main

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/haukened/rr-blacklist/internal/engine/common/executor"
	"github.com/haukened/rr-blacklist/internal/engine/domain"
	"github.com/haukened/rr-blacklist/internal/engine/gateways/remote"
	"github.com/haukened/rr-blacklist/internal/engine/repos/ruleindex"
)

var errEmptyRule = errors.New("rule matches everything; set at least one field")

func namesCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "names",
		Short: "List the authority's blacklists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := opts.requestContext(cmd)
			defer cancel()
			names, err := remote.Names(ctx, opts.client())
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

// listView is the yaml form of a snapshot.
type listView struct {
	Name              string      `yaml:"name"`
	ModificationCount uint64      `yaml:"modification_count"`
	Rules             []entryView `yaml:"rules"`
}

type entryView struct {
	Rule      string     `yaml:"rule"`
	ExpiresAt *time.Time `yaml:"expires_at,omitempty"`
}

func listCmd(opts *globalOptions) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "list NAME",
		Short: "Print the rules of a blacklist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.requestContext(cmd)
			defer cancel()
			snap, err := remote.Fetch(ctx, opts.client(), args[0])
			if err != nil {
				return err
			}
			switch format {
			case "text":
				return printSnapshot(cmd.OutOrStdout(), snap, time.Now())
			case "yaml":
				return encodeYAML(cmd.OutOrStdout(), snap)
			default:
				return fmt.Errorf("unsupported output format %q", format)
			}
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", "text", "output format: text or yaml")
	return cmd
}

func printSnapshot(w io.Writer, snap domain.Snapshot, now time.Time) error {
	if _, err := fmt.Fprintf(w, "%s: %s rules, modification count %s\n",
		snap.Name, humanize.Comma(int64(len(snap.Entries))), humanize.Comma(int64(snap.ModificationCount))); err != nil {
		return err
	}
	for _, e := range snap.Entries {
		expires := "unknown expiry"
		if !e.ExpiresAt.IsZero() {
			expires = "expires " + humanize.RelTime(e.ExpiresAt, now, "ago", "from now")
		}
		if _, err := fmt.Fprintf(w, "  %s  %s\n", e.Rule, expires); err != nil {
			return err
		}
	}
	return nil
}

func encodeYAML(w io.Writer, snap domain.Snapshot) error {
	view := listView{Name: snap.Name, ModificationCount: snap.ModificationCount, Rules: []entryView{}}
	for _, e := range snap.Entries {
		ev := entryView{Rule: e.Rule.String()}
		if !e.ExpiresAt.IsZero() {
			at := e.ExpiresAt
			ev.ExpiresAt = &at
		}
		view.Rules = append(view.Rules, ev)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(view); err != nil {
		return err
	}
	return enc.Close()
}

func addCmd(opts *globalOptions) *cobra.Command {
	var (
		rf  ruleFlags
		ttl time.Duration
	)
	cmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Add a rule to a blacklist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rule, err := nonEmptyRule(&rf)
			if err != nil {
				return err
			}
			ctx, cancel := opts.requestContext(cmd)
			defer cancel()
			if err := remote.NewWriter(opts.client(), args[0]).AddRules(ctx, []domain.Rule{rule}, ttl); err != nil {
				return err
			}
			lifetime := "the default TTL"
			if ttl > 0 {
				lifetime = ttl.String()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s to %s for %s\n", rule, args[0], lifetime)
			return nil
		},
	}
	rf.bind(cmd)
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "rule lifetime, rounded up to seconds (0 selects the default)")
	return cmd
}

func removeCmd(opts *globalOptions) *cobra.Command {
	var rf ruleFlags
	cmd := &cobra.Command{
		Use:   "remove NAME",
		Short: "Remove a rule from a blacklist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rule, err := nonEmptyRule(&rf)
			if err != nil {
				return err
			}
			ctx, cancel := opts.requestContext(cmd)
			defer cancel()
			if err := remote.NewWriter(opts.client(), args[0]).RemoveRules(ctx, []domain.Rule{rule}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s from %s\n", rule, args[0])
			return nil
		},
	}
	rf.bind(cmd)
	return cmd
}

func nonEmptyRule(rf *ruleFlags) (domain.Rule, error) {
	rule, err := rf.rule()
	if err != nil {
		return domain.Rule{}, err
	}
	if rule.Equal(domain.Rule{}) {
		return domain.Rule{}, errEmptyRule
	}
	return rule, nil
}

func checkCmd(opts *globalOptions) *cobra.Command {
	var itf itemFlags
	cmd := &cobra.Command{
		Use:   "check NAME",
		Short: "Evaluate blacklist queries against the current rules",
		Long: `Fetches the blacklist and answers every query the given flags allow:
function (--function), target (--target), function on target (both) and
the full job (both, with --input/--output).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			item, err := itf.item()
			if err != nil {
				return err
			}
			if item.FunctionID == "" && item.Target == "" {
				return errors.New("set --function, --target or both")
			}
			ctx, cancel := opts.requestContext(cmd)
			defer cancel()
			snap, err := remote.Fetch(ctx, opts.client(), args[0])
			if err != nil {
				return err
			}
			ix := ruleindex.New(opts.logger())
			ix.Add(snap.Rules()...)
			printChecks(cmd.OutOrStdout(), ix, item)
			return nil
		},
	}
	itf.bind(cmd)
	return cmd
}

func printChecks(w io.Writer, ix *ruleindex.Index, item domain.JobItem) {
	verdict := func(blacklisted bool) string {
		if blacklisted {
			return "blacklisted"
		}
		return "allowed"
	}
	fn := item.Function()
	if fn.ID != "" {
		fmt.Fprintf(w, "function %s: %s\n", fn.ID, verdict(ix.IsFunctionBlacklisted(fn)))
	}
	if item.Target != "" {
		fmt.Fprintf(w, "target %s: %s\n", item.Target, verdict(ix.IsTargetBlacklisted(item.Target)))
	}
	if fn.ID != "" && item.Target != "" {
		fmt.Fprintf(w, "function %s on %s: %s\n", fn.ID, item.Target, verdict(ix.IsFunctionTargetBlacklisted(fn, item.Target)))
		fmt.Fprintf(w, "job: %s\n", verdict(ix.IsItemBlacklisted(item)))
	}
}

// changePrinter writes every change it receives.
type changePrinter struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *changePrinter) HandleChange(c domain.Change, _ executor.Executor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range c.Removed {
		fmt.Fprintf(p.w, "#%d - %s\n", c.ModificationCount, r)
	}
	for _, r := range c.Added {
		fmt.Fprintf(p.w, "#%d + %s\n", c.ModificationCount, r)
	}
}

func watchCmd(opts *globalOptions) *cobra.Command {
	var notifyURL string
	cmd := &cobra.Command{
		Use:   "watch NAME",
		Short: "Follow a blacklist and print its changes until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.requestContext(cmd)
			m, err := remote.Open(ctx, opts.client(), args[0], remote.Options{
				NotifyURL: notifyURL,
				Logger:    opts.logger(),
			})
			cancel()
			if err != nil {
				return err
			}
			defer m.Close()

			p := &changePrinter{w: cmd.OutOrStdout()}
			p.mu.Lock()
			fmt.Fprintf(p.w, "watching %s at modification count %d, %s rules\n",
				m.Name(), m.ModificationCount(), humanize.Comma(int64(m.Len())))
			p.mu.Unlock()
			m.Subscribe(p)
			defer m.Unsubscribe(p)

			<-cmd.Context().Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&notifyURL, "notify-url", "", "override the change-notification URL advertised by the authority")
	return cmd
}

func failCmd(opts *globalOptions) *cobra.Command {
	var itf itemFlags
	cmd := &cobra.Command{
		Use:   "fail",
		Short: "Report a failed job item to the authority's maintainer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			item, err := itf.item()
			if err != nil {
				return err
			}
			if item.FunctionID == "" {
				return errors.New("--function is required")
			}
			ctx, cancel := opts.requestContext(cmd)
			defer cancel()
			if err := remote.NewReporter(opts.client()).FailedJobItem(ctx, item); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reported failure of %s on %s\n", item.FunctionID, item.Target)
			return nil
		},
	}
	itf.bind(cmd)
	return cmd
}
