package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cmdgate/internal/domain"
	"cmdgate/internal/engine"
	"cmdgate/internal/repo"
)

func ruleCmd() *cobra.Command {
	rl := &cobra.Command{Use: "rule", Short: "Manage gating rules"}
	rl.AddCommand(ruleAddCmd())
	rl.AddCommand(ruleListCmd())
	rl.AddCommand(ruleShowCmd())
	rl.AddCommand(ruleUpdateCmd())
	rl.AddCommand(ruleRemoveCmd())
	rl.AddCommand(ruleSeedCmd())
	rl.AddCommand(ruleConflictsCmd())
	rl.AddCommand(ruleInvalidCmd())
	return rl
}

func ruleAddCmd() *cobra.Command {
	var (
		opts      engine.RuleCreateOptions
		threshold int
		cost      int
		tiers     string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, me domain.User) error {
				opts.ActorID = me.ID
				opts.Action = strings.ToUpper(opts.Action)
				if cmd.Flags().Changed("threshold") {
					opts.ApprovalThreshold = &threshold
				}
				if cmd.Flags().Changed("cost") {
					opts.Cost = &cost
				}
				if tiers != "" {
					tt, err := parseTierThresholds(tiers, e.Config.Policy.TierThresholds)
					if err != nil {
						return err
					}
					opts.TierThresholds = &tt
				}
				change, err := e.CreateRule(ctx, opts)
				if err != nil {
					return err
				}
				return printRuleChange(change)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Pattern, "pattern", "", "regular expression matched against the command text")
	cmd.Flags().StringVar(&opts.Action, "action", domain.ActionNeedsApproval, "AUTO_ACCEPT, AUTO_REJECT or NEEDS_APPROVAL")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().IntVar(&opts.Seq, "seq", 0, "evaluation position (0 appends)")
	cmd.Flags().IntVar(&threshold, "threshold", 0, "approvals required regardless of tier")
	cmd.Flags().IntVar(&cost, "cost", 0, "credits debited on execution")
	cmd.Flags().StringVar(&tiers, "tier-thresholds", "", "per-tier approvals, e.g. junior=3,mid=2,senior=1,lead=1")
	_ = cmd.MarkFlagRequired("pattern")
	return cmd
}

func ruleListCmd() *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rules in evaluation order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, me domain.User) error {
				rules, err := e.ListRules(ctx, me.ID, activeOnly)
				if err != nil {
					return err
				}
				return printRules(rules)
			})
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active rules")
	return cmd
}

func ruleShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <rule-id>",
		Short: "Show a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, me domain.User) error {
				rl, err := e.GetRule(ctx, me.ID, args[0])
				if err != nil {
					return err
				}
				return printRules([]domain.Rule{rl})
			})
		},
	}
}

func ruleUpdateCmd() *cobra.Command {
	var (
		pattern, action, description, tiers string
		seq, threshold, cost                int
		clearThreshold, active              bool
	)
	cmd := &cobra.Command{
		Use:   "update <rule-id>",
		Short: "Update a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, me domain.User) error {
				opts := engine.RuleUpdateOptions{ID: args[0], ActorID: me.ID, ClearThreshold: clearThreshold}
				flags := cmd.Flags()
				if flags.Changed("pattern") {
					opts.Pattern = &pattern
				}
				if flags.Changed("action") {
					upper := strings.ToUpper(action)
					opts.Action = &upper
				}
				if flags.Changed("description") {
					opts.Description = &description
				}
				if flags.Changed("seq") {
					opts.Seq = &seq
				}
				if flags.Changed("threshold") {
					opts.ApprovalThreshold = &threshold
				}
				if flags.Changed("cost") {
					opts.Cost = &cost
				}
				if flags.Changed("active") {
					opts.Active = &active
				}
				if tiers != "" {
					current, err := e.GetRule(ctx, me.ID, args[0])
					if err != nil {
						return err
					}
					tt, err := parseTierThresholds(tiers, current.TierThresholds)
					if err != nil {
						return err
					}
					opts.TierThresholds = &tt
				}
				change, err := e.UpdateRule(ctx, opts)
				if err != nil {
					return err
				}
				return printRuleChange(change)
			})
		},
	}
	cmd.Flags().StringVar(&pattern, "pattern", "", "new pattern")
	cmd.Flags().StringVar(&action, "action", "", "new action")
	cmd.Flags().StringVar(&description, "description", "", "new description")
	cmd.Flags().IntVar(&seq, "seq", 0, "new evaluation position")
	cmd.Flags().IntVar(&threshold, "threshold", 0, "approvals required regardless of tier")
	cmd.Flags().BoolVar(&clearThreshold, "clear-threshold", false, "fall back to tier thresholds")
	cmd.Flags().IntVar(&cost, "cost", 0, "credits debited on execution")
	cmd.Flags().BoolVar(&active, "active", true, "active flag")
	cmd.Flags().StringVar(&tiers, "tier-thresholds", "", "per-tier approvals, e.g. junior=2")
	return cmd
}

func ruleRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "rm <rule-id>",
		Aliases: []string{"delete"},
		Short:   "Deactivate a rule",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, me domain.User) error {
				change, err := e.DeleteRule(ctx, me.ID, args[0])
				if err != nil {
					return err
				}
				return printRuleChange(change)
			})
		},
	}
}

func ruleSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Install the default rule set, skipping patterns already present",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, me domain.User) error {
				rules, err := e.SeedDefaultRules(ctx, me.ID)
				if err != nil {
					return err
				}
				return printRules(rules)
			})
		},
	}
}

func ruleConflictsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts",
		Short: "List shadowed and overlapping rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, me domain.User) error {
				conflicts, err := e.ListConflicts(ctx, me.ID)
				if err != nil {
					return err
				}
				return printConflicts(conflicts)
			})
		},
	}
}

func ruleInvalidCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "invalid",
		Short: "List stored rules whose pattern does not compile",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, me domain.User) error {
				bad, err := e.InvalidRules(ctx, me.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(bad)
				}
				for _, b := range bad {
					fmt.Println(b.Error())
				}
				return nil
			})
		},
	}
}

func printRules(rules []domain.Rule) error {
	if viper.GetBool("json") {
		return printJSON(rules)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Seq", "ID", "Pattern", "Action", "Threshold", "Cost", "Active"})
	for _, rl := range rules {
		threshold := "tier"
		if rl.ApprovalThreshold != nil {
			threshold = fmt.Sprint(*rl.ApprovalThreshold)
		}
		tw.AppendRow(table.Row{rl.Seq, rl.ID, rl.Pattern, rl.Action, threshold, rl.Cost, rl.Active})
	}
	tw.Render()
	return nil
}

func printConflicts(conflicts []domain.RuleConflict) error {
	if viper.GetBool("json") {
		return printJSON(conflicts)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Type", "Severity", "Rule", "Other rule", "Test case"})
	for _, c := range conflicts {
		tw.AppendRow(table.Row{c.ConflictType, c.Severity, c.RuleID1, c.RuleID2, c.TestCase})
	}
	tw.Render()
	return nil
}

func printRuleChange(change engine.RuleChange) error {
	if viper.GetBool("json") {
		return printJSON(change)
	}
	if err := printRules([]domain.Rule{change.Rule}); err != nil {
		return err
	}
	if len(change.Conflicts) > 0 {
		fmt.Printf("warning: %d rule conflict(s) detected\n", len(change.Conflicts))
		return printConflicts(change.Conflicts)
	}
	return nil
}

func commandCmd() *cobra.Command {
	c := &cobra.Command{Use: "cmd", Short: "Submit and inspect commands"}
	c.AddCommand(commandSubmitCmd())
	c.AddCommand(commandListCmd())
	c.AddCommand(commandShowCmd())
	return c
}

func commandSubmitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submit <command text...>",
		Short: "Submit a command through the gate",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, me domain.User) error {
				c, err := e.SubmitCommand(ctx, me.ID, strings.Join(args, " "))
				if c.ID != "" {
					if perr := printCommands([]domain.Command{c}); perr != nil {
						return perr
					}
				}
				if err != nil {
					return err
				}
				if c.Status == domain.CommandNeedsApproval {
					fmt.Fprintln(cmd.ErrOrStderr(), "awaiting approval; check with 'cg approval list'")
				}
				return nil
			})
		},
	}
}

func commandListCmd() *cobra.Command {
	var (
		all    bool
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List commands, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, me domain.User) error {
				cmds, err := e.ListCommands(ctx, me.ID, all, status, limit)
				if err != nil {
					return err
				}
				return printCommands(cmds)
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "every user's commands (admin)")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func commandShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <command-id>",
		Short: "Show a command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, me domain.User) error {
				c, err := e.GetCommand(ctx, me.ID, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(c)
				}
				if err := printCommands([]domain.Command{c}); err != nil {
					return err
				}
				if c.Output != "" {
					fmt.Println(c.Output)
				}
				return nil
			})
		},
	}
}

func printCommands(cmds []domain.Command) error {
	if viper.GetBool("json") {
		return printJSON(cmds)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Command", "Status", "Credits", "Error", "Created"})
	for _, c := range cmds {
		tw.AppendRow(table.Row{c.ID, c.Text, c.Status, c.CreditsUsed, c.ErrorMessage, c.CreatedAt})
	}
	tw.Render()
	return nil
}

func approvalCmd() *cobra.Command {
	a := &cobra.Command{Use: "approval", Short: "Review gated commands"}
	a.AddCommand(approvalListCmd())
	a.AddCommand(approvalShowCmd())
	a.AddCommand(approvalVoteCmd("approve", "APPROVE"))
	a.AddCommand(approvalVoteCmd("reject", "REJECT"))
	a.AddCommand(approvalVotesCmd())
	return a
}

func approvalListCmd() *cobra.Command {
	var f repo.ApprovalFilters
	var requester string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List approval requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, me domain.User) error {
				if requester != "" {
					id, err := resolveRef(ctx, e, requester)
					if err != nil {
						return err
					}
					f.RequesterID = id
				}
				reqs, err := e.ListApprovals(ctx, me.ID, f)
				if err != nil {
					return err
				}
				return printApprovals(reqs)
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", domain.ApprovalPending, "status filter (empty for all)")
	cmd.Flags().StringVar(&requester, "requester", "", "requester username or id")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func approvalShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <request-id>",
		Short: "Show an approval request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, me domain.User) error {
				req, err := e.GetApproval(ctx, me.ID, args[0])
				if err != nil {
					return err
				}
				return printApprovals([]domain.ApprovalRequest{req})
			})
		},
	}
}

func approvalVoteCmd(use, vote string) *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   use + " <request-id>",
		Short: fmt.Sprintf("Cast a %s vote", vote),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, me domain.User) error {
				req, err := e.CastVote(ctx, me.ID, args[0], vote, comment)
				if err != nil {
					if errors.Is(err, engine.ErrExpiredApprovalRequest) || errors.Is(err, engine.ErrRequestAlreadyResolved) {
						fmt.Fprintf(cmd.ErrOrStderr(), "request %s is %s\n", req.ID, req.Status)
					}
					return err
				}
				return printApprovals([]domain.ApprovalRequest{req})
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "comment recorded with the vote")
	return cmd
}

func approvalVotesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "votes <request-id>",
		Short: "List votes on a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, me domain.User) error {
				votes, err := e.ListVotes(ctx, me.ID, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(votes)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Admin", "Vote", "Comment", "At"})
				for _, v := range votes {
					tw.AppendRow(table.Row{v.AdminID, v.Vote, v.Comment, v.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func printApprovals(reqs []domain.ApprovalRequest) error {
	if viper.GetBool("json") {
		return printJSON(reqs)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Command", "Requester", "Status", "Approvals", "Rejections", "Expires"})
	for _, r := range reqs {
		tw.AppendRow(table.Row{
			r.ID, r.CommandID, r.RequesterID, r.Status,
			fmt.Sprintf("%d/%d", r.CurrentApprovals, r.RequiredApprovals),
			r.CurrentRejections, r.ExpiresAt,
		})
	}
	tw.Render()
	return nil
}

func auditCmd() *cobra.Command {
	var (
		f      repo.AuditFilters
		limit  int
		cursor int64
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Page through the audit trail (admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, me domain.User) error {
				page, err := e.ListAudit(ctx, me.ID, f, limit, cursor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(page)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "At", "Actor", "Action", "Resource", "Error"})
				for _, entry := range page.Entries {
					tw.AppendRow(table.Row{
						entry.ID, entry.TS, entry.ActorID, entry.ActionType,
						strings.TrimSuffix(entry.ResourceType+":"+entry.ResourceID, ":"), entry.ErrorKind,
					})
				}
				tw.Render()
				if page.NextCursor != 0 {
					fmt.Printf("more: --cursor %d\n", page.NextCursor)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ActorID, "actor", "", "actor id filter")
	cmd.Flags().StringVar(&f.ActionType, "action", "", "action type filter")
	cmd.Flags().StringVar(&f.ResourceType, "resource", "", "resource type filter")
	cmd.Flags().StringVar(&f.ResourceID, "resource-id", "", "resource id filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "page size")
	cmd.Flags().Int64Var(&cursor, "cursor", 0, "continue after this entry id")
	return cmd
}
