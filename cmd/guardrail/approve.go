package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/onnwee/guardrail/internal/approval"
	"github.com/onnwee/guardrail/internal/compliance"
)

var approveFlags struct {
	actionType string
	target     string
	actionID   string
	approver   string
	ttl        time.Duration
	tokenOnly  bool
}

var approveCmd = &cobra.Command{
	Use:   "approve",
	Short: "Issue an approval token for one action type on one node",
	Long: `Approve signs a short-lived token that satisfies the approval
requirement for high-impact actions and actions on critical nodes.
Pass it to "guardrail run" as --approval KEY=TOKEN using the printed key.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.ApprovalSecret == "" {
			return errors.New("approval_secret is not configured")
		}
		approver := approveFlags.approver
		if approver == "" {
			approver = currentUser()
		}
		ttl := approveFlags.ttl
		if ttl <= 0 {
			ttl = cfg.ApprovalTTL
		}

		token, err := approval.NewService(cfg.ApprovalSecret, cfg.ApprovalPreviousSecret).Issue(approval.Grant{
			ActionType:   approveFlags.actionType,
			TargetNodeID: approveFlags.target,
			ActionID:     approveFlags.actionID,
			Approver:     approver,
			TTL:          ttl,
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if approveFlags.tokenOnly {
			fmt.Fprintln(out, token)
			return nil
		}
		key := approveFlags.actionID
		if key == "" {
			key = compliance.ApprovalKey(approveFlags.actionType, approveFlags.target)
		}
		headColor.Fprintf(out, "Approval for %s on %s by %s, valid for %s\n", approveFlags.actionType, approveFlags.target, approver, ttl)
		fmt.Fprintf(out, "--approval %s=%s\n", key, token)
		return nil
	},
}

func init() {
	f := approveCmd.Flags()
	f.StringVar(&approveFlags.actionType, "action", "", "action type to approve")
	f.StringVar(&approveFlags.target, "target", "", "target node id")
	f.StringVar(&approveFlags.actionID, "action-id", "", "restrict the approval to one action id")
	f.StringVar(&approveFlags.approver, "approver", "", "approver name (default: current user)")
	f.DurationVar(&approveFlags.ttl, "ttl", 0, "token lifetime (default: approval_ttl)")
	f.BoolVar(&approveFlags.tokenOnly, "token-only", false, "print only the token")
	_ = approveCmd.MarkFlagRequired("action")
	_ = approveCmd.MarkFlagRequired("target")
}
