package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/onnwee/guardrail/internal/policy"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Validate and list remediation rules",
}

var rulesCheckCmd = &cobra.Command{
	Use:   "check [FILE]",
	Short: "Validate a rules file (default: rules_path)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := rulesPath(args)
		if err != nil {
			return err
		}
		rules, err := policy.LoadRules(path)
		if err != nil {
			return err
		}
		if err := policy.ValidateRules(rules); err != nil {
			errColor.Fprintf(cmd.OutOrStdout(), "%s is invalid\n", path)
			return err
		}
		active := 0
		for i := range rules {
			if rules[i].Active() {
				active++
			}
		}
		okColor.Fprintf(cmd.OutOrStdout(), "%s: %d rules, %d active\n", path, len(rules), active)
		return nil
	},
}

var rulesListCmd = &cobra.Command{
	Use:   "list [FILE]",
	Short: "List rules in evaluation order",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := rulesPath(args)
		if err != nil {
			return err
		}
		rules, err := policy.LoadRules(path)
		if err != nil {
			return err
		}
		policy.SortRules(rules)
		printRules(cmd.OutOrStdout(), rules)
		return nil
	},
}

func init() {
	rulesCmd.AddCommand(rulesCheckCmd, rulesListCmd)
}

// rulesPath uses the argument when given, so a file can be checked without
// a complete configuration.
func rulesPath(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.RulesPath, nil
}

func printRules(w io.Writer, rules []policy.Rule) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PRIORITY\tID\tSTATUS\tNODE TYPES\tACTIONS")
	for i := range rules {
		r := &rules[i]
		status := "active"
		if !r.Active() {
			status = string(r.Status)
		}
		nodeTypes := "*"
		if len(r.NodeTypes) > 0 {
			nodeTypes = strings.Join(r.NodeTypes, ",")
		}
		actions := make([]string, 0, len(r.Actions))
		for _, a := range r.Actions {
			actions = append(actions, a.ActionType)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", r.Priority, r.ID, status, nodeTypes, strings.Join(actions, ","))
	}
	_ = tw.Flush()
}
