// Command guardrail runs the remediation pipeline, serves the audit ledger
// over HTTP and administers approvals and rules.
package main

import (
	"os"
)

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
