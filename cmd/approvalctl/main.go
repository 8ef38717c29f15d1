// Command approvalctl drives the approvals gRPC API from a terminal.
//
//	approvalctl -tenant t1 -user u1 -action submit -type purchase_order -id po-1
//	approvalctl -tenant t1 -user u2 -roles WAREHOUSE -action approve -type purchase_order -id po-1
//	approvalctl -tenant t1 -user u2 -action get -type purchase_order -id po-1
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-procurement-approvals/internal/auth"
	"github.com/pesio-ai/be-procurement-approvals/internal/client"
	"github.com/pesio-ai/be-procurement-approvals/internal/middleware"
)

func main() {
	addr := flag.String("addr", "localhost:9086", "approvals gRPC address")
	tenant := flag.String("tenant", "", "tenant id")
	user := flag.String("user", "", "acting user id")
	roles := flag.String("roles", "", "comma separated roles")
	action := flag.String("action", "get", "submit | approve | reject | get")
	entityType := flag.String("type", "purchase_order", "purchase_order | supply_request")
	entityID := flag.String("id", "", "entity id")
	notes := flag.String("notes", "", "optional notes")
	timeout := flag.Duration("timeout", 10*time.Second, "call timeout")
	flag.Parse()

	if *entityID == "" {
		fmt.Fprintln(os.Stderr, "approvalctl: -id is required")
		flag.Usage()
		os.Exit(2)
	}

	c, err := client.NewApprovalsClient(*addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "approvalctl: dial %s: %v\n", *addr, err)
		os.Exit(1)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	ctx = auth.WithUserContext(ctx, &auth.UserContext{
		TenantID: *tenant,
		UserID:   *user,
		Roles:    auth.ParseRoles(*roles),
	})
	ctx = middleware.WithRequestID(ctx, uuid.NewString())

	var out map[string]any
	if *action == "get" {
		out, err = c.GetWorkflow(ctx, *entityType, *entityID)
	} else {
		out, err = c.ProcessApproval(ctx, client.ProcessApprovalRequest{
			EntityType: *entityType,
			EntityID:   *entityID,
			Action:     *action,
			Notes:      *notes,
		})
	}
	if err != nil {
		if pd, ok := client.ProblemFromError(err); ok {
			printJSON(os.Stderr, pd)
		}
		fmt.Fprintf(os.Stderr, "approvalctl: %s\n", client.FormatError(err))
		os.Exit(1)
	}
	printJSON(os.Stdout, out)
}

func printJSON(f *os.File, v any) {
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
