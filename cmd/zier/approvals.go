package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kir-gadjello/zier-alpha/internal/approval"
	"github.com/kir-gadjello/zier-alpha/internal/config"
	"github.com/kir-gadjello/zier-alpha/internal/pidfile"
)

// apiClient talks to the approval API of a running daemon.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

// newAPIClient finds the daemon through its record in the workspace. A
// configured token takes precedence over the recorded one.
func newAPIClient(cfg *config.Config) (*apiClient, error) {
	info, err := pidfile.ForWorkspace(cfg.Workspace).Running()
	if err != nil {
		return nil, fmt.Errorf("no running daemon found: %w", err)
	}
	token := cfg.Approval.Token
	if token == "" {
		token = info.Token
	}
	return &apiClient{
		base:  "http://" + info.Addr,
		token: token,
		http:  &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", c.base, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *apiClient) List(ctx context.Context) ([]approval.Pending, error) {
	var pending []approval.Pending
	err := c.do(ctx, http.MethodGet, "/approvals", &pending)
	return pending, err
}

func (c *apiClient) Decide(ctx context.Context, callID string, approve bool) error {
	action := "deny"
	if approve {
		action = "approve"
	}
	return c.do(ctx, http.MethodPost, "/approvals/"+callID+"/"+action, nil)
}

func buildApprovalsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "List pending approvals of the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := approvalsClient()
			if err != nil {
				return err
			}
			pending, err := client.List(cmd.Context())
			if err != nil {
				return err
			}
			return printPending(cmd.OutOrStdout(), pending, time.Now())
		},
	}
	decide := func(use string, approve bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <call-id>",
			Short: strings.ToUpper(use[:1]) + use[1:] + " a pending request",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				client, err := approvalsClient()
				if err != nil {
					return err
				}
				if err := client.Decide(cmd.Context(), args[0], approve); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], use)
				return nil
			},
		}
	}
	cmd.AddCommand(decide("approve", true), decide("deny", false))
	return cmd
}

func approvalsClient() (*apiClient, error) {
	cfg, err := loadConfig(false)
	if err != nil {
		return nil, err
	}
	return newAPIClient(cfg)
}

func printPending(w io.Writer, pending []approval.Pending, now time.Time) error {
	if len(pending) == 0 {
		_, err := fmt.Fprintln(w, "No pending approvals.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CALL ID\tTOOL\tFROM\tEXPIRES IN\tARGS")
	for _, p := range pending {
		left := p.ExpiresAt.Sub(now).Round(time.Second)
		if left < 0 {
			left = 0
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.CallID, p.ToolName, p.ChatRef, left, approval.Summarize(p.ArgsSummary, 60))
	}
	return tw.Flush()
}
