package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Misty4119/nds-api/internal/engine"
	"github.com/Misty4119/nds-api/internal/identity"
	"github.com/Misty4119/nds-api/internal/ir"
)

// TokenOptions holds flags for the token command.
type TokenOptions struct {
	*RootOptions
	Subject string
	Type    string
	Roles   []string
	TTL     time.Duration
}

// TokenResult is an issued token.
type TokenResult struct {
	Token     string          `json:"token"`
	Subject   string          `json:"subject"`
	Origin    ir.OriginID     `json:"origin"`
	Type      ir.IdentityType `json:"type"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// NewTokenCommand creates the token command.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TokenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed identity token for this origin",
		Long: `Issue an EdDSA-signed token bound to this node's origin. Requires
identity.seed in the config; peers verify with the same seed.

Examples:
  nds token --subject alice --type PLAYER
  nds token --subject relay --type SYSTEM --role sync --ttl 1h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Subject, "subject", "", "token subject (required)")
	cmd.Flags().StringVar(&opts.Type, "type", string(ir.IdentityPlayer), "identity type (PLAYER|SYSTEM|AI|EXTERNAL)")
	cmd.Flags().StringSliceVar(&opts.Roles, "role", nil, "granted role (repeatable)")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", 0, "token lifetime (default identity.token_ttl)")
	_ = cmd.MarkFlagRequired("subject")

	return cmd
}

func parseIdentityType(s string) (ir.IdentityType, error) {
	t := ir.IdentityType(strings.ToUpper(s))
	switch t {
	case ir.IdentityPlayer, ir.IdentitySystem, ir.IdentityAI, ir.IdentityExternal:
		return t, nil
	}
	return "", fmt.Errorf("invalid identity type %q", s)
}

func runToken(opts *TokenOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	typ, err := parseIdentityType(opts.Type)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --type", err)
	}
	return opts.withNode(cmd, func(ctx context.Context, n *engine.Node) error {
		issuer := n.Issuer()
		if issuer == nil {
			return f.Fail(ExitCommandError, "cannot issue tokens", errors.New("identity.seed is not configured"))
		}
		ttl := opts.TTL
		if ttl <= 0 {
			ttl = n.Config().Identity.TokenTTL
		}
		id := identity.Identity{Subject: opts.Subject, Origin: n.Origin(), Type: typ, Roles: opts.Roles}
		tok, err := issuer.Issue(id, ttl)
		if err != nil {
			return f.Fail(ExitCommandError, "cannot issue token", err)
		}
		res := TokenResult{
			Token:     tok,
			Subject:   id.Subject,
			Origin:    id.Origin,
			Type:      id.Type,
			ExpiresAt: time.Now().Add(ttl).UTC().Truncate(time.Second),
		}
		return f.Success(res, func(w io.Writer) {
			fmt.Fprintln(w, res.Token)
		})
	})
}
