package main

import (
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/SharmARohitt/Hypnos/pkg/api"
	"github.com/SharmARohitt/Hypnos/pkg/contracts"
)

func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(stderr)
	grantee := fs.String("grantee", "", "Grantee address the token acts as (REQUIRED)")
	ttl := fs.Duration("ttl", time.Hour, "Token lifetime")
	operator := fs.Bool("operator", false, "Allow dead-letter operations")
	cfg, _, ok := loadConfig(fs, args, stderr)
	if !ok {
		return 2
	}
	addr, err := contracts.ParseAddress(*grantee)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: --grantee: %v\n", err)
		return 2
	}
	auth := api.NewAuthenticator(cfg.API.JWTSecret)
	if auth == nil {
		_, _ = fmt.Fprintln(stderr, "Error: api.jwt_secret (HYPNOS_JWT_SECRET) is not set")
		return 2
	}
	issue := auth.Issue
	if *operator {
		issue = auth.IssueOperator
	}
	token, err := issue(addr, *ttl)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, token)
	return 0
}
